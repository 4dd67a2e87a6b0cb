// Package telemetry wraps device location acquisition behind one-shot
// fetches and continuous update subscriptions.
package telemetry

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Sample is one device fix.
type Sample struct {
	Latitude   float64
	Longitude  float64
	CapturedAt time.Time
}

// DistanceMetersTo returns the great-circle distance from the sample to a
// coordinate, in meters.
func (s Sample) DistanceMetersTo(lat, lng float64) float64 {
	const earthRadius = 6371000.0
	la1 := s.Latitude * math.Pi / 180
	la2 := lat * math.Pi / 180
	dla := (lat - s.Latitude) * math.Pi / 180
	dlo := (lng - s.Longitude) * math.Pi / 180
	a := math.Sin(dla/2)*math.Sin(dla/2) +
		math.Cos(la1)*math.Cos(la2)*math.Sin(dlo/2)*math.Sin(dlo/2)
	return earthRadius * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Authorization is the platform permission state for location access.
type Authorization int

const (
	AuthNotDetermined Authorization = iota
	AuthAuthorized
	AuthDenied
	AuthRestricted
	AuthUnknown
)

func (a Authorization) String() string {
	switch a {
	case AuthNotDetermined:
		return "not_determined"
	case AuthAuthorized:
		return "authorized"
	case AuthDenied:
		return "denied"
	case AuthRestricted:
		return "restricted"
	default:
		return "unknown"
	}
}

// Provider is the device location source. Implementations bridge the
// platform APIs into typed channels.
type Provider interface {
	// Authorization reports the current permission state.
	Authorization() Authorization
	// RequestAuthorization prompts the user. The returned channel yields
	// the resulting state once the user decides.
	RequestAuthorization() <-chan Authorization
	// Watch starts delivering fixes until stop is called.
	Watch() (samples <-chan Sample, stop func(), err error)
}

const (
	// freshness is how old a cached sample may be and still satisfy a
	// one-shot request.
	freshness = 10 * time.Second

	// oneShotTimeout bounds how long a one-shot request waits for a fix.
	oneShotTimeout = 30 * time.Second

	recoveryHint = "Location access is turned off. Enable it for this app in system settings to share your position during rides."
)

// Stream serves one-shot coordinate fetches and continuous subscriptions
// from a single provider. At most one one-shot request may be in flight;
// a second caller is rejected with ErrConcurrentRequest.
type Stream struct {
	provider Provider
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	last        *Sample
	oneShotBusy bool
	stopWatch   func()
}

func NewStream(provider Provider, logger *slog.Logger) *Stream {
	return &Stream{
		provider: provider,
		logger:   logger,
		now:      time.Now,
	}
}

// Current returns the device position. A cached sample younger than the
// freshness bound is served directly; otherwise a fresh acquisition is
// started, the first fix is returned and acquisition stops again.
func (s *Stream) Current(ctx context.Context) (Sample, error) {
	s.mu.Lock()
	if s.last != nil && s.now().Sub(s.last.CapturedAt) < freshness {
		sample := *s.last
		s.mu.Unlock()
		return sample, nil
	}
	if s.oneShotBusy {
		s.mu.Unlock()
		return Sample{}, ErrConcurrentRequest
	}
	s.oneShotBusy = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.oneShotBusy = false
		s.mu.Unlock()
	}()

	if err := s.ensureAuthorized(ctx); err != nil {
		return Sample{}, err
	}

	samples, stop, err := s.provider.Watch()
	if err != nil {
		return Sample{}, err
	}
	defer stop()

	timer := time.NewTimer(oneShotTimeout)
	defer timer.Stop()

	select {
	case sample, ok := <-samples:
		if !ok {
			return Sample{}, ErrNoFix
		}
		s.remember(sample)
		return sample, nil
	case <-timer.C:
		return Sample{}, ErrNoFix
	case <-ctx.Done():
		return Sample{}, ctx.Err()
	}
}

// StartUpdates subscribes sink to continuous device fixes. The caller must
// StopUpdates to release the device resource. Only one continuous
// subscription is held at a time; starting again replaces the sink.
func (s *Stream) StartUpdates(ctx context.Context, sink func(Sample)) error {
	if err := s.ensureAuthorized(ctx); err != nil {
		return err
	}

	samples, stop, err := s.provider.Watch()
	if err != nil {
		return err
	}

	quit := make(chan struct{})
	done := make(chan struct{})

	// Swap the subscription under the lock but stop the previous one
	// outside it: its pump may be blocked on the same lock in remember.
	s.mu.Lock()
	prev := s.stopWatch
	s.stopWatch = func() {
		close(quit)
		stop()
		<-done
	}
	s.mu.Unlock()
	if prev != nil {
		prev()
	}

	go func() {
		defer close(done)
		for {
			select {
			case sample, ok := <-samples:
				if !ok {
					return
				}
				s.remember(sample)
				sink(sample)
			case <-quit:
				return
			}
		}
	}()
	return nil
}

// StopUpdates releases the continuous subscription, if any.
func (s *Stream) StopUpdates() {
	s.mu.Lock()
	stop := s.stopWatch
	s.stopWatch = nil
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// ensureAuthorized resolves the permission state, prompting the user when
// it is still undetermined. A state change while the request is pending is
// re-evaluated against the new state.
func (s *Stream) ensureAuthorized(ctx context.Context) error {
	auth := s.provider.Authorization()
	if auth == AuthNotDetermined {
		s.logger.Info("requesting location authorization")
		select {
		case auth = <-s.provider.RequestAuthorization():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	switch auth {
	case AuthAuthorized:
		return nil
	case AuthDenied, AuthRestricted:
		return &PermissionDeniedError{RecoveryHint: recoveryHint}
	default:
		return ErrUnknownAuthorization
	}
}

func (s *Stream) remember(sample Sample) {
	s.mu.Lock()
	s.last = &sample
	s.mu.Unlock()
}
