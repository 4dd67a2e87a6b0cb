// Package notify normalizes push-notification payloads into typed intents.
package notify

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/schoolpool/ridesync/ride"
	"github.com/schoolpool/ridesync/status"
)

// Payload is the opaque key-value map delivered by the push transport.
// Field casing and presence are not guaranteed.
type Payload map[string]string

// Intent is one of ScheduleOptionsIntent, OngoingRideIntent or
// GenericIntent.
type Intent interface {
	intent()
}

// ScheduleOptionsIntent routes to the schedule-confirmation flow.
type ScheduleOptionsIntent struct {
	Title      string
	Body       string
	ActivityID string
	DayOfWeek  string
}

// OngoingRideIntent routes to the ongoing-ride surface. Both the
// rider-arrived and returned-home categories land here.
type OngoingRideIntent struct {
	Title string
	Body  string
}

// GenericIntent is the fallback for unrecognized action types.
type GenericIntent struct {
	Title string
	Body  string
}

func (ScheduleOptionsIntent) intent() {}
func (OngoingRideIntent) intent()     {}
func (GenericIntent) intent()         {}

const (
	actionRideScheduling = "ride_scheduling"
	actionRiderArrived   = "rider_arrived"
	actionReturnedHome   = "returned_home"
)

// dedupWindow bounds how many notification ids are remembered for
// duplicate suppression.
const dedupWindow = 256

type Router struct {
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
}

func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		logger: logger,
		now:    time.Now,
		seen:   make(map[string]struct{}, dedupWindow),
	}
}

// Route normalizes a payload into an intent. A payload whose message id was
// already seen returns nil: duplicate deliveries must not re-trigger
// navigation.
func (r *Router) Route(p Payload) Intent {
	if id := get(p, "messageId"); id != "" && r.duplicate(id) {
		r.logger.Debug("duplicate push discarded", "message_id", id)
		return nil
	}

	title := get(p, "title")
	body := get(p, "body")

	switch strings.ToLower(get(p, "actionType")) {
	case actionRideScheduling:
		return ScheduleOptionsIntent{
			Title:      title,
			Body:       body,
			ActivityID: get(p, "activityId"),
			DayOfWeek:  get(p, "dayOfWeek"),
		}
	case actionRiderArrived, actionReturnedHome:
		return OngoingRideIntent{Title: title, Body: body}
	default:
		return GenericIntent{Title: title, Body: body}
	}
}

// StatusHint translates a ride-state push into a coarse status hint. Push
// payloads carry intent, not the full ladder position, so the mapped status
// is a best-effort guess the coordinator still validates. No hint is
// produced when the payload names no ride.
func (r *Router) StatusHint(p Payload) (ride.StatusHint, bool) {
	var s status.RideStatus
	switch strings.ToLower(get(p, "actionType")) {
	case actionRiderArrived:
		s = status.RiderArrived
	case actionReturnedHome:
		s = status.ReturnedHome
	default:
		return ride.StatusHint{}, false
	}

	rideID := get(p, "rideId")
	if rideID == "" {
		r.logger.Warn("ride-state push without rideId dropped", "action", get(p, "actionType"))
		return ride.StatusHint{}, false
	}

	return ride.StatusHint{
		RideID:     rideID,
		Status:     s,
		Source:     ride.SourcePush,
		ReceivedAt: r.now(),
	}, true
}

func (r *Router) duplicate(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[id]; ok {
		return true
	}
	r.seen[id] = struct{}{}
	r.ring = append(r.ring, id)
	if len(r.ring) > dedupWindow {
		delete(r.seen, r.ring[0])
		r.ring = r.ring[1:]
	}
	return false
}

// get looks a key up case-insensitively. Missing keys become empty strings.
func get(p Payload, key string) string {
	if v, ok := p[key]; ok {
		return v
	}
	for k, v := range p {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}
