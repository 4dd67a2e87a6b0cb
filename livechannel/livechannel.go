// Package livechannel maintains the giver's live socket for a ride and
// turns its frames into status and location events.
package livechannel

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/schoolpool/ridesync/ride"
	"github.com/schoolpool/ridesync/status"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	return [...]string{"disconnected", "connecting", "connected"}[s]
}

// DisconnectedError is surfaced when the channel drops. Persistent means
// reconnection was attempted up to the bound and abandoned; the subscriber
// must not expect further events.
type DisconnectedError struct {
	Persistent bool
	Err        error
}

func (e *DisconnectedError) Error() string {
	msg := "live channel disconnected"
	if e.Persistent {
		msg += " (gave up reconnecting)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DisconnectedError) Unwrap() error {
	return e.Err
}

// LocationKind says which append-only log a live location belongs to.
type LocationKind string

const (
	KindRoute  LocationKind = "route"
	KindPickup LocationKind = "pickup"
)

// Event is one emission from the channel. Exactly one of Hint, Location or
// Err is set.
type Event struct {
	Hint     *ride.StatusHint
	Location *LocationEvent
	Err      error
}

type LocationEvent struct {
	RideID string
	Kind   LocationKind
	Point  ride.LocationPoint
}

// frame is the wire shape of one socket message.
type frame struct {
	Type       string    `json:"type"`
	RideID     string    `json:"rideId"`
	Status     string    `json:"status,omitempty"`
	NextStatus string    `json:"nextStatus,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	TakerID    string    `json:"takerId,omitempty"`
	Latitude   float64   `json:"latitude,omitempty"`
	Longitude  float64   `json:"longitude,omitempty"`
	Timestamp  time.Time `json:"timestamp,omitempty"`
}

const (
	defaultMaxAttempts = 6
	initialBackoff     = time.Second
	maxBackoff         = 30 * time.Second
	readDeadline       = 60 * time.Second

	// stableUptime is how long a connection must survive before its drop
	// resets the reconnect budget.
	stableUptime = 30 * time.Second
	pingPeriod         = 25 * time.Second
	writeWait          = 10 * time.Second
	eventBuffer        = 64
)

// Client owns one live connection at a time, keyed by ride id. Connect is
// idempotent per ride; connecting to a different ride tears the previous
// session down first.
type Client struct {
	endpoint    string
	dialer      *websocket.Dialer
	logger      *slog.Logger
	maxAttempts int
	now         func() time.Time

	mu     sync.Mutex
	rideID string
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
	events chan Event
}

func NewClient(endpoint string, logger *slog.Logger) *Client {
	return &Client{
		endpoint:    strings.TrimRight(endpoint, "/"),
		dialer:      websocket.DefaultDialer,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
		events:      make(chan Event, eventBuffer),
	}
}

// Events is the stream of status hints, locations and disconnect errors.
// The channel stays open across reconnects and closes only on Close.
func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts (or keeps) the live session for rideID. Calling it again
// for the same ride while a session is up is a no-op.
func (c *Client) Connect(ctx context.Context, rideID string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.rideID == rideID && c.state != Disconnected {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
		done := c.done
		c.mu.Unlock()
		<-done
		c.mu.Lock()
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.rideID = rideID
	c.state = Connecting
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.run(runCtx, rideID, done)
}

// Close tears the session down deterministically: the connection is closed
// and any pending reconnect timer is cancelled. Safe to call twice.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	close(c.events)
}

func (c *Client) run(ctx context.Context, rideID string, done chan struct{}) {
	defer close(done)
	defer c.setState(Disconnected)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialBackoff
	bo.MaxInterval = maxBackoff

	attempts := 0
	for {
		c.setState(Connecting)
		conn, err := c.dial(ctx, rideID)
		if err == nil {
			c.setState(Connected)
			connectedAt := c.now()

			err = c.readLoop(ctx, conn, rideID)
			conn.Close()
			if ctx.Err() != nil {
				return
			}

			// Only a connection that stayed up for a while earns a fresh
			// reconnect budget. A flapping server that drops right after
			// the handshake burns through the same bounded attempts as one
			// that never answers.
			if c.now().Sub(connectedAt) >= stableUptime {
				attempts = 0
				bo.Reset()
			}
			c.logger.Warn("live channel dropped, reconnecting", "ride_id", rideID, "error", err)
			c.emit(ctx, Event{Err: &DisconnectedError{Persistent: false, Err: err}})
		}

		attempts++
		if attempts >= c.maxAttempts {
			c.logger.Error("live channel gave up reconnecting",
				"ride_id", rideID, "attempts", attempts, "error", err)
			c.emit(ctx, Event{Err: &DisconnectedError{Persistent: true, Err: err}})
			return
		}
		wait := bo.NextBackOff()
		c.logger.Warn("live channel down, backing off",
			"ride_id", rideID, "attempt", attempts, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (c *Client) dial(ctx context.Context, rideID string) (*websocket.Conn, error) {
	u := c.endpoint + "/live/" + url.PathEscape(rideID)
	conn, resp, err := c.dialer.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, rideID string) error {
	conn.SetReadDeadline(c.now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(c.now().Add(readDeadline))
		return nil
	})

	// Close the socket as soon as the session is cancelled so ReadMessage
	// unblocks.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close()
				return
			case <-stop:
				return
			case <-ticker.C:
				conn.WriteControl(websocket.PingMessage, nil, c.now().Add(writeWait))
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var fr frame
		if err := json.Unmarshal(data, &fr); err != nil {
			c.logger.Warn("undecodable live frame dropped", "ride_id", rideID, "error", err)
			continue
		}
		if fr.RideID == "" {
			fr.RideID = rideID
		}

		switch fr.Type {
		case "status":
			s := status.RideStatus(strings.ToUpper(fr.Status))
			if !status.Known(s) {
				c.logger.Warn("live frame with unknown status dropped",
					"ride_id", fr.RideID, "status", fr.Status)
				continue
			}
			hint := &ride.StatusHint{
				RideID:     fr.RideID,
				Status:     s,
				Source:     ride.SourceLive,
				ReceivedAt: c.now(),
			}
			if ns, ok := mapNext(fr.NextStatus); ok {
				hint.NextStatus = &ns
			}
			c.emit(ctx, Event{Hint: hint})
		case "location":
			kind := KindRoute
			if LocationKind(fr.Kind) == KindPickup {
				kind = KindPickup
			}
			ts := fr.Timestamp
			if ts.IsZero() {
				ts = c.now()
			}
			c.emit(ctx, Event{Location: &LocationEvent{
				RideID: fr.RideID,
				Kind:   kind,
				Point: ride.LocationPoint{
					TakerID:   fr.TakerID,
					Latitude:  fr.Latitude,
					Longitude: fr.Longitude,
					Timestamp: ts,
				},
			}})
		default:
			c.logger.Debug("unknown live frame type ignored", "type", fr.Type)
		}
	}
}

func mapNext(raw string) (status.RideStatus, bool) {
	if raw == "" {
		return "", false
	}
	s := status.RideStatus(strings.ToUpper(strings.ReplaceAll(raw, " ", "_")))
	if !status.Known(s) {
		return "", false
	}
	return s, true
}

func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
