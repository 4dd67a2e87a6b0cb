// Package reconcile merges snapshot, push and live-channel updates into one
// monotonically advancing view per ride.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/schoolpool/ridesync/ride"
	"github.com/schoolpool/ridesync/status"
)

// SnapshotSource fetches the authoritative ride record for seeding and
// resynchronization.
type SnapshotSource interface {
	Fetch(ctx context.Context, rideID string) (ride.View, error)
}

// CacheSource is the advisory last-known-snapshot store. It only ever
// pre-seeds a provisional view; a reconciled result always wins.
type CacheSource interface {
	Get(ctx context.Context, rideID string) (ride.View, error)
	Put(ctx context.Context, v ride.View) error
	Evict(ctx context.Context, rideID string) error
}

// Update is one emission on a subscription stream. Err is set at most once
// per failed seeding attempt; View is the reconciled state otherwise.
type Update struct {
	View ride.View
	Err  error
}

const (
	subscriberBuffer = 8

	// defaultGracePeriod is how long a terminal ride view stays resident
	// after completion or cancellation.
	defaultGracePeriod = 5 * time.Minute
)

// Coordinator owns every ride view and is its only writer. All status
// mutations funnel through Apply, which is serialized per ride id, so a
// push-delivered hint and a live-channel event can never race on the
// compare-then-set.
type Coordinator struct {
	source SnapshotSource
	cache  CacheSource
	logger *slog.Logger
	now    func() time.Time
	grace  time.Duration

	// onFirstSubscribe and teardown bracket a ride's subscriber lifetime
	// so the composition root can start and stop the live channel and
	// location streams tied to that ride.
	onFirstSubscribe func(rideID string)
	teardown         func(rideID string)

	mu    sync.Mutex
	rides map[string]*rideState
}

type rideState struct {
	// applyMu serializes Apply for this ride, including the
	// seed-then-reapply suspend point.
	applyMu sync.Mutex

	mu         sync.Mutex
	view       ride.View
	seeded     bool
	subs       map[uuid.UUID]chan Update
	evictTimer *time.Timer
}

type Option func(*Coordinator)

func WithCache(cache CacheSource) Option {
	return func(c *Coordinator) { c.cache = cache }
}

func WithGracePeriod(d time.Duration) Option {
	return func(c *Coordinator) { c.grace = d }
}

func WithTeardown(fn func(rideID string)) Option {
	return func(c *Coordinator) { c.teardown = fn }
}

func WithOnFirstSubscribe(fn func(rideID string)) Option {
	return func(c *Coordinator) { c.onFirstSubscribe = fn }
}

func New(source SnapshotSource, logger *slog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		source: source,
		logger: logger,
		now:    time.Now,
		grace:  defaultGracePeriod,
		rides:  make(map[string]*rideState),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscription is one reader of a ride's reconciled updates.
type Subscription struct {
	ID     uuid.UUID
	RideID string
	C      <-chan Update

	cancel func()
	once   sync.Once
}

// Cancel detaches the subscription. When it was the ride's last subscriber
// the view is evicted and the teardown hook runs.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Subscribe attaches a reader to rideID. If a view already exists (or can
// be pre-seeded from the advisory cache) the current state is delivered
// immediately.
func (c *Coordinator) Subscribe(ctx context.Context, rideID string) *Subscription {
	st := c.state(rideID)

	id := uuid.New()
	ch := make(chan Update, subscriberBuffer)

	st.mu.Lock()
	if !st.seeded && c.cache != nil {
		if cached, err := c.cache.Get(ctx, rideID); err == nil {
			// Advisory only: renders something until the snapshot
			// lands, never marked as seeded.
			st.view = cached
		}
	}
	st.subs[id] = ch
	first := len(st.subs) == 1
	if st.view.RideID != "" {
		ch <- Update{View: st.view.Clone()}
	}
	st.mu.Unlock()

	if first && c.onFirstSubscribe != nil {
		c.onFirstSubscribe(rideID)
	}

	return &Subscription{
		ID:     id,
		RideID: rideID,
		C:      ch,
		cancel: func() { c.unsubscribe(rideID, id) },
	}
}

func (c *Coordinator) unsubscribe(rideID string, id uuid.UUID) {
	st := c.lookup(rideID)
	if st == nil {
		return
	}

	st.mu.Lock()
	if ch, ok := st.subs[id]; ok {
		delete(st.subs, id)
		close(ch)
	}
	empty := len(st.subs) == 0
	st.mu.Unlock()

	if empty {
		c.evict(rideID)
		if c.teardown != nil {
			c.teardown(rideID)
		}
	}
}

// Refresh pulls a fresh snapshot and merges it. It seeds an unseen ride,
// and on an already-seeded one it feeds the snapshot status through the
// same monotonic rule as every other source.
func (c *Coordinator) Refresh(ctx context.Context, rideID string) error {
	st := c.state(rideID)
	st.applyMu.Lock()
	defer st.applyMu.Unlock()
	return c.refreshLocked(ctx, st, rideID)
}

// Apply runs the merge step for one hint. Non-advances are discarded
// silently; they are expected from late, duplicated or out-of-order
// deliveries and are not errors. The returned error is only ever a seeding
// failure.
func (c *Coordinator) Apply(ctx context.Context, hint ride.StatusHint) error {
	st := c.state(hint.RideID)
	st.applyMu.Lock()
	defer st.applyMu.Unlock()

	st.mu.Lock()
	seeded := st.seeded
	st.mu.Unlock()

	// A push or live hint referencing an unseen ride cannot create the
	// view on its own: it only carries a coarse status. Seed from the
	// snapshot first, then re-apply the hint on top.
	if !seeded {
		if err := c.refreshLocked(ctx, st, hint.RideID); err != nil {
			seedFailures.Inc()
			c.logger.Error("dropping hint, seeding failed",
				"ride_id", hint.RideID, "source", hint.Source, "error", err)
			c.publishError(st, err)
			return err
		}
	}

	c.applyLocked(st, hint)
	return nil
}

func (c *Coordinator) refreshLocked(ctx context.Context, st *rideState, rideID string) error {
	fetched, err := c.source.Fetch(ctx, rideID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if !st.seeded {
		st.view = fetched
		st.seeded = true
	} else {
		mergeSnapshot(&st.view, fetched)
	}
	view := st.view.Clone()
	st.mu.Unlock()

	if view.Status == status.Completed || view.Status == status.Canceled {
		c.scheduleEviction(st, rideID)
	}
	c.persist(view)
	c.publish(st, view)
	return nil
}

// mergeSnapshot folds a re-fetched snapshot into an existing view. The
// snapshot status obeys the same monotonic rule as any hint; participants
// and location logs are adopted from the snapshot when it knows more than
// the view does, since the backend's record is the authoritative replay.
func mergeSnapshot(view *ride.View, fetched ride.View) {
	view.Provisional = false
	view.Giver = fetched.Giver
	view.Takers = fetched.Takers
	if len(fetched.RouteLocations) > len(view.RouteLocations) {
		view.RouteLocations = fetched.RouteLocations
	}
	if len(fetched.PickupLocations) > len(view.PickupLocations) {
		view.PickupLocations = fetched.PickupLocations
	}
	for _, stamp := range fetched.StatusHistory {
		view.RecordStatus(stamp.Status, stamp.At)
	}
	if status.IsAdvance(view.Status, fetched.Status) {
		view.Status = fetched.Status
		view.NextStatus = fetched.NextStatus
		view.Stages = ride.DeriveStages(fetched.Status)
	}
}

func (c *Coordinator) applyLocked(st *rideState, hint ride.StatusHint) {
	st.mu.Lock()

	if current := st.view.Status; !status.IsAdvance(current, hint.Status) {
		st.mu.Unlock()
		hintsDiscarded.WithLabelValues(string(hint.Source)).Inc()
		c.logger.Debug("hint discarded by monotonic rule",
			"ride_id", hint.RideID, "current", current,
			"hinted", hint.Status, "source", hint.Source)
		return
	}

	at := hint.ReceivedAt
	if at.IsZero() {
		at = c.now()
	}

	st.view.Status = hint.Status
	st.view.RecordStatus(hint.Status, at.UTC().Format(time.RFC3339))
	if hint.NextStatus != nil {
		ns := *hint.NextStatus
		st.view.NextStatus = &ns
	} else if st.view.NextStatus != nil && !status.IsAdvance(hint.Status, *st.view.NextStatus) {
		// A hint without an advisory keeps the previous one, unless the
		// ride has caught up with it.
		st.view.NextStatus = nil
	}
	st.view.Stages = ride.DeriveStages(hint.Status)
	st.view.Provisional = false
	view := st.view.Clone()
	st.mu.Unlock()

	hintsAccepted.WithLabelValues(string(hint.Source)).Inc()

	if hint.Status == status.Completed || hint.Status == status.Canceled {
		c.scheduleEviction(st, hint.RideID)
	}
	c.persist(view)
	c.publish(st, view)
}

// AppendRouteLocation adds a live route point. Location telemetry has no
// ordering conflict with status, so it is appended regardless of any
// status-advance outcome, strictly in arrival order.
func (c *Coordinator) AppendRouteLocation(rideID string, pt ride.LocationPoint) {
	c.appendLocation(rideID, pt, false)
}

// AppendPickupLocation adds a live pickup point.
func (c *Coordinator) AppendPickupLocation(rideID string, pt ride.LocationPoint) {
	c.appendLocation(rideID, pt, true)
}

func (c *Coordinator) appendLocation(rideID string, pt ride.LocationPoint, pickup bool) {
	st := c.lookup(rideID)
	if st == nil {
		// Location events cannot create a view either; without one there
		// is nothing to append to.
		c.logger.Debug("location event for unseen ride dropped", "ride_id", rideID)
		return
	}

	st.mu.Lock()
	if pickup {
		st.view.PickupLocations = append(st.view.PickupLocations, pt)
	} else {
		st.view.RouteLocations = append(st.view.RouteLocations, pt)
	}
	view := st.view.Clone()
	st.mu.Unlock()

	c.publish(st, view)
}

// View returns the current reconciled state of a ride, if one is resident.
func (c *Coordinator) View(rideID string) (ride.View, bool) {
	st := c.lookup(rideID)
	if st == nil {
		return ride.View{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.seeded && st.view.RideID == "" {
		return ride.View{}, false
	}
	return st.view.Clone(), true
}

// Project is the role-specific read of a resident view.
func (c *Coordinator) Project(rideID, forUserID string) (ride.Projection, bool) {
	v, ok := c.View(rideID)
	if !ok {
		return ride.Projection{}, false
	}
	return ride.Project(v, forUserID), true
}

func (c *Coordinator) publish(st *rideState, view ride.View) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, ch := range st.subs {
		send(ch, Update{View: view})
	}
}

func (c *Coordinator) publishError(st *rideState, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, ch := range st.subs {
		send(ch, Update{Err: err})
	}
}

// send delivers latest-wins: a slow subscriber loses the oldest buffered
// update, never the newest.
func send(ch chan Update, u Update) {
	for {
		select {
		case ch <- u:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}

func (c *Coordinator) persist(view ride.View) {
	if c.cache == nil || view.Provisional {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.cache.Put(ctx, view); err != nil {
		c.logger.Warn("snapshot cache write failed", "ride_id", view.RideID, "error", err)
	}
}

func (c *Coordinator) scheduleEviction(st *rideState, rideID string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.evictTimer != nil {
		return
	}
	st.evictTimer = time.AfterFunc(c.grace, func() {
		c.evict(rideID)
	})
}

func (c *Coordinator) evict(rideID string) {
	c.mu.Lock()
	st, ok := c.rides[rideID]
	if ok {
		delete(c.rides, rideID)
		activeRides.Set(float64(len(c.rides)))
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	if st.evictTimer != nil {
		st.evictTimer.Stop()
		st.evictTimer = nil
	}
	for id, ch := range st.subs {
		delete(st.subs, id)
		close(ch)
	}
	terminal := st.view.Status == status.Completed || st.view.Status == status.Canceled
	st.mu.Unlock()

	if terminal && c.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.cache.Evict(ctx, rideID); err != nil {
			c.logger.Warn("snapshot cache evict failed", "ride_id", rideID, "error", err)
		}
	}
}

func (c *Coordinator) state(rideID string) *rideState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.rides[rideID]
	if !ok {
		st = &rideState{subs: make(map[uuid.UUID]chan Update)}
		c.rides[rideID] = st
		activeRides.Set(float64(len(c.rides)))
	}
	return st
}

func (c *Coordinator) lookup(rideID string) *rideState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rides[rideID]
}
