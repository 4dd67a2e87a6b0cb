package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/schoolpool/ridesync/ride"
	"github.com/schoolpool/ridesync/status"
)

type fakeSource struct {
	mu      sync.Mutex
	views   map[string]ride.View
	err     error
	fetches int
}

func (f *fakeSource) Fetch(ctx context.Context, rideID string) (ride.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.err != nil {
		return ride.View{}, f.err
	}
	v, ok := f.views[rideID]
	if !ok {
		return ride.View{}, errors.New("no such ride")
	}
	return v.Clone(), nil
}

func seededView(rideID string, s status.RideStatus) ride.View {
	v := ride.View{
		RideID: rideID,
		Status: s,
		Giver:  ride.Participant{ID: "G", Name: "Grace"},
		Takers: []ride.Participant{{ID: "A", Name: "Ava"}, {ID: "B", Name: "Ben"}},
	}
	v.RecordStatus(s, "t0")
	v.Stages = ride.DeriveStages(s)
	return v
}

func newTestCoordinator(src SnapshotSource, opts ...Option) *Coordinator {
	return New(src, slog.New(slog.DiscardHandler), opts...)
}

func hint(rideID string, s status.RideStatus, source ride.HintSource) ride.StatusHint {
	return ride.StatusHint{RideID: rideID, Status: s, Source: source, ReceivedAt: time.Now()}
}

func TestApply_SeedsFromSnapshotThenAppliesHint(t *testing.T) {
	src := &fakeSource{views: map[string]ride.View{"r1": seededView("r1", status.Started)}}
	c := newTestCoordinator(src)

	err := c.Apply(context.Background(), hint("r1", status.RiderArrived, ride.SourcePush))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	v, ok := c.View("r1")
	if !ok {
		t.Fatal("expected a resident view")
	}
	if v.Status != status.RiderArrived {
		t.Errorf("expected RIDER_ARRIVED, got %s", v.Status)
	}

	// History keeps insertion order: STARTED from the snapshot seed, then
	// RIDER_ARRIVED from the push hint.
	if len(v.StatusHistory) != 2 ||
		v.StatusHistory[0].Status != status.Started ||
		v.StatusHistory[1].Status != status.RiderArrived {
		t.Errorf("unexpected history: %+v", v.StatusHistory)
	}
	if src.fetches != 1 {
		t.Errorf("expected exactly one seeding fetch, got %d", src.fetches)
	}
}

func TestApply_OutOfOrderHintRejected(t *testing.T) {
	src := &fakeSource{views: map[string]ride.View{"r1": seededView("r1", status.PickedUp)}}
	c := newTestCoordinator(src)

	c.Apply(context.Background(), hint("r1", status.Started, ride.SourceLive))

	v, _ := c.View("r1")
	if v.Status != status.PickedUp {
		t.Errorf("out-of-order hint must not regress status, got %s", v.Status)
	}
}

func TestApply_DuplicateHintIsIdempotent(t *testing.T) {
	src := &fakeSource{views: map[string]ride.View{"r1": seededView("r1", status.Started)}}
	c := newTestCoordinator(src)

	h := hint("r1", status.PickedUp, ride.SourceLive)
	c.Apply(context.Background(), h)
	first, _ := c.View("r1")

	h2 := h
	h2.ReceivedAt = h.ReceivedAt.Add(time.Minute)
	c.Apply(context.Background(), h2)
	second, _ := c.View("r1")

	if second.Status != first.Status {
		t.Errorf("status changed on duplicate: %s -> %s", first.Status, second.Status)
	}
	if len(second.StatusHistory) != len(first.StatusHistory) {
		t.Errorf("history grew on duplicate: %+v", second.StatusHistory)
	}
	at1, _ := first.HistoryAt(status.PickedUp)
	at2, _ := second.HistoryAt(status.PickedUp)
	if at1 != at2 {
		t.Errorf("history timestamp overwritten: %s -> %s", at1, at2)
	}
}

func TestApply_HintWithoutAdvisoryKeepsNextStatus(t *testing.T) {
	seeded := seededView("r1", status.Started)
	ns := status.PickedUp
	seeded.NextStatus = &ns
	src := &fakeSource{views: map[string]ride.View{"r1": seeded}}
	c := newTestCoordinator(src)

	c.Apply(context.Background(), hint("r1", status.RiderArrived, ride.SourcePush))

	v, _ := c.View("r1")
	if v.NextStatus == nil || *v.NextStatus != status.PickedUp {
		t.Errorf("advisory should survive a hint that carries none, got %v", v.NextStatus)
	}

	// Reaching the advised status retires the advisory.
	c.Apply(context.Background(), hint("r1", status.PickedUp, ride.SourceLive))
	v, _ = c.View("r1")
	if v.NextStatus != nil {
		t.Errorf("advisory should clear once the ride reaches it, got %s", *v.NextStatus)
	}
}

func TestApply_CanceledOverridesAndFreezes(t *testing.T) {
	src := &fakeSource{views: map[string]ride.View{"r1": seededView("r1", status.ActivityOngoing)}}
	c := newTestCoordinator(src)

	c.Apply(context.Background(), hint("r1", status.Canceled, ride.SourcePush))
	v, _ := c.View("r1")
	if v.Status != status.Canceled {
		t.Fatalf("expected CANCELED, got %s", v.Status)
	}
	if !v.Stages.Canceled {
		t.Error("expected canceled stage flag")
	}

	c.Apply(context.Background(), hint("r1", status.Completed, ride.SourceLive))
	v, _ = c.View("r1")
	if v.Status != status.Canceled {
		t.Errorf("ordered hints after CANCELED must be rejected, got %s", v.Status)
	}
}

func TestApply_MonotonicHistoryNeverRegresses(t *testing.T) {
	src := &fakeSource{views: map[string]ride.View{"r1": seededView("r1", status.Scheduled)}}
	c := newTestCoordinator(src)

	// A hostile shuffle of hints, including repeats and regressions.
	sequence := []status.RideStatus{
		status.PickedUp, status.Started, status.RiderArrived,
		status.ArrivedAtActivity, status.PickedUp, status.Completed,
		status.ReturnedHome,
	}
	for _, s := range sequence {
		c.Apply(context.Background(), hint("r1", s, ride.SourceLive))
	}

	v, _ := c.View("r1")
	if v.Status != status.Completed {
		t.Errorf("expected COMPLETED, got %s", v.Status)
	}
	prev := -1
	for _, stamp := range v.StatusHistory {
		i, ok := status.Index(stamp.Status)
		if !ok {
			continue
		}
		if i <= prev {
			t.Errorf("history regressed at %s: %+v", stamp.Status, v.StatusHistory)
		}
		prev = i
	}
	if _, ok := v.HistoryAt(status.ReturnedHome); ok {
		t.Error("no ordered status may be appended after COMPLETED")
	}
}

func TestApply_StageFlagsRederived(t *testing.T) {
	src := &fakeSource{views: map[string]ride.View{"r1": seededView("r1", status.Started)}}
	c := newTestCoordinator(src)

	c.Apply(context.Background(), hint("r1", status.PickedUp, ride.SourceLive))
	v, _ := c.View("r1")
	if !v.Stages.Started || !v.Stages.PickedUp {
		t.Errorf("PICKED_UP implies started+pickedUp indicators, got %+v", v.Stages)
	}

	c.Apply(context.Background(), hint("r1", status.Completed, ride.SourceLive))
	v, _ = c.View("r1")
	if !v.Stages.Completed || !v.Stages.AtActivity || !v.Stages.Returned {
		t.Errorf("COMPLETED implies every indicator, got %+v", v.Stages)
	}
}

func TestApply_SeedingFailureDropsHintAndSurfacesError(t *testing.T) {
	boom := errors.New("backend down")
	src := &fakeSource{err: boom}
	c := newTestCoordinator(src)

	sub := c.Subscribe(context.Background(), "r1")
	defer sub.Cancel()

	err := c.Apply(context.Background(), hint("r1", status.RiderArrived, ride.SourcePush))
	if !errors.Is(err, boom) {
		t.Fatalf("expected the seeding error, got %v", err)
	}

	select {
	case u := <-sub.C:
		if !errors.Is(u.Err, boom) {
			t.Errorf("expected the seeding error on the stream, got %+v", u)
		}
	case <-time.After(time.Second):
		t.Fatal("seeding error was not surfaced to subscribers")
	}

	if _, ok := c.View("r1"); ok {
		t.Error("failed seeding must not leave a view behind")
	}
}

func TestSubscribe_ReceivesUpdatesInOrder(t *testing.T) {
	src := &fakeSource{views: map[string]ride.View{"r1": seededView("r1", status.Scheduled)}}
	c := newTestCoordinator(src)

	sub := c.Subscribe(context.Background(), "r1")
	defer sub.Cancel()

	c.Refresh(context.Background(), "r1")
	c.Apply(context.Background(), hint("r1", status.Started, ride.SourceLive))

	u := <-sub.C
	if u.View.Status != status.Scheduled {
		t.Errorf("expected seeded SCHEDULED first, got %s", u.View.Status)
	}
	u = <-sub.C
	if u.View.Status != status.Started {
		t.Errorf("expected STARTED next, got %s", u.View.Status)
	}
}

func TestAppendLocation_AppendsInArrivalOrderRegardlessOfTimestamp(t *testing.T) {
	src := &fakeSource{views: map[string]ride.View{"r1": seededView("r1", status.Started)}}
	c := newTestCoordinator(src)
	c.Refresh(context.Background(), "r1")

	late := time.Now().Add(-time.Hour)
	c.AppendRouteLocation("r1", ride.LocationPoint{Latitude: 1, Timestamp: time.Now()})
	c.AppendRouteLocation("r1", ride.LocationPoint{Latitude: 2, Timestamp: late})

	v, _ := c.View("r1")
	if len(v.RouteLocations) != 2 {
		t.Fatalf("expected 2 route points, got %d", len(v.RouteLocations))
	}
	if v.RouteLocations[1].Latitude != 2 {
		t.Error("late-arriving point must append at the tail, not re-sort")
	}
}

func TestAppendLocation_UnseenRideDropped(t *testing.T) {
	src := &fakeSource{}
	c := newTestCoordinator(src)
	c.AppendRouteLocation("ghost", ride.LocationPoint{Latitude: 1})
	if _, ok := c.View("ghost"); ok {
		t.Error("location events must not create a view")
	}
}

func TestCancel_LastSubscriberEvictsAndRunsTeardown(t *testing.T) {
	src := &fakeSource{views: map[string]ride.View{"r1": seededView("r1", status.Started)}}
	var torn []string
	c := newTestCoordinator(src, WithTeardown(func(rideID string) {
		torn = append(torn, rideID)
	}))

	sub := c.Subscribe(context.Background(), "r1")
	c.Refresh(context.Background(), "r1")
	sub.Cancel()

	if len(torn) != 1 || torn[0] != "r1" {
		t.Errorf("expected teardown for r1, got %v", torn)
	}
	if _, ok := c.View("r1"); ok {
		t.Error("view must be evicted when the owning screen goes away")
	}
	// Cancel is idempotent.
	sub.Cancel()
	if len(torn) != 1 {
		t.Error("double cancel must not re-run teardown")
	}
}

func TestTerminalStatus_EvictedAfterGracePeriod(t *testing.T) {
	src := &fakeSource{views: map[string]ride.View{"r1": seededView("r1", status.ReturnedHome)}}
	c := newTestCoordinator(src, WithGracePeriod(20*time.Millisecond))
	c.Refresh(context.Background(), "r1")

	c.Apply(context.Background(), hint("r1", status.Completed, ride.SourceLive))
	if _, ok := c.View("r1"); !ok {
		t.Fatal("view should survive until the grace period elapses")
	}

	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := c.View("r1"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("terminal view was not evicted after the grace period")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProject_ThroughCoordinator(t *testing.T) {
	src := &fakeSource{views: map[string]ride.View{"r1": seededView("r1", status.Started)}}
	c := newTestCoordinator(src)
	c.Refresh(context.Background(), "r1")

	p, ok := c.Project("r1", "A")
	if !ok || p.IsGiver || p.Counterpart.ID != "G" {
		t.Errorf("unexpected taker projection: %+v", p)
	}
	p, _ = c.Project("r1", "G")
	if !p.IsGiver || p.Counterpart.ID != "A" {
		t.Errorf("unexpected giver projection: %+v", p)
	}
}

func TestApply_ConcurrentHintsSerializedPerRide(t *testing.T) {
	src := &fakeSource{views: map[string]ride.View{"r1": seededView("r1", status.Scheduled)}}
	c := newTestCoordinator(src)
	c.Refresh(context.Background(), "r1")

	var wg sync.WaitGroup
	for _, s := range status.Ordered() {
		wg.Add(1)
		go func(s status.RideStatus) {
			defer wg.Done()
			c.Apply(context.Background(), hint("r1", s, ride.SourceLive))
		}(s)
	}
	wg.Wait()

	v, _ := c.View("r1")
	if v.Status != status.Completed {
		t.Errorf("expected COMPLETED after all hints, got %s", v.Status)
	}
	// Ladder order must hold in history no matter the goroutine schedule.
	prev := -1
	for _, stamp := range v.StatusHistory {
		i, _ := status.Index(stamp.Status)
		if i <= prev {
			t.Errorf("history out of ladder order: %+v", v.StatusHistory)
			break
		}
		prev = i
	}
}
