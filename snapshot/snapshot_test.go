package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/schoolpool/ridesync/status"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func staticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

func TestFetch_DecodesRideSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/match/get/r1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Write([]byte(`{
			"rideId": "r1",
			"status": "STARTED",
			"nextStatus": "Rider Arrived",
			"giver": {"id": "G", "name": "Grace", "statusHistory": {"SCHEDULED": "t0", "STARTED": "t1"}},
			"rideTakers": [
				{"id": "A", "name": "Ava", "role": "drop_pick", "statusHistory": {"STARTED": "t1"}}
			],
			"routeLocations": [{"takerId": "A", "latitude": 1.5, "longitude": 2.5, "timestamp": "2025-03-01T08:00:00Z"}]
		}`))
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, staticToken("tok"), discardLogger())
	v, err := f.Fetch(context.Background(), "r1")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	if v.Status != status.Started {
		t.Errorf("expected STARTED, got %s", v.Status)
	}
	if v.NextStatus == nil || *v.NextStatus != status.RiderArrived {
		t.Errorf("expected nextStatus RIDER_ARRIVED, got %v", v.NextStatus)
	}
	if len(v.Takers) != 1 || v.Takers[0].Role != "DROP_PICK" {
		t.Errorf("unexpected takers: %+v", v.Takers)
	}
	if len(v.RouteLocations) != 1 || v.RouteLocations[0].Latitude != 1.5 {
		t.Errorf("unexpected route locations: %+v", v.RouteLocations)
	}
	if !v.Stages.Started || v.Stages.PickedUp {
		t.Errorf("unexpected stage flags: %+v", v.Stages)
	}
}

func TestFetch_SeedsHistoryInLadderOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// History keys deliberately out of ladder order.
		w.Write([]byte(`{
			"rideId": "r1",
			"status": "PICKED_UP",
			"giver": {"id": "G", "statusHistory": {"PICKED_UP": "t3", "SCHEDULED": "t0", "STARTED": "t1"}},
			"rideTakers": []
		}`))
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, nil, discardLogger())
	v, err := f.Fetch(context.Background(), "r1")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	want := []status.RideStatus{status.Scheduled, status.Started, status.PickedUp}
	if len(v.StatusHistory) != len(want) {
		t.Fatalf("expected %d history entries, got %d", len(want), len(v.StatusHistory))
	}
	for i, s := range want {
		if v.StatusHistory[i].Status != s {
			t.Errorf("history[%d] = %s, want %s", i, v.StatusHistory[i].Status, s)
		}
	}
}

func TestFetch_UnknownNextStatusIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rideId": "r1", "status": "STARTED", "nextStatus": "warp speed", "giver": {"id": "G"}}`))
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, nil, discardLogger())
	v, err := f.Fetch(context.Background(), "r1")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if v.NextStatus != nil {
		t.Errorf("unknown advisory should be dropped, got %v", *v.NextStatus)
	}
}

func TestFetch_AuthExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, staticToken("stale"), discardLogger())
	_, err := f.Fetch(context.Background(), "r1")
	if !errors.Is(err, ErrAuthExpired) {
		t.Errorf("expected ErrAuthExpired, got %v", err)
	}
}

func TestFetch_RideLocationMissingGetsActionableMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code": "RIDE_LOCATION_NOT_FOUND", "message": "no rows"}`))
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, nil, discardLogger())
	_, err := f.Fetch(context.Background(), "r1")

	code, ok := DomainErrorCode(err)
	if !ok || code != "RIDE_LOCATION_NOT_FOUND" {
		t.Fatalf("expected domain error code, got %v", err)
	}
	var derr *DomainError
	errors.As(err, &derr)
	if derr.Message == "no rows" {
		t.Error("expected the raw backend message to be replaced with an actionable one")
	}
}

func TestFetch_NetworkUnavailable(t *testing.T) {
	f := NewFetcher("http://127.0.0.1:1", nil, discardLogger())
	_, err := f.Fetch(context.Background(), "r1")
	if !errors.Is(err, ErrNetworkUnavailable) {
		t.Errorf("expected ErrNetworkUnavailable, got %v", err)
	}
}

func TestFetch_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"rideId": `))
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, nil, discardLogger())
	_, err := f.Fetch(context.Background(), "r1")
	var derr *DecodingError
	if !errors.As(err, &derr) {
		t.Errorf("expected DecodingError, got %v", err)
	}
}

func TestListRides_PassesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/match/getRides" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("pageSize") != "20" || q.Get("status") != "SCHEDULED" || q.Get("role") != "giver" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Write([]byte(`[{"rideId": "r1", "status": "SCHEDULED", "giverName": "Grace"}]`))
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, nil, discardLogger())
	rides, err := f.ListRides(context.Background(), ListOptions{PageSize: 20, Status: status.Scheduled, Role: "giver"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(rides) != 1 || rides[0].RideID != "r1" {
		t.Errorf("unexpected rides: %+v", rides)
	}
}

func TestMapNextStatus_CaseInsensitive(t *testing.T) {
	tests := []struct {
		raw  string
		want status.RideStatus
		ok   bool
	}{
		{"rider_arrived", status.RiderArrived, true},
		{"Rider Arrived", status.RiderArrived, true},
		{"COMPLETED", status.Completed, true},
		{"cancelled", status.Canceled, true},
		{"", "", false},
		{"warp speed", "", false},
	}
	for _, tt := range tests {
		got, ok := MapNextStatus(tt.raw)
		if ok != tt.ok || got != tt.want {
			t.Errorf("MapNextStatus(%q) = %s, %v; want %s, %v", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}
