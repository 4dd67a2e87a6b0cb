// Package snapshot fetches the authoritative ride record from the backend.
package snapshot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/schoolpool/ridesync/ride"
	"github.com/schoolpool/ridesync/status"
)

// TokenSource supplies the bearer token for each request. Token refresh is
// owned by the auth layer; a failure here is propagated as ErrAuthExpired.
type TokenSource func(ctx context.Context) (string, error)

type Fetcher struct {
	baseURL string
	client  *http.Client
	token   TokenSource
	logger  *slog.Logger
}

func NewFetcher(baseURL string, token TokenSource, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
		token:   token,
		logger:  logger,
	}
}

type participantPayload struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Phone          string            `json:"phone"`
	ImageURL       string            `json:"imageUrl"`
	Role           string            `json:"role"`
	PickupAddress  string            `json:"pickupAddress"`
	DropAddress    string            `json:"dropAddress"`
	CompletedRides int               `json:"completedRides"`
	StatusHistory  map[string]string `json:"statusHistory"`
}

type locationPayload struct {
	TakerID   string    `json:"takerId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

type ridePayload struct {
	RideID          string               `json:"rideId"`
	Status          string               `json:"status"`
	NextStatus      string               `json:"nextStatus"`
	RouteLocations  []locationPayload    `json:"routeLocations"`
	PickupLocations []locationPayload    `json:"pickupLocations"`
	Giver           participantPayload   `json:"giver"`
	RideTakers      []participantPayload `json:"rideTakers"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Fetch retrieves the canonical ride record and maps it into a view.
func (f *Fetcher) Fetch(ctx context.Context, rideID string) (ride.View, error) {
	ctx, span := otel.Tracer("snapshot").Start(ctx, "snapshot.Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("ride.id", rideID))

	body, err := f.get(ctx, f.baseURL+"/match/get/"+url.PathEscape(rideID))
	if err != nil {
		return ride.View{}, err
	}

	var payload ridePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return ride.View{}, &DecodingError{Err: err}
	}
	return f.toView(payload), nil
}

func (f *Fetcher) toView(p ridePayload) ride.View {
	v := ride.View{
		RideID: p.RideID,
		Status: status.RideStatus(p.Status),
		Giver:  toParticipant(p.Giver),
	}
	if !status.Known(v.Status) {
		f.logger.Warn("snapshot carries unknown status, treating as SCHEDULED",
			"ride_id", p.RideID, "status", p.Status)
		v.Status = status.Scheduled
	}

	if ns, ok := MapNextStatus(p.NextStatus); ok {
		v.NextStatus = &ns
	} else if p.NextStatus != "" {
		f.logger.Warn("unrecognized nextStatus advisory ignored",
			"ride_id", p.RideID, "next_status", p.NextStatus)
	}

	for _, t := range p.RideTakers {
		v.Takers = append(v.Takers, toParticipant(t))
	}
	for _, l := range p.RouteLocations {
		v.RouteLocations = append(v.RouteLocations, toLocation(l))
	}
	for _, l := range p.PickupLocations {
		v.PickupLocations = append(v.PickupLocations, toLocation(l))
	}

	seedHistory(&v, p)
	v.Stages = ride.DeriveStages(v.Status)
	return v
}

// seedHistory merges the per-taker status history maps into the view's
// append-only log. Seed order follows the ladder so replaying the history
// reads like the ride actually progressed; per status the earliest stamp
// wins.
func seedHistory(v *ride.View, p ridePayload) {
	earliest := map[status.RideStatus]string{}
	merge := func(m map[string]string) {
		for name, at := range m {
			s := status.RideStatus(strings.ToUpper(name))
			if !status.Known(s) {
				continue
			}
			if cur, ok := earliest[s]; !ok || at < cur {
				earliest[s] = at
			}
		}
	}
	merge(p.Giver.StatusHistory)
	for _, t := range p.RideTakers {
		merge(t.StatusHistory)
	}

	for _, s := range status.Ordered() {
		if at, ok := earliest[s]; ok {
			v.RecordStatus(s, at)
		}
	}
	for _, s := range []status.RideStatus{status.Ongoing, status.Canceled} {
		if at, ok := earliest[s]; ok {
			v.RecordStatus(s, at)
		}
	}
}

func toParticipant(p participantPayload) ride.Participant {
	return ride.Participant{
		ID:             p.ID,
		Name:           p.Name,
		Phone:          p.Phone,
		ImageURL:       p.ImageURL,
		Role:           ride.TakerRole(strings.ToUpper(p.Role)),
		PickupAddress:  p.PickupAddress,
		DropAddress:    p.DropAddress,
		CompletedRides: p.CompletedRides,
	}
}

func toLocation(l locationPayload) ride.LocationPoint {
	return ride.LocationPoint{
		TakerID:   l.TakerID,
		Latitude:  l.Latitude,
		Longitude: l.Longitude,
		Timestamp: l.Timestamp,
	}
}

// Summary is one row of the paginated ride list.
type Summary struct {
	RideID    string            `json:"rideId"`
	Status    status.RideStatus `json:"status"`
	GiverName string            `json:"giverName"`
	StartsAt  time.Time         `json:"startsAt"`
}

type ListOptions struct {
	PageSize int
	Status   status.RideStatus
	Role     string
}

// ListRides fetches the paginated ride list used by the list screens.
func (f *Fetcher) ListRides(ctx context.Context, opts ListOptions) ([]Summary, error) {
	ctx, span := otel.Tracer("snapshot").Start(ctx, "snapshot.ListRides")
	defer span.End()

	q := url.Values{}
	if opts.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(opts.PageSize))
	}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	if opts.Role != "" {
		q.Set("role", opts.Role)
	}

	body, err := f.get(ctx, f.baseURL+"/match/getRides?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var rides []Summary
	if err := json.Unmarshal(body, &rides); err != nil {
		return nil, &DecodingError{Err: err}
	}
	return rides, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if f.token != nil {
		token, err := f.token(ctx)
		if err != nil {
			return nil, ErrAuthExpired
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrAuthExpired
	case resp.StatusCode >= 400:
		var ep errorPayload
		if err := json.Unmarshal(body, &ep); err != nil || ep.Code == "" {
			return nil, &DomainError{
				Code:    "HTTP_" + strconv.Itoa(resp.StatusCode),
				Message: strings.TrimSpace(string(body)),
			}
		}
		if ep.Code == codeRideLocationMissing {
			// The stock backend message is not actionable; replace it
			// with one the UI can show directly.
			ep.Message = "Ride location is not available yet. Ask the giver to enable location services."
		}
		return nil, &DomainError{Code: ep.Code, Message: ep.Message}
	}
	return body, nil
}

// nextStatusTable maps the server's free-text nextStatus advisory onto a
// wire status. The legal value set is not enumerated anywhere server-side;
// unknown values mean "no advisory" rather than an error.
var nextStatusTable = map[string]status.RideStatus{}

func init() {
	add := func(name string, s status.RideStatus) {
		nextStatusTable[strings.ToLower(name)] = s
	}
	for _, s := range status.Ordered() {
		add(string(s), s)
		add(strings.ReplaceAll(string(s), "_", " "), s)
	}
	add(string(status.Canceled), status.Canceled)
	add(string(status.Ongoing), status.Ongoing)
	// Variants observed from the live backend.
	add("pickup", status.PickedUp)
	add("drop", status.ReturnedHome)
	add("cancelled", status.Canceled)
}

// MapNextStatus resolves a free-text advisory, case-insensitively.
func MapNextStatus(raw string) (status.RideStatus, bool) {
	s, ok := nextStatusTable[strings.ToLower(strings.TrimSpace(raw))]
	return s, ok
}
