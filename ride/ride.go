// Package ride holds the reconciled per-ride view model.
package ride

import (
	"time"

	"github.com/schoolpool/ridesync/status"
)

// TakerRole describes what the giver does for a taker on this ride.
type TakerRole string

const (
	RoleDrop     TakerRole = "DROP"
	RolePick     TakerRole = "PICK"
	RoleDropPick TakerRole = "DROP_PICK"
)

// Participant is the giver or one of the ride takers.
type Participant struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Phone          string    `json:"phone,omitempty"`
	ImageURL       string    `json:"imageUrl,omitempty"`
	Role           TakerRole `json:"role,omitempty"`
	PickupAddress  string    `json:"pickupAddress,omitempty"`
	DropAddress    string    `json:"dropAddress,omitempty"`
	CompletedRides int       `json:"completedRides"`
}

// LocationPoint is one appended route or pickup record. Points are kept in
// arrival order, never re-sorted, so a late record lands at the tail even if
// its timestamp is older. Route replay depends on observed order.
type LocationPoint struct {
	TakerID   string    `json:"takerId,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusStamp records when a status was first reached. History is
// append-once per status: a stamp is never overwritten.
type StatusStamp struct {
	Status status.RideStatus `json:"status"`
	At     string            `json:"at"`
}

// View is the single reconciled state of one ride. It is owned and mutated
// exclusively by the coordinator; everything published to subscribers is a
// copy.
type View struct {
	RideID        string             `json:"rideId"`
	Status        status.RideStatus  `json:"status"`
	NextStatus    *status.RideStatus `json:"nextStatus,omitempty"`
	StatusHistory []StatusStamp      `json:"statusHistory"`

	RouteLocations  []LocationPoint `json:"routeLocations"`
	PickupLocations []LocationPoint `json:"pickupLocations"`

	Giver  Participant   `json:"giver"`
	Takers []Participant `json:"takers"`

	Stages StageFlags `json:"stages"`

	// Provisional marks a view pre-seeded from the advisory cache before
	// the first authoritative snapshot arrived.
	Provisional bool `json:"provisional,omitempty"`
}

// HistoryAt returns the recorded timestamp for s, if any.
func (v *View) HistoryAt(s status.RideStatus) (string, bool) {
	for _, st := range v.StatusHistory {
		if st.Status == s {
			return st.At, true
		}
	}
	return "", false
}

// RecordStatus appends a history stamp for s unless one already exists.
func (v *View) RecordStatus(s status.RideStatus, at string) {
	if _, ok := v.HistoryAt(s); ok {
		return
	}
	v.StatusHistory = append(v.StatusHistory, StatusStamp{Status: s, At: at})
}

// Clone returns a deep copy safe to hand to subscribers.
func (v *View) Clone() View {
	out := *v
	out.StatusHistory = append([]StatusStamp(nil), v.StatusHistory...)
	out.RouteLocations = append([]LocationPoint(nil), v.RouteLocations...)
	out.PickupLocations = append([]LocationPoint(nil), v.PickupLocations...)
	out.Takers = append([]Participant(nil), v.Takers...)
	if v.NextStatus != nil {
		ns := *v.NextStatus
		out.NextStatus = &ns
	}
	return out
}

// StageFlags are the stage-indicator booleans for the progress widget.
// Reaching a status switches on every earlier stage as well.
type StageFlags struct {
	Scheduled  bool `json:"scheduled"`
	Started    bool `json:"started"`
	PickedUp   bool `json:"pickedUp"`
	AtActivity bool `json:"atActivity"`
	Returned   bool `json:"returned"`
	Completed  bool `json:"completed"`
	Canceled   bool `json:"canceled"`
}

// DeriveStages computes stage flags from the status alone. It is recomputed
// in full on every advance rather than toggled incrementally, so the widget
// cannot drift from the canonical status.
func DeriveStages(s status.RideStatus) StageFlags {
	switch s {
	case status.Canceled:
		return StageFlags{Canceled: true}
	case status.Ongoing:
		return StageFlags{Scheduled: true, Started: true}
	}
	i, ok := status.Index(s)
	if !ok {
		return StageFlags{}
	}
	return StageFlags{
		Scheduled:  true,
		Started:    i >= mustIndex(status.Started),
		PickedUp:   i >= mustIndex(status.PickedUp),
		AtActivity: i >= mustIndex(status.ArrivedAtActivity),
		Returned:   i >= mustIndex(status.ReturnedHome),
		Completed:  i >= mustIndex(status.Completed),
	}
}

func mustIndex(s status.RideStatus) int {
	i, _ := status.Index(s)
	return i
}

// Projection is the role-specific read of a view: which participant is
// "self" and whose details the screen should show.
type Projection struct {
	IsGiver     bool        `json:"isGiver"`
	Self        Participant `json:"self"`
	Counterpart Participant `json:"counterpart"`
}

// Project resolves the view for one user. A user appearing in the taker
// list sees the giver as counterpart; anyone else is treated as the giver
// and sees the first taker. Pure query, never mutates the view.
func Project(v View, forUserID string) Projection {
	for _, t := range v.Takers {
		if t.ID == forUserID {
			return Projection{IsGiver: false, Self: t, Counterpart: v.Giver}
		}
	}
	p := Projection{IsGiver: true, Self: v.Giver}
	if len(v.Takers) > 0 {
		p.Counterpart = v.Takers[0]
	}
	return p
}
