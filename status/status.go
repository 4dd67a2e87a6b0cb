// Package status defines the ride lifecycle statuses and their ordering.
package status

type RideStatus string

const (
	Scheduled            RideStatus = "SCHEDULED"
	Started              RideStatus = "STARTED"
	RiderArrived         RideStatus = "RIDER_ARRIVED"
	PickedUp             RideStatus = "PICKED_UP"
	ArrivedAtActivity    RideStatus = "ARRIVED_AT_ACTIVITY"
	ActivityOngoing      RideStatus = "ACTIVITY_ONGOING"
	ReturnedActivity     RideStatus = "RETURNED_ACTIVITY"
	PickedUpFromActivity RideStatus = "PICKED_UP_FROM_ACTIVITY"
	ReturnedHome         RideStatus = "RETURNED_HOME"
	Completed            RideStatus = "COMPLETED"

	// Canceled and Ongoing sit outside the ladder. They carry no index and
	// may be entered from any ordered status.
	Canceled RideStatus = "CANCELED"
	Ongoing  RideStatus = "ONGOING"
)

// unordered is the ladder index for statuses outside the main progression.
const unordered = -1

var ladder = map[RideStatus]int{
	Scheduled:            0,
	Started:              1,
	RiderArrived:         2,
	PickedUp:             3,
	ArrivedAtActivity:    4,
	ActivityOngoing:      5,
	ReturnedActivity:     6,
	PickedUpFromActivity: 7,
	ReturnedHome:         8,
	Completed:            9,
}

// Index returns the ladder position of s and whether s is one of the ten
// ordered statuses. Canceled and Ongoing report ok=false.
func Index(s RideStatus) (int, bool) {
	i, ok := ladder[s]
	if !ok {
		return unordered, false
	}
	return i, true
}

// Known reports whether s is any of the twelve wire statuses.
func Known(s RideStatus) bool {
	if _, ok := ladder[s]; ok {
		return true
	}
	return s == Canceled || s == Ongoing
}

// IsAdvance reports whether moving from "from" to "to" is a forward step.
// Canceled and Ongoing are always accepted as targets; once a ride is
// Canceled no further transition is an advance. Between ordered statuses the
// move must climb strictly.
func IsAdvance(from, to RideStatus) bool {
	if from == Canceled {
		return false
	}
	if to == Canceled || to == Ongoing {
		return true
	}
	fi, fok := Index(from)
	ti, tok := Index(to)
	if !tok {
		return false
	}
	if !fok {
		// Leaving Ongoing back into the ladder is permitted at any rung.
		return from == Ongoing
	}
	return ti > fi
}

// Ordered lists the ten ladder statuses in progression order. The slice is
// shared; callers must not mutate it.
func Ordered() []RideStatus {
	return orderedStatuses
}

var orderedStatuses = []RideStatus{
	Scheduled,
	Started,
	RiderArrived,
	PickedUp,
	ArrivedAtActivity,
	ActivityOngoing,
	ReturnedActivity,
	PickedUpFromActivity,
	ReturnedHome,
	Completed,
}

func (s RideStatus) String() string {
	return string(s)
}
