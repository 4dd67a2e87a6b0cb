package ride

import (
	"time"

	"github.com/schoolpool/ridesync/status"
)

// HintSource tags which feed produced a status hint.
type HintSource string

const (
	SourceSnapshot HintSource = "snapshot"
	SourcePush     HintSource = "push"
	SourceLive     HintSource = "live"
)

// StatusHint is a candidate status update from one source. Hints are never
// stored: the coordinator consumes each one immediately and either advances
// the view or discards it.
type StatusHint struct {
	RideID     string
	Status     status.RideStatus
	NextStatus *status.RideStatus
	Source     HintSource
	ReceivedAt time.Time
}
