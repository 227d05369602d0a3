package domain

import "fmt"

// ImportStatus is the derived outcome of an import entity. The order of the
// constants is the severity order used for roll-up comparisons: a parent's
// status is the most severe status among its children, where "most severe"
// means the highest rank below.
type ImportStatus int

const (
	StatusPending ImportStatus = iota
	StatusCreatedClean
	StatusEmpty
	StatusCreatedDirty
	StatusRejected
)

var importStatusNames = map[ImportStatus]string{
	StatusPending:      "pending",
	StatusCreatedClean: "created_clean",
	StatusEmpty:        "empty",
	StatusCreatedDirty: "created_dirty",
	StatusRejected:     "rejected",
}

func (s ImportStatus) String() string {
	if name, ok := importStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// MoreSevereThan reports whether s outranks other in the severity order.
func (s ImportStatus) MoreSevereThan(other ImportStatus) bool {
	return s > other
}

// MostSevere returns the highest-ranked status among statuses, or fallback
// when statuses is empty.
func MostSevere(fallback ImportStatus, statuses ...ImportStatus) ImportStatus {
	if len(statuses) == 0 {
		return fallback
	}
	most := statuses[0]
	for _, status := range statuses[1:] {
		if status.MoreSevereThan(most) {
			most = status
		}
	}
	return most
}

// CurrentStatus is the operator-facing lifecycle sub-state of an attempt. It
// is independent of ImportStatus: acknowledging or deleting an attempt never
// rewrites the historical import outcome.
type CurrentStatus int

const (
	CurrentStatusActive CurrentStatus = iota
	CurrentStatusAcknowledged
	CurrentStatusDeleted
)

var currentStatusNames = map[CurrentStatus]string{
	CurrentStatusActive:       "active",
	CurrentStatusAcknowledged: "acknowledged",
	CurrentStatusDeleted:      "deleted",
}

func (s CurrentStatus) String() string {
	if name, ok := currentStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}
