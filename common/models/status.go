package models

// Status is the lifecycle state of a build, step or buildset.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPreparing Status = "preparing"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusWarning   Status = "warning"
	StatusFail      Status = "fail"
	StatusException Status = "exception"
	StatusCancelled Status = "cancelled"

	// Buildset-only statuses for revisions that produced nothing to run.
	StatusNoBuilds Status = "no builds"
	StatusNoConfig Status = "no config"
)

// orderedStatuses ranks statuses by precedence. When aggregating the builds
// of a buildset the first status present in this order wins.
var orderedStatuses = []Status{
	StatusRunning,
	StatusCancelled,
	StatusException,
	StatusFail,
	StatusWarning,
	StatusSuccess,
	StatusPreparing,
	StatusPending,
}

func (s Status) String() string {
	return string(s)
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPreparing, StatusRunning, StatusSuccess,
		StatusWarning, StatusFail, StatusException, StatusCancelled,
		StatusNoBuilds, StatusNoConfig:
		return true
	}
	return false
}

// Terminal reports whether no further status transitions can happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusWarning, StatusFail, StatusException,
		StatusCancelled, StatusNoBuilds, StatusNoConfig:
		return true
	}
	return false
}

// AggregateStatus combines the statuses of a buildset's builds into the
// status of the buildset itself. An empty slice yields StatusNoBuilds.
func AggregateStatus(statuses []Status) Status {
	if len(statuses) == 0 {
		return StatusNoBuilds
	}
	present := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		present[s] = true
	}
	for _, s := range orderedStatuses {
		if present[s] {
			return s
		}
	}
	return StatusPending
}
