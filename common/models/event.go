package models

import "github.com/google/uuid"

// EventName identifies a lifecycle event. The same events fire on the
// in-process signal bus and on the outbound messaging exchanges.
type EventName string

const (
	EventBuildAdded        EventName = "build-added"
	EventBuildStarted      EventName = "build-started"
	EventBuildFinished     EventName = "build-finished"
	EventBuildCancelled    EventName = "build-cancelled"
	EventStepStarted       EventName = "step-started"
	EventStepFinished      EventName = "step-finished"
	EventStepOutputArrived EventName = "step-output-arrived"
	EventBuildsetAdded     EventName = "buildset-added"
	EventBuildsetStarted   EventName = "buildset-started"
	EventBuildsetFinished  EventName = "buildset-finished"
)

// Event is the payload published for a lifecycle event. Only the fields
// relevant to the event are set.
type Event struct {
	Name       EventName  `json:"event_type"`
	RepoID     RepoID     `json:"repo_id"`
	BuildsetID BuildsetID `json:"buildset_id,omitempty"`
	BuildUUID  uuid.UUID  `json:"build_uuid,omitempty"`
	StepUUID   uuid.UUID  `json:"step_uuid,omitempty"`
	Status     Status     `json:"status,omitempty"`
	// Output carries the fragment for step-output-arrived events.
	Output    string `json:"output,omitempty"`
	CreatedAt Time   `json:"created_at"`
}
