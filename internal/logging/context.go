package logging

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldEventType classifies a record for filtering, e.g. "daemon_start_failed".
	FieldEventType = "event_type"
	// FieldErrorHint suggests the next step to an operator.
	FieldErrorHint = "error_hint"
	FieldStorlet   = "storlet"
	FieldTaskID    = "task_id"
	FieldPID       = "pid"
	FieldChannel   = "channel"
	// FieldContainerID identifies the container or scope a process serves.
	FieldContainerID = "container_id"
	FieldCommand     = "command"
)
