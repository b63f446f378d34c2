package domain

// Role defines the sender of a conversation message.
type Role string

const (
	// RoleUser indicates a message typed (or spoken) by the user.
	RoleUser Role = "user"
	// RoleAssistant indicates a final text answer from the model.
	RoleAssistant Role = "assistant"
	// RoleToolRequest indicates a model reply that asks for one or more tool calls.
	RoleToolRequest Role = "tool_request"
	// RoleToolResult indicates the outcome of a single tool call.
	RoleToolResult Role = "tool_result"
	// RoleDigest indicates a summary replacing a compressed prefix of the conversation.
	RoleDigest Role = "digest"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleToolRequest, RoleToolResult, RoleDigest:
		return true
	}
	return false
}

// Schedule types understood by the task scheduler.
const (
	ScheduleInterval = "interval"
	ScheduleDaily    = "daily"
	ScheduleWeekly   = "weekly"
)

// Notification levels for scheduled tasks.
const (
	NotifyAll         = "all"
	NotifyErrors      = "errors"
	NotifySignificant = "significant"
	NotifySilent      = "silent"
)

// Task run statuses.
const (
	RunSuccess = "success"
	RunError   = "error"
	RunMissed  = "missed"
)

// Task run triggers.
const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerMisfire  = "misfire"
)
