package domain

type Project struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID             int64  `json:"id"`
	TS             string `json:"ts" format:"date-time"`
	Type           string `json:"type"`
	ProjectID      string `json:"project_id,omitempty"`
	EntityKind     string `json:"entity_kind" enum:"pool,session,work_item,delegation"`
	EntityID       string `json:"entity_id,omitempty"`
	ActorID        string `json:"actor_id"`
	PreviousStatus string `json:"previous_status,omitempty"`
	NewStatus      string `json:"new_status,omitempty"`
	Payload        string `json:"payload_json"`
}

// Entity kinds recorded on events.
const (
	EntityPool       = "pool"
	EntitySession    = "session"
	EntityWorkItem   = "work_item"
	EntityDelegation = "delegation"
)
