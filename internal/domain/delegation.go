package domain

type DelegationStatus string

const (
	DelegationPending   DelegationStatus = "pending"
	DelegationApproved  DelegationStatus = "approved"
	DelegationClaimed   DelegationStatus = "claimed"
	DelegationCompleted DelegationStatus = "completed"
	DelegationCancelled DelegationStatus = "cancelled"
	DelegationExpired   DelegationStatus = "expired"
)

type DelegationRequest struct {
	ID          string           `json:"id"`
	ProjectID   string           `json:"project_id"`
	WorkItemID  string           `json:"work_item_id"`
	SessionID   *string          `json:"session_id,omitempty"`
	Status      DelegationStatus `json:"status" enum:"pending,approved,claimed,completed,cancelled,expired"`
	Reason      string           `json:"reason,omitempty"`
	CreatedAt   string           `json:"created_at" format:"date-time"`
	UpdatedAt   string           `json:"updated_at" format:"date-time"`
	ClaimedAt   *string          `json:"claimed_at,omitempty" format:"date-time"`
	CompletedAt *string          `json:"completed_at,omitempty" format:"date-time"`
}

// Open reports whether a request still waits for a claimant.
func (s DelegationStatus) Open() bool {
	return s == DelegationPending || s == DelegationApproved
}

// Terminal reports whether the request can no longer change.
func (s DelegationStatus) Terminal() bool {
	switch s {
	case DelegationCompleted, DelegationCancelled, DelegationExpired:
		return true
	}
	return false
}

// CanDelegate reports whether a work item may be handed to an agent session.
func CanDelegate(w WorkItem, claimed bool) bool {
	return w.DependencyClass == AgentCapable && w.Status == WorkPending && !claimed
}

// CanTransitionDelegation reports whether a request may move between statuses.
func CanTransitionDelegation(from, to DelegationStatus) bool {
	switch from {
	case DelegationPending:
		return to == DelegationApproved || to == DelegationClaimed || to == DelegationCancelled || to == DelegationExpired
	case DelegationApproved:
		return to == DelegationClaimed || to == DelegationCancelled || to == DelegationExpired
	case DelegationClaimed:
		return to == DelegationCompleted || to == DelegationCancelled || to == DelegationExpired
	}
	return false
}

// EnsureDelegationTransition returns an InvalidTransitionError when the move is not allowed.
func EnsureDelegationTransition(id string, from, to DelegationStatus) error {
	if CanTransitionDelegation(from, to) {
		return nil
	}
	return invalid("delegation", id, string(from), string(to))
}
