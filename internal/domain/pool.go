package domain

import (
	"fmt"
	"sort"
)

type PoolStatus string

const (
	PoolActive   PoolStatus = "active"
	PoolPaused   PoolStatus = "paused"
	PoolDraining PoolStatus = "draining"
)

// Pool policy bounds.
const (
	MaxPoolSizeLimit    = 20
	MinContextThreshold = 50
	MaxContextThreshold = 95
)

type Pool struct {
	ID                      string     `json:"id"`
	ProjectID               string     `json:"project_id"`
	Status                  PoolStatus `json:"status" enum:"active,paused,draining"`
	WarmPoolSize            int        `json:"warm_pool_size"`
	MaxPoolSize             int        `json:"max_pool_size"`
	ContextThresholdPercent int        `json:"context_threshold_percent"`
	AutoDelegateEnabled     bool       `json:"auto_delegate_enabled"`
	SkipUserRequired        bool       `json:"skip_user_required"`
	LastActivityAt          *string    `json:"last_activity_at,omitempty" format:"date-time"`
	CreatedAt               string     `json:"created_at" format:"date-time"`
	UpdatedAt               string     `json:"updated_at" format:"date-time"`
}

// PoolCounts is the number of sessions per status in one pool.
type PoolCounts struct {
	Starting       int `json:"starting"`
	Active         int `json:"active"`
	Idle           int `json:"idle"`
	HandoffPending int `json:"handoff_pending"`
	Retired        int `json:"retired"`
	Error          int `json:"error"`
}

// Live counts sessions that occupy a pool slot.
func (c PoolCounts) Live() int {
	return c.Starting + c.Active + c.Idle
}

// Add records n sessions with the given status.
func (c *PoolCounts) Add(status SessionStatus, n int) {
	switch status {
	case SessionStarting:
		c.Starting += n
	case SessionActive:
		c.Active += n
	case SessionIdle:
		c.Idle += n
	case SessionHandoffPending:
		c.HandoffPending += n
	case SessionRetired:
		c.Retired += n
	case SessionError:
		c.Error += n
	}
}

// ValidatePoolSettings rejects sizes and thresholds outside policy.
func ValidatePoolSettings(warm, max, threshold int) error {
	if warm < 1 {
		return &PolicyViolationError{Field: "warm_pool_size", Reason: fmt.Sprintf("must be >= 1, got %d", warm)}
	}
	if max < warm {
		return &PolicyViolationError{Field: "max_pool_size", Reason: fmt.Sprintf("must be >= warm_pool_size (%d), got %d", warm, max)}
	}
	if max > MaxPoolSizeLimit {
		return &PolicyViolationError{Field: "max_pool_size", Reason: fmt.Sprintf("must be <= %d, got %d", MaxPoolSizeLimit, max)}
	}
	if threshold < MinContextThreshold || threshold > MaxContextThreshold {
		return &PolicyViolationError{Field: "context_threshold_percent", Reason: fmt.Sprintf("must be within [%d,%d], got %d", MinContextThreshold, MaxContextThreshold, threshold)}
	}
	return nil
}

// Validate checks the pool's current settings.
func (p Pool) Validate() error {
	return ValidatePoolSettings(p.WarmPoolSize, p.MaxPoolSize, p.ContextThresholdPercent)
}

// CanSpawnNewSession reports whether a new session may be admitted.
func (p Pool) CanSpawnNewSession(c PoolCounts) bool {
	return p.Status == PoolActive && c.Live() < p.MaxPoolSize
}

// NeedsWarmup reports whether the pool holds fewer idle sessions than its warm size.
func (p Pool) NeedsWarmup(c PoolCounts) bool {
	return p.Status == PoolActive && c.Idle < p.WarmPoolSize
}

// WarmupDeficit is the number of sessions to spawn so that idle plus starting
// sessions reach the warm size, bounded by remaining capacity.
func (p Pool) WarmupDeficit(c PoolCounts) int {
	if p.Status != PoolActive {
		return 0
	}
	want := p.WarmPoolSize - (c.Idle + c.Starting)
	room := p.MaxPoolSize - c.Live()
	if room < want {
		want = room
	}
	if want < 0 {
		return 0
	}
	return want
}

// FindAvailableSession picks the idle session with the lowest context usage
// that sits below threshold minus buffer. Ties go to the oldest session.
func (p Pool) FindAvailableSession(sessions []Session, buffer float64) (Session, bool) {
	limit := float64(p.ContextThresholdPercent) - buffer
	var candidates []Session
	for _, s := range sessions {
		if s.Status != SessionIdle || s.CurrentTaskID != nil {
			continue
		}
		if s.ContextPercent >= limit {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return Session{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.ContextPercent != b.ContextPercent {
			return a.ContextPercent < b.ContextPercent
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
	return candidates[0], true
}

// Pause stops admission. It reports whether the status changed.
func (p *Pool) Pause() bool {
	if p.Status != PoolActive {
		return false
	}
	p.Status = PoolPaused
	return true
}

// Resume re-enables admission on a paused pool.
func (p *Pool) Resume() bool {
	if p.Status != PoolPaused {
		return false
	}
	p.Status = PoolActive
	return true
}

// Drain stops admission permanently ahead of teardown.
func (p *Pool) Drain() bool {
	if p.Status == PoolDraining {
		return false
	}
	p.Status = PoolDraining
	return true
}
