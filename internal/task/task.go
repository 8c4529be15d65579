// Package task defines the durable task record and its lifecycle state machine.
package task

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a task.
type State string

const (
	StateWaiting   State = "waiting"
	StateRunning   State = "running"
	StateCanceling State = "canceling"
	StateCanceled  State = "canceled"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
)

// Terminal reports whether no further transition may leave this state.
func (s State) Terminal() bool {
	switch s {
	case StateCanceled, StateCompleted, StateFailed, StateSkipped:
		return true
	}
	return false
}

// transitions is the allowed edge set of the lifecycle state machine.
var transitions = map[State][]State{
	StateWaiting:   {StateRunning, StateCanceling, StateCanceled, StateSkipped},
	StateRunning:   {StateCompleted, StateFailed, StateCanceling},
	StateCanceling: {StateCanceled, StateFailed},
}

// CanTransition reports whether from -> to is a legal lifecycle transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Error is the structured failure info recorded on a FAILED (or force-canceled)
// task. Reason is a short stable token; Description is human-readable.
type Error struct {
	Reason      string `json:"reason"`
	Description string `json:"description,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Description == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Description
}

// Well-known failure reasons.
const (
	ReasonWorkerMissing = "worker missing"
	ReasonKilled        = "killed after cancellation grace period"
	ReasonNoResources   = "resources temporarily unavailable"
	ReasonBodyError     = "task body error"
	ReasonNonZeroExit   = "task process exited non-zero"
)

// Task is a unit of asynchronous work with a declared resource footprint.
//
// Invariant: OwnerLock is non-empty iff State is running or canceling.
// Waiting and terminal tasks never hold locks.
type Task struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State State  `json:"state"`

	Args json.RawMessage `json:"args,omitempty"`

	// Declared resource footprint, canonical (sorted, deduplicated).
	Exclusive []string `json:"exclusive,omitempty"`
	Shared    []string `json:"shared,omitempty"`

	// OwnerLock identifies the worker currently holding this task's claim.
	OwnerLock string `json:"owner_lock,omitempty"`

	GroupID  string `json:"group_id,omitempty"`
	ParentID string `json:"parent_id,omitempty"`

	Error *Error `json:"error,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// NewID returns a fresh task id.
func NewID() string { return "task-" + uuid.NewString() }

// NormalizeResources canonicalizes a declared resource list: trimmed,
// deduplicated and sorted. The sorted global order is what keeps two workers
// from deadlocking on the same pair of resources requested in different orders.
func NormalizeResources(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// SplitResources normalizes both lists and drops from shared anything also
// requested exclusively (the exclusive claim subsumes the shared one).
func SplitResources(exclusive, shared []string) (excl, shr []string) {
	excl = NormalizeResources(exclusive)
	shr = NormalizeResources(shared)
	if len(excl) == 0 || len(shr) == 0 {
		return excl, shr
	}
	exSet := make(map[string]struct{}, len(excl))
	for _, r := range excl {
		exSet[r] = struct{}{}
	}
	kept := shr[:0]
	for _, r := range shr {
		if _, ok := exSet[r]; !ok {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		return excl, nil
	}
	return excl, kept
}
