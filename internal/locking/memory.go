package locking

import (
	"context"
	"sync"
	"time"

	logx "depot/pkg/logx"
)

// memoryManager keeps all lock state in process memory under one mutex, which
// trivially satisfies the atomic multi-key check-and-set requirement.
type memoryManager struct {
	log logx.Logger

	mu sync.Mutex
	// single-owner keys: task claims and exclusive resource locks
	exclusive map[string]string
	// multi-owner keys: shared resource locks
	shared map[string]map[string]struct{}
	// cancellation signals with safety-net expiry
	signals map[string]time.Time
}

// NewMemory returns the in-process lock backend.
func NewMemory(log logx.Logger) Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &memoryManager{
		log:       log,
		exclusive: map[string]string{},
		shared:    map[string]map[string]struct{}{},
		signals:   map[string]time.Time{},
	}
}

func (m *memoryManager) Acquire(ctx context.Context, taskID, owner string, exclusive, shared []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	excl := canonical(exclusive)
	shr := canonical(shared)

	m.mu.Lock()
	defer m.mu.Unlock()

	tk := taskKey(taskID)
	if _, held := m.exclusive[tk]; held {
		return &UnavailableError{TaskClaimed: true}
	}

	var blocked []string
	for _, r := range excl {
		k := resourceKey(r)
		if _, held := m.exclusive[k]; held {
			blocked = append(blocked, r)
			continue
		}
		if len(m.shared[k]) > 0 {
			blocked = append(blocked, r)
		}
	}
	for _, r := range shr {
		// Shared access is blocked only by an exclusive holder.
		if _, held := m.exclusive[resourceKey(r)]; held {
			blocked = append(blocked, r)
		}
	}
	if len(blocked) > 0 {
		return &UnavailableError{Blocked: blocked}
	}

	m.exclusive[tk] = owner
	for _, r := range excl {
		m.exclusive[resourceKey(r)] = owner
	}
	for _, r := range shr {
		k := resourceKey(r)
		set := m.shared[k]
		if set == nil {
			set = map[string]struct{}{}
			m.shared[k] = set
		}
		set[owner] = struct{}{}
	}
	return nil
}

func (m *memoryManager) Release(ctx context.Context, taskID, owner string, exclusive, shared []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	excl := canonical(exclusive)
	shr := canonical(shared)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range excl {
		k := resourceKey(r)
		cur, held := m.exclusive[k]
		switch {
		case !held:
			// Already released (possibly force-released by recovery). No-op.
		case cur != owner:
			// Re-acquired by someone else since; deleting it would be a
			// correctness bug, so log and skip.
			m.log.Warn("skipping release of lock held by another owner",
				logx.String("resource", r), logx.String("owner", owner), logx.String("holder", cur))
		default:
			delete(m.exclusive, k)
		}
	}
	for _, r := range shr {
		k := resourceKey(r)
		if set := m.shared[k]; set != nil {
			delete(set, owner)
			if len(set) == 0 {
				delete(m.shared, k)
			}
		}
	}

	tk := taskKey(taskID)
	if cur, held := m.exclusive[tk]; held {
		if cur == owner {
			delete(m.exclusive, tk)
		} else {
			m.log.Warn("skipping release of task claim held by another owner",
				logx.String("task", taskID), logx.String("owner", owner), logx.String("holder", cur))
		}
	}
	return nil
}

func (m *memoryManager) TasksOwnedBy(ctx context.Context, owner string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for k, o := range m.exclusive {
		if o == owner && len(k) > len(taskPrefix) && k[:len(taskPrefix)] == taskPrefix {
			ids = append(ids, k[len(taskPrefix):])
		}
	}
	return ids, nil
}

func (m *memoryManager) ForceReleaseOwner(ctx context.Context, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, o := range m.exclusive {
		if o == owner {
			delete(m.exclusive, k)
		}
	}
	for k, set := range m.shared {
		delete(set, owner)
		if len(set) == 0 {
			delete(m.shared, k)
		}
	}
	return nil
}

func (m *memoryManager) SignalCancel(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.signals[signalKey(taskID)] = time.Now().Add(SignalTTL)
	m.mu.Unlock()
	return nil
}

func (m *memoryManager) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	k := signalKey(taskID)
	until, ok := m.signals[k]
	if !ok {
		return false, nil
	}
	if time.Now().After(until) {
		delete(m.signals, k)
		return false, nil
	}
	return true, nil
}

func (m *memoryManager) ClearCancel(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.signals, signalKey(taskID))
	m.mu.Unlock()
	return nil
}
