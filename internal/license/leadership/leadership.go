// Package leadership carries the leader-election signal consumed by the
// license coordinator. It does not run an election; it only tracks the status
// reported by whichever collaborator does.
package leadership

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Status is the leadership status of one instance in a multi-instance deployment.
type Status string

const (
	// StatusUnset is the status every instance starts with before election settles.
	StatusUnset    Status = "unset"
	StatusLeader   Status = "leader"
	StatusFollower Status = "follower"
)

// ParseStatus converts a configuration or wire value into a Status.
func ParseStatus(value string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case "", StatusUnset:
		return StatusUnset, nil
	case StatusLeader:
		return StatusLeader, nil
	case StatusFollower:
		return StatusFollower, nil
	default:
		return StatusUnset, fmt.Errorf("unknown leadership status %q", value)
	}
}

// Signal is the contract the coordinator needs from the election collaborator:
// a queryable current status and a push notification on change.
type Signal interface {
	Status() Status
	// Subscribe registers fn to be called after every status change. The
	// returned function removes the subscription.
	Subscribe(fn func(Status)) (unsubscribe func())
}

// Tracker is an in-memory Signal. The election collaborator calls Set; the
// coordinator reads Status and subscribes for changes.
type Tracker struct {
	mu     sync.RWMutex
	status Status
	subs   map[int]func(Status)
	nextID int
}

var _ Signal = (*Tracker)(nil)

// NewTracker returns a tracker in the unset status.
func NewTracker() *Tracker {
	return &Tracker{
		status: StatusUnset,
		subs:   make(map[int]func(Status)),
	}
}

// Status returns the current status.
func (t *Tracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// IsLeader reports whether the current status is leader.
func (t *Tracker) IsLeader() bool {
	return t.Status() == StatusLeader
}

// Set records a new status and notifies subscribers synchronously, in
// subscription order. It returns false when the status did not change, in
// which case nobody is notified.
func (t *Tracker) Set(status Status) bool {
	t.mu.Lock()
	if t.status == status {
		t.mu.Unlock()
		return false
	}
	t.status = status
	subs := t.snapshotSubsLocked()
	t.mu.Unlock()

	for _, fn := range subs {
		fn(status)
	}
	return true
}

// Subscribe implements Signal.
func (t *Tracker) Subscribe(fn func(Status)) func() {
	if fn == nil {
		return func() {}
	}

	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

func (t *Tracker) snapshotSubsLocked() []func(Status) {
	ids := make([]int, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Status), 0, len(ids))
	for _, id := range ids {
		out = append(out, t.subs[id])
	}
	return out
}
