package trigger

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/message"
)

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu          sync.RWMutex
	triggers    map[int64]*Trigger
	invocations []Invocation
	nextTrigger int64
	nextAction  int64
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{triggers: make(map[int64]*Trigger)}
}

// GetBySensor returns copies of the triggers of the given sensors ordered by ID.
func (r *MemoryRepository) GetBySensor(ctx context.Context, ids []message.SensorID) ([]Trigger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	wanted := make(map[message.SensorID]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Trigger
	for _, t := range r.triggers {
		if _, ok := wanted[t.SensorID]; ok {
			out = append(out, copyTrigger(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetTrigger returns a copy of the trigger or nil when it does not exist.
func (r *MemoryRepository) GetTrigger(ctx context.Context, id int64) (*Trigger, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.triggers[id]
	if !ok {
		return nil, nil
	}
	c := copyTrigger(t)
	return &c, nil
}

// CreateTrigger stores t and its actions, assigning their IDs.
func (r *MemoryRepository) CreateTrigger(ctx context.Context, t *Trigger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[ChannelType]struct{}, len(t.Actions))
	for _, a := range t.Actions {
		if _, ok := seen[a.Channel]; ok {
			return errors.WrapInvalid(errors.ErrDuplicateKey, "MemoryRepository", "CreateTrigger",
				fmt.Sprintf("insert second %s action", a.Channel))
		}
		seen[a.Channel] = struct{}{}
	}

	r.nextTrigger++
	t.ID = r.nextTrigger
	for i := range t.Actions {
		r.nextAction++
		t.Actions[i].ID = r.nextAction
		t.Actions[i].TriggerID = t.ID
	}
	stored := copyTrigger(t)
	r.triggers[t.ID] = &stored
	return nil
}

// AddAction adds a to its trigger. A trigger has at most one action per channel.
func (r *MemoryRepository) AddAction(ctx context.Context, a *Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.triggers[a.TriggerID]
	if !ok {
		return errors.WrapInvalid(errors.ErrInvalidData, "MemoryRepository", "AddAction",
			fmt.Sprintf("find trigger %d", a.TriggerID))
	}
	if _, exists := t.Action(a.Channel); exists {
		return errors.WrapInvalid(errors.ErrDuplicateKey, "MemoryRepository", "AddAction",
			fmt.Sprintf("insert second %s action", a.Channel))
	}
	r.nextAction++
	a.ID = r.nextAction
	t.Actions = append(t.Actions, *a)
	return nil
}

// DeleteTrigger removes a trigger and its actions.
func (r *MemoryRepository) DeleteTrigger(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.triggers, id)
	return nil
}

// DeleteBySensor removes every trigger of the given sensors.
func (r *MemoryRepository) DeleteBySensor(ctx context.Context, ids []message.SensorID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	wanted := make(map[message.SensorID]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.triggers {
		if _, ok := wanted[t.SensorID]; ok {
			delete(r.triggers, id)
		}
	}

	// invocations go with their trigger
	kept := r.invocations[:0]
	for _, inv := range r.invocations {
		if _, ok := r.triggers[inv.TriggerID]; ok {
			kept = append(kept, inv)
		}
	}
	r.invocations = kept
	return nil
}

// AddInvocations appends the invocations and moves the cooldown clock of
// every attempted action.
func (r *MemoryRepository) AddInvocations(ctx context.Context, invocations []Invocation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, inv := range invocations {
		if !r.recorded(inv) {
			r.invocations = append(r.invocations, inv)
		}
		t, ok := r.triggers[inv.TriggerID]
		if !ok {
			continue
		}
		for _, channel := range inv.Attempted {
			for i := range t.Actions {
				if t.Actions[i].Channel == channel {
					at := inv.AttemptedAt
					t.Actions[i].LastInvocation = &at
				}
			}
		}
	}
	return nil
}

// recorded reports whether an invocation for the same trigger, bucket and
// index exists. Those are ignored like the unique key of the SQL table.
func (r *MemoryRepository) recorded(inv Invocation) bool {
	for _, existing := range r.invocations {
		if existing.TriggerID == inv.TriggerID && existing.BucketID == inv.BucketID && existing.Index == inv.Index {
			return true
		}
	}
	return false
}

// Invocations returns a copy of every stored invocation.
func (r *MemoryRepository) Invocations() []Invocation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Invocation(nil), r.invocations...)
}

func copyTrigger(t *Trigger) Trigger {
	c := *t
	c.Actions = make([]Action, len(t.Actions))
	for i, a := range t.Actions {
		if a.LastInvocation != nil {
			last := *a.LastInvocation
			a.LastInvocation = &last
		}
		c.Actions[i] = a
	}
	return c
}
