package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/message"
	"github.com/sensate-iot/platform-network/trigger"
)

const triggerColumns = `id, sensor_id, key, lower_edge, upper_edge, pattern, type`

const actionColumns = `id, trigger_id, channel, target, message, last_invocation`

// TriggerRepository implements trigger.Repository.
type TriggerRepository struct {
	db *DB
}

var _ trigger.Repository = (*TriggerRepository)(nil)

// NewTriggerRepository creates a trigger repository.
func NewTriggerRepository(db *DB) *TriggerRepository {
	return &TriggerRepository{db: db}
}

// GetBySensor returns the triggers of the given sensors with their actions.
func (r *TriggerRepository) GetBySensor(ctx context.Context, ids []message.SensorID) ([]trigger.Trigger, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var triggers []trigger.Trigger
	query := `SELECT ` + triggerColumns + ` FROM triggers WHERE sensor_id = ANY($1) ORDER BY id`
	if err := r.db.GetDB().SelectContext(ctx, &triggers, query, pq.Array(sensorStrings(ids))); err != nil {
		return nil, errors.WrapStorage(err, "TriggerRepository", "GetBySensor", "select triggers")
	}
	if err := r.loadActions(ctx, triggers); err != nil {
		return nil, err
	}
	return triggers, nil
}

// GetTrigger returns one trigger with its actions or nil when it does not exist.
func (r *TriggerRepository) GetTrigger(ctx context.Context, id int64) (*trigger.Trigger, error) {
	var t trigger.Trigger
	query := `SELECT ` + triggerColumns + ` FROM triggers WHERE id = $1`
	if err := r.db.GetDB().GetContext(ctx, &t, query, id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.WrapStorage(err, "TriggerRepository", "GetTrigger", "select trigger")
	}

	list := []trigger.Trigger{t}
	if err := r.loadActions(ctx, list); err != nil {
		return nil, err
	}
	return &list[0], nil
}

func (r *TriggerRepository) loadActions(ctx context.Context, triggers []trigger.Trigger) error {
	if len(triggers) == 0 {
		return nil
	}

	ids := make([]int64, len(triggers))
	index := make(map[int64]int, len(triggers))
	for i, t := range triggers {
		ids[i] = t.ID
		index[t.ID] = i
	}

	var actions []trigger.Action
	query := `SELECT ` + actionColumns + ` FROM trigger_actions WHERE trigger_id = ANY($1) ORDER BY id`
	if err := r.db.GetDB().SelectContext(ctx, &actions, query, pq.Array(ids)); err != nil {
		return errors.WrapStorage(err, "TriggerRepository", "loadActions", "select actions")
	}
	for _, a := range actions {
		if i, ok := index[a.TriggerID]; ok {
			triggers[i].Actions = append(triggers[i].Actions, a)
		}
	}
	return nil
}

// CreateTrigger inserts t and its actions in one transaction and assigns IDs.
func (r *TriggerRepository) CreateTrigger(ctx context.Context, t *trigger.Trigger) error {
	tx, err := r.db.GetDB().BeginTxx(ctx, nil)
	if err != nil {
		return errors.WrapStorage(err, "TriggerRepository", "CreateTrigger", "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO triggers (sensor_id, key, lower_edge, upper_edge, pattern, type)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`
	if err := tx.GetContext(ctx, &t.ID, query, t.SensorID, t.Key, t.LowerEdge, t.UpperEdge, t.Pattern, t.Type); err != nil {
		return classify(err, "TriggerRepository", "CreateTrigger", "insert trigger")
	}

	for i := range t.Actions {
		t.Actions[i].TriggerID = t.ID
		if err := insertAction(ctx, tx, &t.Actions[i]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapStorage(err, "TriggerRepository", "CreateTrigger", "commit")
	}
	return nil
}

// AddAction inserts an action. A trigger has at most one action per channel.
func (r *TriggerRepository) AddAction(ctx context.Context, a *trigger.Action) error {
	return insertAction(ctx, r.db.GetDB(), a)
}

func insertAction(ctx context.Context, q sqlx.QueryerContext, a *trigger.Action) error {
	query := `
		INSERT INTO trigger_actions (trigger_id, channel, target, message, last_invocation)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`
	if err := sqlx.GetContext(ctx, q, &a.ID, query, a.TriggerID, a.Channel, a.Target, a.Message, a.LastInvocation); err != nil {
		return classify(err, "TriggerRepository", "AddAction",
			fmt.Sprintf("insert %s action of trigger %d", a.Channel, a.TriggerID))
	}
	return nil
}

// DeleteTrigger removes a trigger, its actions and invocations.
func (r *TriggerRepository) DeleteTrigger(ctx context.Context, id int64) error {
	if _, err := r.db.GetDB().ExecContext(ctx, `DELETE FROM triggers WHERE id = $1`, id); err != nil {
		return errors.WrapStorage(err, "TriggerRepository", "DeleteTrigger", "delete trigger")
	}
	return nil
}

// DeleteBySensor removes every trigger of the given sensors.
func (r *TriggerRepository) DeleteBySensor(ctx context.Context, ids []message.SensorID) error {
	if len(ids) == 0 {
		return nil
	}
	query := `DELETE FROM triggers WHERE sensor_id = ANY($1)`
	if _, err := r.db.GetDB().ExecContext(ctx, query, pq.Array(sensorStrings(ids))); err != nil {
		return errors.WrapStorage(err, "TriggerRepository", "DeleteBySensor", "delete triggers")
	}
	return nil
}

// AddInvocations stores a batch of invocations in one transaction and moves
// the cooldown clock of the attempted actions. An invocation that already
// exists for the same trigger, bucket and index is ignored.
func (r *TriggerRepository) AddInvocations(ctx context.Context, invocations []trigger.Invocation) error {
	if len(invocations) == 0 {
		return nil
	}

	tx, err := r.db.GetDB().BeginTxx(ctx, nil)
	if err != nil {
		return errors.WrapStorage(err, "TriggerRepository", "AddInvocations", "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	insert := `
		INSERT INTO trigger_invocations (trigger_id, bucket_id, idx, timestamp)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (trigger_id, bucket_id, idx) DO NOTHING`
	touch := `UPDATE trigger_actions SET last_invocation = $1 WHERE trigger_id = $2 AND channel = ANY($3)`

	for _, inv := range invocations {
		if _, err := tx.ExecContext(ctx, insert, inv.TriggerID, inv.BucketID, inv.Index, inv.Timestamp); err != nil {
			return classify(err, "TriggerRepository", "AddInvocations", "insert invocation")
		}
		if len(inv.Attempted) == 0 {
			continue
		}
		channels := make([]int64, len(inv.Attempted))
		for i, c := range inv.Attempted {
			channels[i] = int64(c)
		}
		if _, err := tx.ExecContext(ctx, touch, inv.AttemptedAt, inv.TriggerID, pq.Array(channels)); err != nil {
			return errors.WrapStorage(err, "TriggerRepository", "AddInvocations", "update last invocation")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapStorage(err, "TriggerRepository", "AddInvocations", "commit")
	}
	return nil
}
