package trigger

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/sensate-iot/platform-network/bucket"
	"github.com/sensate-iot/platform-network/bus"
	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/message"
	"github.com/sensate-iot/platform-network/metric"
	"github.com/sensate-iot/platform-network/storage"
)

const defaultDispatchConcurrency = 16

// Dependencies are the collaborators of an Engine.
type Dependencies struct {
	Triggers  Repository
	Sensors   storage.SensorRepository
	Users     storage.UserRepository
	Publisher bus.Publisher
	Patterns  *Patterns
	Channels  []Channel
}

// Event describes one dispatched action. Events of an evaluation are
// published together on bus.SubjectTriggerEvents.
type Event struct {
	ID        uuid.UUID        `json:"id"`
	TriggerID int64            `json:"triggerId"`
	ActionID  int64            `json:"actionId"`
	SensorID  message.SensorID `json:"sensorId"`
	Channel   ChannelType      `json:"channel"`
	BucketID  string           `json:"bucketId"`
	Index     int              `json:"index"`
	Timestamp time.Time        `json:"timestamp"`
	Skipped   bool             `json:"skipped,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Engine matches measurements and messages against triggers and dispatches
// the actions of matching triggers.
type Engine struct {
	triggers    Repository
	sensors     storage.SensorRepository
	users       storage.UserRepository
	publisher   bus.Publisher
	patterns    *Patterns
	channels    map[ChannelType]Channel
	cooldowns   map[ChannelType]time.Duration
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
	metrics     *engineMetrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithCooldowns sets the per channel cooldown. Channels without an entry
// have no cooldown.
func WithCooldowns(cooldowns map[ChannelType]time.Duration) Option {
	return func(e *Engine) {
		for channel, d := range cooldowns {
			e.cooldowns[channel] = d
		}
	}
}

// WithClock replaces the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithConcurrency limits the number of actions dispatched concurrently.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithMetrics registers engine metrics. Registration failures are logged and
// leave the engine without metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(e *Engine) {
		if registry == nil {
			return
		}
		m, err := newEngineMetrics(registry)
		if err != nil {
			e.logger.Warn("Failed to register trigger engine metrics", "error", err)
			return
		}
		e.metrics = m
	}
}

// NewEngine creates a trigger engine.
func NewEngine(deps Dependencies, opts ...Option) *Engine {
	e := &Engine{
		triggers:    deps.Triggers,
		sensors:     deps.Sensors,
		users:       deps.Users,
		publisher:   deps.Publisher,
		patterns:    deps.Patterns,
		channels:    make(map[ChannelType]Channel, len(deps.Channels)),
		cooldowns:   make(map[ChannelType]time.Duration),
		concurrency: defaultDispatchConcurrency,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, c := range deps.Channels {
		e.channels[c.Type()] = c
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "trigger-engine")
	return e
}

// match is one trigger hit on the item at position item of a sensor's batch.
// ref is where that item is stored.
type match struct {
	trigger *Trigger
	sensor  message.SensorID
	item    int
	ref     bucket.Location
	values  Values
}

type matchKey struct {
	triggerID int64
	bucketID  string
	index     int
}

// PlacementFunc blocks until the measurements under evaluation are stored
// and reports where they landed.
type PlacementFunc func(ctx context.Context) (bucket.Placement, error)

// Placed returns a PlacementFunc for measurements that are already stored.
func Placed(placement bucket.Placement) PlacementFunc {
	return func(context.Context) (bucket.Placement, error) { return placement, nil }
}

// EvaluateMeasurements matches the measurements of every sensor against its
// triggers and dispatches the actions of the matches. Matching runs before
// locate is called, so it overlaps with the bucket write. Invocations are
// keyed by the stored bucket and index; matches on measurements that were
// not stored are dropped.
func (e *Engine) EvaluateMeasurements(ctx context.Context,
	measurements map[message.SensorID][]message.Measurement, locate PlacementFunc) ([]Event, error) {
	if locate == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Engine", "EvaluateMeasurements", "nil placement")
	}
	collect := func(bySensor map[message.SensorID][]*Trigger) []match {
		var matches []match
		for sensor, list := range measurements {
			triggers := bySensor[sensor]
			if len(triggers) == 0 {
				continue
			}
			for i, m := range list {
				for _, t := range triggers {
					dp, ok := m.Data[t.Key]
					if !ok || !e.matchDataPoint(t, dp) {
						continue
					}
					matches = append(matches, match{trigger: t, sensor: sensor, item: i, values: DataPointValues(dp, m)})
				}
			}
		}
		return matches
	}
	return e.evaluate(ctx, sensorsOf(measurements), collect, func(ctx context.Context, matches []match) []match {
		return e.place(ctx, matches, locate)
	})
}

// place resolves the stored location of every match.
func (e *Engine) place(ctx context.Context, matches []match, locate PlacementFunc) []match {
	placement, err := locate(ctx)
	if err != nil {
		e.logger.Warn("Measurements not fully stored", "matches", len(matches), "error", err)
	}

	placed := matches[:0]
	dropped := 0
	for _, m := range matches {
		loc, ok := placement.Locate(m.sensor, m.item)
		if !ok {
			dropped++
			continue
		}
		m.ref = loc
		placed = append(placed, m)
	}
	if dropped > 0 {
		e.logger.Warn("Dropped trigger matches on unstored measurements", "dropped", dropped)
	}
	return placed
}

// EvaluateMessages matches message text against the regex triggers keyed on
// TextKey. Messages are not bucketed: a message is referenced by its sensor
// and timestamp, the index separates messages sharing a timestamp.
func (e *Engine) EvaluateMessages(ctx context.Context,
	messages map[message.SensorID][]message.Message) ([]Event, error) {
	collect := func(bySensor map[message.SensorID][]*Trigger) []match {
		var matches []match
		for sensor, list := range messages {
			triggers := bySensor[sensor]
			if len(triggers) == 0 {
				continue
			}
			refs := messageRefs(sensor, list)
			for i, m := range list {
				for _, t := range triggers {
					if t.Type != TypeRegex || t.Key != TextKey || !e.patterns.MatchText(t, m.Data) {
						continue
					}
					matches = append(matches, match{trigger: t, sensor: sensor, item: i, ref: refs[i], values: MessageValues(m)})
				}
			}
		}
		return matches
	}
	return e.evaluate(ctx, sensorsOf(messages), collect, nil)
}

func messageRefs(sensor message.SensorID, list []message.Message) []bucket.Location {
	refs := make([]bucket.Location, len(list))
	seen := make(map[int64]int, len(list))
	for i, m := range list {
		ts := m.Timestamp.UnixNano()
		refs[i] = bucket.Location{BucketID: fmt.Sprintf("%s:msg:%d", sensor, ts), Index: seen[ts]}
		seen[ts]++
	}
	return refs
}

func (e *Engine) matchDataPoint(t *Trigger, dp message.DataPoint) bool {
	switch t.Type {
	case TypeNumber:
		return MatchNumber(t, dp.Value)
	case TypeRegex:
		return e.patterns.MatchText(t, dp.Value.String())
	default:
		return false
	}
}

func sensorsOf[T any](items map[message.SensorID][]T) []message.SensorID {
	ids := make([]message.SensorID, 0, len(items))
	for id, list := range items {
		if len(list) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// dispatchJob is one action selected for delivery.
type dispatchJob struct {
	match  match
	action Action
	sensor *storage.Sensor
	owner  *storage.User
	event  int
}

// evaluate loads the triggers of ids and collects the matches. A non-nil
// place resolves the stored location of the matches before deduplication.
func (e *Engine) evaluate(ctx context.Context, ids []message.SensorID,
	collect func(map[message.SensorID][]*Trigger) []match,
	place func(context.Context, []match) []match) ([]Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	started := e.now()

	loaded, err := e.triggers.GetBySensor(ctx, ids)
	if err != nil {
		return nil, errors.WrapStorage(err, "Engine", "evaluate", "load triggers")
	}
	if len(loaded) == 0 {
		return nil, nil
	}

	bySensor := make(map[message.SensorID][]*Trigger)
	for i := range loaded {
		t := &loaded[i]
		bySensor[t.SensorID] = append(bySensor[t.SensorID], t)
	}

	matches := collect(bySensor)
	if place != nil && len(matches) > 0 {
		matches = place(ctx, matches)
	}
	matches = dedup(matches)
	if len(matches) == 0 {
		return nil, nil
	}
	if e.metrics != nil {
		e.metrics.matches.Add(float64(len(matches)))
	}

	now := e.now().UTC()
	jobs, invocations := e.plan(ctx, matches, now)
	events := e.dispatch(ctx, jobs, now)

	var errs []error
	if err := e.triggers.AddInvocations(ctx, invocations); err != nil {
		errs = append(errs, errors.WrapStorage(err, "Engine", "evaluate", "store invocations"))
	}
	if err := e.publishEvents(ctx, events); err != nil {
		e.logger.Warn("Failed to publish trigger events", "events", len(events), "error", err)
	}

	if e.metrics != nil {
		e.metrics.duration.Observe(e.now().Sub(started).Seconds())
	}
	return events, stderrors.Join(errs...)
}

// dedup keeps the first match per trigger, bucket and index.
func dedup(matches []match) []match {
	seen := make(map[matchKey]struct{}, len(matches))
	out := matches[:0]
	for _, m := range matches {
		key := matchKey{triggerID: m.trigger.ID, bucketID: m.ref.BucketID, index: m.ref.Index}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, m)
	}
	return out
}

// plan selects the actions whose cooldown elapsed and builds one invocation
// per match. The cooldown clock of an action moves on every attempt.
func (e *Engine) plan(ctx context.Context, matches []match, now time.Time) ([]dispatchJob, []Invocation) {
	lastAttempt := make(map[int64]time.Time)
	owners := newOwnerResolver(e.sensors, e.users, e.logger)

	var jobs []dispatchJob
	invocations := make([]Invocation, 0, len(matches))
	for _, m := range matches {
		inv := Invocation{
			TriggerID:   m.trigger.ID,
			BucketID:    m.ref.BucketID,
			Index:       m.ref.Index,
			Timestamp:   m.values.Timestamp,
			AttemptedAt: now,
		}

		for _, a := range m.trigger.Actions {
			if !e.cooledDown(a, lastAttempt, now) {
				continue
			}
			if _, ok := e.channels[a.Channel]; !ok {
				e.logger.Debug("No channel registered for action", "trigger", m.trigger.ID, "channel", a.Channel.String())
				continue
			}
			sensor, owner := owners.resolve(ctx, m.trigger.SensorID)
			if sensor == nil {
				continue
			}

			lastAttempt[a.ID] = now
			inv.Attempted = append(inv.Attempted, a.Channel)
			jobs = append(jobs, dispatchJob{match: m, action: a, sensor: sensor, owner: owner, event: len(jobs)})
		}
		invocations = append(invocations, inv)
	}
	return jobs, invocations
}

func (e *Engine) cooledDown(a Action, lastAttempt map[int64]time.Time, now time.Time) bool {
	last, ok := lastAttempt[a.ID]
	if !ok {
		if a.LastInvocation == nil {
			return true
		}
		last = *a.LastInvocation
	}
	return now.Sub(last) >= e.cooldowns[a.Channel]
}

// dispatch executes jobs concurrently. A failed action is logged and
// counted, it neither stops nor retries the others.
func (e *Engine) dispatch(ctx context.Context, jobs []dispatchJob, now time.Time) []Event {
	events := make([]Event, len(jobs))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			t := job.match.trigger
			ev := Event{
				ID:        uuid.New(),
				TriggerID: t.ID,
				ActionID:  job.action.ID,
				SensorID:  t.SensorID,
				Channel:   job.action.Channel,
				BucketID:  job.match.ref.BucketID,
				Index:     job.match.ref.Index,
				Timestamp: now,
			}

			rendered := Render(job.action.Message, job.match.values)
			d := Dispatch{Trigger: t, Action: job.action, Sensor: job.sensor, Owner: job.owner}
			err := e.channels[job.action.Channel].Execute(ctx, d, rendered)

			status := "success"
			switch {
			case err == nil:
			case errors.IsUnauthorized(err):
				status = "skipped"
				ev.Skipped = true
				ev.Error = err.Error()
				e.logger.Debug("Action skipped", "trigger", t.ID, "channel", job.action.Channel.String(), "error", err)
			default:
				status = "failed"
				ev.Error = err.Error()
				e.logger.Warn("Action dispatch failed", "trigger", t.ID, "channel", job.action.Channel.String(),
					"sensor", t.SensorID.String(), "error", err)
			}
			if e.metrics != nil {
				e.metrics.dispatched.WithLabelValues(job.action.Channel.String(), status).Inc()
			}

			events[job.event] = ev
			return nil
		})
	}
	_ = g.Wait()
	return events
}

func (e *Engine) publishEvents(ctx context.Context, events []Event) error {
	if len(events) == 0 || e.publisher == nil {
		return nil
	}
	data, err := bus.Encode(events)
	if err != nil {
		return errors.WrapInvalid(err, "Engine", "publishEvents", "encode events")
	}
	if err := e.publisher.Publish(ctx, bus.SubjectTriggerEvents, data); err != nil {
		return errors.WrapDispatch(err, "Engine", "publishEvents", "publish events")
	}
	return nil
}

// ownerResolver looks up trigger sensors and their owners once per evaluation.
type ownerResolver struct {
	sensors storage.SensorRepository
	users   storage.UserRepository
	logger  *slog.Logger
	cache   map[message.SensorID]resolvedOwner
}

type resolvedOwner struct {
	sensor *storage.Sensor
	owner  *storage.User
}

func newOwnerResolver(sensors storage.SensorRepository, users storage.UserRepository, logger *slog.Logger) *ownerResolver {
	return &ownerResolver{sensors: sensors, users: users, logger: logger, cache: make(map[message.SensorID]resolvedOwner)}
}

func (r *ownerResolver) resolve(ctx context.Context, id message.SensorID) (*storage.Sensor, *storage.User) {
	if cached, ok := r.cache[id]; ok {
		return cached.sensor, cached.owner
	}

	var resolved resolvedOwner
	sensor, err := r.sensors.GetSensor(ctx, id)
	switch {
	case err != nil:
		r.logger.Warn("Failed to look up trigger sensor", "sensor", id.String(), "error", err)
	case sensor == nil:
		r.logger.Debug("Trigger sensor not found", "sensor", id.String())
	default:
		resolved.sensor = sensor
		owner, err := r.users.GetUser(ctx, sensor.Owner)
		if err != nil {
			r.logger.Warn("Failed to look up sensor owner", "sensor", id.String(), "error", err)
		}
		resolved.owner = owner
	}

	r.cache[id] = resolved
	return resolved.sensor, resolved.owner
}

type engineMetrics struct {
	matches    prometheus.Counter
	dispatched *prometheus.CounterVec
	duration   prometheus.Histogram
}

func newEngineMetrics(registry *metric.MetricsRegistry) (*engineMetrics, error) {
	m := &engineMetrics{
		matches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "trigger", Name: "matches_total",
			Help: "Total trigger matches after deduplication",
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "trigger", Name: "actions_total",
			Help: "Total trigger actions dispatched by channel and outcome",
		}, []string{"channel", "status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace, Subsystem: "trigger", Name: "evaluation_duration_seconds",
			Help:    "Time spent evaluating and dispatching one batch",
			Buckets: prometheus.DefBuckets,
		}),
	}

	const service = "trigger_engine"
	if err := registry.RegisterCounter(service, "matches_total", m.matches); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "actions_total", m.dispatched); err != nil {
		registry.Unregister(service, "matches_total")
		return nil, err
	}
	if err := registry.RegisterHistogram(service, "evaluation_duration_seconds", m.duration); err != nil {
		registry.Unregister(service, "matches_total")
		registry.Unregister(service, "actions_total")
		return nil, err
	}
	return m, nil
}
