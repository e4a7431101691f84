package router

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sensate-iot/platform-network/bucket"
	"github.com/sensate-iot/platform-network/bus"
	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/message"
	"github.com/sensate-iot/platform-network/storage"
	"github.com/sensate-iot/platform-network/trigger"
)

// MeasurementStore persists measurements per sensor and reports where each
// one was stored.
type MeasurementStore interface {
	Store(ctx context.Context, measurements map[message.SensorID][]message.Measurement) (bucket.Placement, error)
}

// Evaluator matches routed data against triggers.
type Evaluator interface {
	EvaluateMeasurements(ctx context.Context, measurements map[message.SensorID][]message.Measurement,
		locate trigger.PlacementFunc) ([]trigger.Event, error)
	EvaluateMessages(ctx context.Context, messages map[message.SensorID][]message.Message) ([]trigger.Event, error)
}

var _ Evaluator = (*trigger.Engine)(nil)

// Processor handles one drained batch: measurements are stored and matched
// concurrently, messages are matched, and everything is published to the bus
// and forwarded to the live data instances with subscribers.
type Processor struct {
	store     MeasurementStore
	evaluator Evaluator
	sensors   storage.SensorRepository
	publisher bus.Publisher
	routes    RouteTable
	logger    *slog.Logger
	metrics   *routerMetrics
}

// NewProcessor creates a processor. evaluator, sensors and routes may be nil:
// without an evaluator no triggers run, without sensors every well formed ID
// is accepted and without routes nothing is forwarded to live data.
func NewProcessor(store MeasurementStore, evaluator Evaluator, sensors storage.SensorRepository,
	publisher bus.Publisher, routes RouteTable, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:     store,
		evaluator: evaluator,
		sensors:   sensors,
		publisher: publisher,
		routes:    routes,
		logger:    logger.With("component", "router-processor"),
	}
}

// Process handles items. Failures of one stage are logged, counted and
// returned joined; they never stop the other stages.
func (p *Processor) Process(ctx context.Context, items []message.Routable) error {
	began := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.batchDuration.Observe(time.Since(began).Seconds())
		}
	}()

	measurements, messages, controls := message.Partition(p.accept(ctx, items))

	var errs []error
	if len(measurements) > 0 {
		errs = append(errs, p.processMeasurements(ctx, measurements))
	}
	if len(messages) > 0 {
		errs = append(errs, p.processMessages(ctx, messages))
	}
	if len(controls) > 0 {
		errs = append(errs, p.processControlMessages(ctx, controls))
	}
	return stderrors.Join(errs...)
}

// accept drops items with a zero sensor ID and, when a sensor repository is
// set, items of sensors that do not exist.
func (p *Processor) accept(ctx context.Context, items []message.Routable) []message.Routable {
	known := make(map[message.SensorID]bool)
	accepted := make([]message.Routable, 0, len(items))
	invalid, unknown := 0, 0

	for _, item := range items {
		if item == nil || item.Sensor().IsZero() {
			invalid++
			continue
		}
		id := item.Sensor()
		ok, seen := known[id]
		if !seen {
			ok = p.sensorExists(ctx, id)
			known[id] = ok
		}
		if !ok {
			unknown++
			continue
		}
		accepted = append(accepted, item)
	}

	p.metrics.drop(dropReasonInvalidSensor, invalid)
	p.metrics.drop(dropReasonUnknownSensor, unknown)
	if invalid+unknown > 0 {
		p.logger.Warn("Dropped routed items", "invalid_sensor", invalid, "unknown_sensor", unknown)
	}
	return accepted
}

// sensorExists keeps items whose lookup fails; dropping them would lose data
// on a transient repository error.
func (p *Processor) sensorExists(ctx context.Context, id message.SensorID) bool {
	if p.sensors == nil {
		return true
	}
	sensor, err := p.sensors.GetSensor(ctx, id)
	if err != nil {
		p.logger.Warn("Sensor lookup failed", "sensor", id.String(), "error", err)
		return true
	}
	return sensor != nil
}

func (p *Processor) processMeasurements(ctx context.Context, measurements []message.Measurement) error {
	order, groups := message.GroupBySensor(measurements)

	var (
		placement bucket.Placement
		storeErr  error
		matchErr  error
		stored    = make(chan struct{})
	)
	// The evaluator matches while the store writes and only waits for the
	// placement when it has matches to record.
	locate := func(ctx context.Context) (bucket.Placement, error) {
		select {
		case <-stored:
			return placement, storeErr
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		defer close(stored)
		if placement, storeErr = p.store.Store(ctx, groups); storeErr != nil {
			p.metrics.fail("store")
			p.logger.Error("Unable to store measurements", "sensors", len(order), "error", storeErr)
		}
		return nil
	})
	if p.evaluator != nil {
		g.Go(func() error {
			if _, matchErr = p.evaluator.EvaluateMeasurements(ctx, groups, locate); matchErr != nil {
				p.metrics.fail("trigger")
				p.logger.Error("Unable to evaluate measurement triggers", "sensors", len(order), "error", matchErr)
			}
			return nil
		})
	}
	_ = g.Wait()

	batches := make([]message.MeasurementBatch, 0, len(order))
	for _, id := range order {
		batches = append(batches, message.MeasurementBatch{SensorID: id, Measurements: groups[id]})
	}

	publishErr := p.publish(ctx, bus.SubjectBulkMeasurements, batches)
	forwardErr := forward(ctx, p, message.KindMeasurement, batches,
		func(b message.MeasurementBatch) message.SensorID { return b.SensorID },
		func(b message.MeasurementBatch) int { return len(b.Measurements) })

	return stderrors.Join(storeErr, matchErr, publishErr, forwardErr)
}

func (p *Processor) processMessages(ctx context.Context, messages []message.Message) error {
	order, groups := message.GroupBySensor(messages)

	var matchErr error
	if p.evaluator != nil {
		if _, matchErr = p.evaluator.EvaluateMessages(ctx, groups); matchErr != nil {
			p.metrics.fail("trigger")
			p.logger.Error("Unable to evaluate message triggers", "sensors", len(order), "error", matchErr)
		}
	}

	batches := make([]message.MessageBatch, 0, len(order))
	for _, id := range order {
		batches = append(batches, message.MessageBatch{SensorID: id, Messages: groups[id]})
	}

	publishErr := p.publish(ctx, bus.SubjectBulkMessages, batches)
	forwardErr := forward(ctx, p, message.KindMessage, batches,
		func(b message.MessageBatch) message.SensorID { return b.SensorID },
		func(b message.MessageBatch) int { return len(b.Messages) })

	return stderrors.Join(matchErr, publishErr, forwardErr)
}

// processControlMessages sends MQTT control messages to the actuator subject
// of their sensor and forwards live data control messages to the sockets
// subscribed to the sensor.
func (p *Processor) processControlMessages(ctx context.Context, controls []message.ControlMessage) error {
	var live []message.ControlMessage
	var errs []error

	for _, cm := range controls {
		if cm.Destination == message.DestinationLiveData {
			live = append(live, cm)
			continue
		}
		data, err := json.Marshal(cm.ToWire())
		if err != nil {
			errs = append(errs, errors.WrapInvalid(err, "Processor", "processControlMessages", "marshal control message"))
			continue
		}
		if err := p.publisher.Publish(ctx, bus.ActuatorSubject(cm.SensorID), data); err != nil {
			p.metrics.fail("actuator")
			p.logger.Warn("Unable to publish control message", "sensor", cm.SensorID.String(), "error", err)
			errs = append(errs, errors.WrapDispatch(err, "Processor", "processControlMessages", "publish control message"))
		}
	}

	order, groups := message.GroupBySensor(controls)
	batches := make([]message.ControlMessageBatch, 0, len(order))
	for _, id := range order {
		batches = append(batches, message.ControlMessageBatch{SensorID: id, Messages: groups[id]})
	}
	errs = append(errs, p.publish(ctx, bus.SubjectControlMessages, batches))

	if len(live) > 0 {
		liveOrder, liveGroups := message.GroupBySensor(live)
		liveBatches := make([]message.ControlMessageBatch, 0, len(liveOrder))
		for _, id := range liveOrder {
			liveBatches = append(liveBatches, message.ControlMessageBatch{SensorID: id, Messages: liveGroups[id]})
		}
		errs = append(errs, forward(ctx, p, message.KindControl, liveBatches,
			func(b message.ControlMessageBatch) message.SensorID { return b.SensorID },
			func(b message.ControlMessageBatch) int { return len(b.Messages) }))
	}

	return stderrors.Join(errs...)
}

func (p *Processor) publish(ctx context.Context, subject string, payload any) error {
	data, err := bus.Encode(payload)
	if err != nil {
		p.metrics.fail("encode")
		return errors.WrapInvalid(err, "Processor", "publish", "encode "+subject)
	}
	if err := p.publisher.Publish(ctx, subject, data); err != nil {
		p.metrics.fail("publish")
		p.logger.Warn("Unable to publish batch", "subject", subject, "error", err)
		return errors.WrapDispatch(err, "Processor", "publish", "publish "+subject)
	}
	return nil
}

// forward publishes to every live data target the batches of the sensors it
// holds subscribers for.
func forward[B any](ctx context.Context, p *Processor, kind message.Kind, batches []B,
	sensorOf func(B) message.SensorID, sizeOf func(B) int) error {
	if p.routes == nil || len(batches) == 0 {
		return nil
	}

	var errs []error
	byTarget := make(map[string][]B)
	for _, b := range batches {
		targets, err := p.routes.Targets(ctx, sensorOf(b))
		if err != nil {
			p.metrics.fail("routes")
			errs = append(errs, err)
			continue
		}
		for _, target := range targets {
			byTarget[target] = append(byTarget[target], b)
		}
	}

	targets := make([]string, 0, len(byTarget))
	for target := range byTarget {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	for _, target := range targets {
		list := byTarget[target]
		if err := p.publish(ctx, bus.LiveSubject(target, kind), list); err != nil {
			errs = append(errs, err)
			continue
		}
		n := 0
		for _, b := range list {
			n += sizeOf(b)
		}
		p.metrics.forward(kind.String(), n)
	}
	return stderrors.Join(errs...)
}
