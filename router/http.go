package router

import (
	"crypto/subtle"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/gateway"
	"github.com/sensate-iot/platform-network/message"
	"github.com/sensate-iot/platform-network/storage"
)

// Routing response messages
const (
	MeasurementQueued       = "Measurements queued."
	MeasurementsNotQueued   = "Measurements not queued. Invalid sensor ID."
	MessageQueued           = "Message queued."
	MessagesQueued          = "Messages queued."
	MessagesNotQueued       = "Messages not queued. Invalid sensor ID."
	ControlMessageQueued    = "Control message queued."
	ControlMessageNotQueued = "Control message not queued. Invalid sensor ID."
)

// RoutingResponse is returned by every ingress call.
type RoutingResponse struct {
	Count      int       `json:"count"`
	Message    string    `json:"message"`
	ResponseID uuid.UUID `json:"responseID"`
}

func newResponse(count int, msg string) RoutingResponse {
	return RoutingResponse{Count: count, Message: msg, ResponseID: uuid.New()}
}

type measurementRequest struct {
	SensorID  string                       `json:"sensorId"`
	Timestamp time.Time                    `json:"timestamp"`
	Location  *message.Location            `json:"location,omitempty"`
	Data      map[string]message.DataPoint `json:"data"`
}

type bulkMeasurementRequest struct {
	Measurements []measurementRequest `json:"measurements"`
}

type messageRequest struct {
	SensorID  string            `json:"sensorId"`
	Timestamp time.Time         `json:"timestamp"`
	Location  *message.Location `json:"location,omitempty"`
	Data      string            `json:"data"`
}

type bulkMessageRequest struct {
	Messages []messageRequest `json:"messages"`
}

func (m measurementRequest) convert(now time.Time) (message.Measurement, error) {
	id, err := message.ParseSensorID(m.SensorID)
	if err != nil {
		return message.Measurement{}, err
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return message.Measurement{
		SensorID:     id,
		Timestamp:    ts.UTC(),
		PlatformTime: now,
		Location:     m.Location,
		Data:         m.Data,
	}, nil
}

func (m messageRequest) convert(now time.Time) (message.Message, error) {
	id, err := message.ParseSensorID(m.SensorID)
	if err != nil {
		return message.Message{}, err
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return message.Message{
		SensorID:     id,
		Timestamp:    ts.UTC(),
		PlatformTime: now,
		Location:     m.Location,
		Data:         m.Data,
	}, nil
}

// Handler returns the ingress API.
func (r *Router) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)
	mux.Use(gateway.RequestID)
	mux.Use(gateway.APIKeyAuth(r.store, r.logger))

	mux.Route("/network/v1", func(api chi.Router) {
		api.Post("/measurements", r.enqueueMeasurement)
		api.Post("/measurements/bulk", r.enqueueBulkMeasurements)
		api.Post("/messages", r.enqueueMessage)
		api.Post("/messages/bulk", r.enqueueBulkMessages)
		api.Post("/control", r.enqueueControlMessage)
	})
	return mux
}

func (r *Router) enqueueMeasurement(w http.ResponseWriter, req *http.Request) {
	var body measurementRequest
	if err := gateway.DecodeJSON(req, r.maxRequestSize, &body); err != nil {
		gateway.WriteError(w, err)
		return
	}

	m, err := body.convert(r.now().UTC())
	if err != nil {
		r.logger.Warn("Received measurement from an invalid sensor (ID)", "sensor", body.SensorID)
		gateway.WriteJSON(w, http.StatusOK, newResponse(0, MeasurementsNotQueued))
		return
	}

	if err := r.queue.Enqueue(m); err != nil {
		writeQueueError(w, err)
		return
	}
	r.metrics.request(message.KindMeasurement)
	gateway.WriteJSON(w, http.StatusOK, newResponse(1, MeasurementQueued))
}

func (r *Router) enqueueBulkMeasurements(w http.ResponseWriter, req *http.Request) {
	var body bulkMeasurementRequest
	if err := gateway.DecodeJSON(req, r.maxRequestSize, &body); err != nil {
		gateway.WriteError(w, err)
		return
	}

	now := r.now().UTC()
	items := make([]message.Routable, 0, len(body.Measurements))
	for _, dto := range body.Measurements {
		m, err := dto.convert(now)
		if err != nil {
			r.logger.Warn("Received measurements from an invalid sensor", "sensor", dto.SensorID)
			gateway.WriteJSON(w, http.StatusOK, newResponse(0, MeasurementsNotQueued))
			return
		}
		items = append(items, m)
	}

	if err := r.queue.EnqueueRange(items); err != nil {
		writeQueueError(w, err)
		return
	}
	r.metrics.request(message.KindMeasurement)
	gateway.WriteJSON(w, http.StatusOK, newResponse(len(items), MeasurementQueued))
}

func (r *Router) enqueueMessage(w http.ResponseWriter, req *http.Request) {
	var body messageRequest
	if err := gateway.DecodeJSON(req, r.maxRequestSize, &body); err != nil {
		gateway.WriteError(w, err)
		return
	}

	m, err := body.convert(r.now().UTC())
	if err != nil {
		r.logger.Warn("Received message from an invalid sensor (ID)", "sensor", body.SensorID)
		gateway.WriteJSON(w, http.StatusOK, newResponse(0, MessagesNotQueued))
		return
	}

	if err := r.queue.Enqueue(m); err != nil {
		writeQueueError(w, err)
		return
	}
	r.metrics.request(message.KindMessage)
	gateway.WriteJSON(w, http.StatusOK, newResponse(1, MessageQueued))
}

func (r *Router) enqueueBulkMessages(w http.ResponseWriter, req *http.Request) {
	var body bulkMessageRequest
	if err := gateway.DecodeJSON(req, r.maxRequestSize, &body); err != nil {
		gateway.WriteError(w, err)
		return
	}

	now := r.now().UTC()
	items := make([]message.Routable, 0, len(body.Messages))
	for _, dto := range body.Messages {
		m, err := dto.convert(now)
		if err != nil {
			r.logger.Warn("Received messages from an invalid sensor", "sensor", dto.SensorID)
			gateway.WriteJSON(w, http.StatusOK, newResponse(0, MessagesNotQueued))
			return
		}
		items = append(items, m)
	}

	if err := r.queue.EnqueueRange(items); err != nil {
		writeQueueError(w, err)
		return
	}
	r.metrics.request(message.KindMessage)
	gateway.WriteJSON(w, http.StatusOK, newResponse(len(items), MessagesQueued))
}

// enqueueControlMessage accepts a control message from a caller that can
// access the sensor or knows its secret.
func (r *Router) enqueueControlMessage(w http.ResponseWriter, req *http.Request) {
	var body message.ControlMessageWire
	if err := gateway.DecodeJSON(req, r.maxRequestSize, &body); err != nil {
		gateway.WriteError(w, err)
		return
	}

	cm, err := body.ToControlMessage()
	if err != nil {
		r.logger.Warn("Received control message for an invalid sensor (ID)", "sensor", body.SensorID)
		gateway.WriteJSON(w, http.StatusOK, newResponse(0, ControlMessageNotQueued))
		return
	}
	if cm.Destination != message.DestinationMQTT && cm.Destination != message.DestinationLiveData {
		gateway.WriteError(w, errors.WrapInvalid(errors.ErrInvalidData, "Router", "EnqueueControlMessage", "check destination"))
		return
	}

	if err := r.authorizeControl(req, cm); err != nil {
		gateway.WriteError(w, err)
		return
	}

	if err := r.queue.Enqueue(cm); err != nil {
		writeQueueError(w, err)
		return
	}
	r.metrics.request(message.KindControl)
	gateway.WriteJSON(w, http.StatusOK, newResponse(1, ControlMessageQueued))
}

func (r *Router) authorizeControl(req *http.Request, cm message.ControlMessage) error {
	ctx := req.Context()
	sensor, err := r.store.GetSensor(ctx, cm.SensorID)
	if err != nil {
		return errors.WrapStorage(err, "Router", "EnqueueControlMessage", "look up sensor")
	}
	if sensor == nil {
		return errors.WrapInvalid(errors.ErrSensorNotFound, "Router", "EnqueueControlMessage", "look up sensor")
	}
	if cm.Secret != "" && subtle.ConstantTimeCompare([]byte(cm.Secret), []byte(sensor.Secret)) == 1 {
		return nil
	}

	key, _ := gateway.APIKeyFrom(ctx)
	if key == nil {
		return errors.WrapUnauthorized(errors.ErrUnauthorized, "Router", "EnqueueControlMessage", "check API key")
	}
	ok, err := storage.CanAccess(ctx, r.store, sensor, key.UserID)
	if err != nil {
		return errors.WrapStorage(err, "Router", "EnqueueControlMessage", "check sensor access")
	}
	if !ok {
		return errors.WrapUnauthorized(errors.ErrUnauthorized, "Router", "EnqueueControlMessage", "check sensor access")
	}
	return nil
}

func writeQueueError(w http.ResponseWriter, err error) {
	if stderrors.Is(err, errors.ErrQueueClosed) {
		err = errors.WrapTransient(err, "Router", "Enqueue", "queue closed")
	}
	gateway.WriteError(w, err)
}
