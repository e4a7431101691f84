package trigger

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/gateway"
	"github.com/sensate-iot/platform-network/message"
	"github.com/sensate-iot/platform-network/storage"
)

const maxAdminRequestSize = 1 << 20

// AdminHandler serves the trigger administration API. Callers authenticate
// with an API key and may only manage triggers of sensors they can access.
type AdminHandler struct {
	triggers Repository
	sensors  storage.SensorRepository
	links    storage.SensorLinkRepository
	keys     storage.APIKeyRepository
	cascade  *SensorCascade
	patterns *Patterns
	logger   *slog.Logger
}

// NewAdminHandler creates the admin API handler. Deleting a sensor through
// it also removes the sensor's triggers and buckets.
func NewAdminHandler(triggers Repository, store storage.Store, buckets BucketDeleter, patterns *Patterns,
	logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{
		triggers: triggers,
		sensors:  store,
		links:    store,
		keys:     store,
		cascade:  NewSensorCascade(store, triggers, buckets, logger),
		patterns: patterns,
		logger:   logger.With("component", "trigger-admin"),
	}
}

// Routes returns the admin router.
func (h *AdminHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(gateway.RequestID)
	r.Use(gateway.APIKeyAuth(h.keys, h.logger))

	r.Route("/triggers", func(r chi.Router) {
		r.Post("/", h.createTrigger)
		r.Get("/{id}", h.getTrigger)
		r.Delete("/{id}", h.deleteTrigger)
		r.Post("/{id}/actions", h.addAction)
	})
	r.Delete("/sensors/{id}", h.deleteSensor)
	return r
}

func (h *AdminHandler) createTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var t Trigger
	if err := gateway.DecodeJSON(r, maxAdminRequestSize, &t); err != nil {
		gateway.WriteError(w, err)
		return
	}
	if err := t.Validate(h.patterns); err != nil {
		gateway.WriteError(w, err)
		return
	}
	if err := h.authorize(ctx, &t); err != nil {
		gateway.WriteError(w, err)
		return
	}

	actions := t.Actions
	t.Actions = nil
	for i := range actions {
		if err := ValidateAction(ctx, h.sensors, h.links, &t, &actions[i]); err != nil {
			gateway.WriteError(w, err)
			return
		}
		t.Actions = append(t.Actions, actions[i])
	}

	if err := h.triggers.CreateTrigger(ctx, &t); err != nil {
		h.writeRepositoryError(w, err, "CreateTrigger")
		return
	}
	h.logger.Info("Trigger created", "trigger", t.ID, "sensor", t.SensorID.String(), "actions", len(t.Actions))
	gateway.WriteJSON(w, http.StatusCreated, t)
}

func (h *AdminHandler) getTrigger(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadAuthorized(w, r)
	if !ok {
		return
	}
	gateway.WriteJSON(w, http.StatusOK, t)
}

func (h *AdminHandler) deleteTrigger(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadAuthorized(w, r)
	if !ok {
		return
	}
	if err := h.triggers.DeleteTrigger(r.Context(), t.ID); err != nil {
		h.writeRepositoryError(w, err, "DeleteTrigger")
		return
	}
	h.logger.Info("Trigger deleted", "trigger", t.ID, "sensor", t.SensorID.String())
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) addAction(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadAuthorized(w, r)
	if !ok {
		return
	}

	var a Action
	if err := gateway.DecodeJSON(r, maxAdminRequestSize, &a); err != nil {
		gateway.WriteError(w, err)
		return
	}
	a.ID = 0
	a.TriggerID = t.ID
	a.LastInvocation = nil
	if err := ValidateAction(r.Context(), h.sensors, h.links, t, &a); err != nil {
		gateway.WriteError(w, err)
		return
	}
	if err := h.triggers.AddAction(r.Context(), &a); err != nil {
		h.writeRepositoryError(w, err, "AddAction")
		return
	}
	gateway.WriteJSON(w, http.StatusCreated, a)
}

// deleteSensor removes a sensor with its triggers and buckets. Only the
// owner may delete a sensor; linked users may not.
func (h *AdminHandler) deleteSensor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := message.ParseSensorID(chi.URLParam(r, "id"))
	if err != nil {
		gateway.WriteError(w, err)
		return
	}

	key, _ := gateway.APIKeyFrom(ctx)
	if key == nil {
		gateway.WriteError(w, errors.WrapUnauthorized(errors.ErrUnauthorized, "AdminHandler", "deleteSensor", "read API key"))
		return
	}
	sensor, err := h.sensors.GetSensor(ctx, id)
	if err != nil {
		h.writeRepositoryError(w, err, "GetSensor")
		return
	}
	if sensor == nil {
		gateway.WriteJSON(w, http.StatusNotFound, map[string]any{"error": "sensor not found", "status": http.StatusNotFound})
		return
	}
	if sensor.Owner != key.UserID {
		gateway.WriteError(w, errors.WrapUnauthorized(errors.ErrUnauthorized, "AdminHandler", "deleteSensor", "check owner"))
		return
	}

	if err := h.cascade.DeleteSensor(ctx, id); err != nil {
		h.writeRepositoryError(w, err, "DeleteSensor")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// loadAuthorized resolves the {id} trigger and checks access to its sensor.
// It writes the error response itself.
func (h *AdminHandler) loadAuthorized(w http.ResponseWriter, r *http.Request) (*Trigger, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		gateway.WriteError(w, errors.WrapInvalid(errors.ErrInvalidData, "AdminHandler", "loadAuthorized", "parse trigger ID"))
		return nil, false
	}

	t, err := h.triggers.GetTrigger(r.Context(), id)
	if err != nil {
		h.writeRepositoryError(w, err, "GetTrigger")
		return nil, false
	}
	if t == nil {
		gateway.WriteJSON(w, http.StatusNotFound, map[string]any{"error": "trigger not found", "status": http.StatusNotFound})
		return nil, false
	}
	if err := h.authorize(r.Context(), t); err != nil {
		gateway.WriteError(w, err)
		return nil, false
	}
	return t, true
}

func (h *AdminHandler) authorize(ctx context.Context, t *Trigger) error {
	key, _ := gateway.APIKeyFrom(ctx)
	if key == nil {
		return errors.WrapUnauthorized(errors.ErrUnauthorized, "AdminHandler", "authorize", "read API key")
	}

	sensor, err := h.sensors.GetSensor(ctx, t.SensorID)
	if err != nil {
		return errors.WrapStorage(err, "AdminHandler", "authorize", "look up sensor")
	}
	if sensor == nil {
		return errors.WrapInvalid(errors.ErrSensorNotFound, "AdminHandler", "authorize", "look up sensor")
	}

	ok, err := storage.CanAccess(ctx, h.links, sensor, key.UserID)
	if err != nil {
		return errors.WrapStorage(err, "AdminHandler", "authorize", "check sensor link")
	}
	if !ok {
		return errors.WrapUnauthorized(errors.ErrUnauthorized, "AdminHandler", "authorize", "check sensor access")
	}
	return nil
}

func (h *AdminHandler) writeRepositoryError(w http.ResponseWriter, err error, op string) {
	if _, classified := errors.ClassOf(err); !classified {
		err = errors.WrapStorage(err, "AdminHandler", op, "access trigger repository")
	}
	h.logger.Warn("Trigger repository call failed", "operation", op, "error", err)
	gateway.WriteError(w, err)
}
