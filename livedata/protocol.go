package livedata

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/sensate-iot/platform-network/errors"
	"github.com/sensate-iot/platform-network/message"
	"github.com/sensate-iot/platform-network/storage"
)

// Socket requests
const (
	RequestAuth        = "auth"
	RequestSubscribe   = "subscribe"
	RequestUnsubscribe = "unsubscribe"
)

// Request is the envelope of every client frame.
type Request struct {
	Request string          `json:"request"`
	Data    json.RawMessage `json:"data"`
}

// SubscribeRequest asks for the live data of one sensor. SensorSecret is
// the hex SHA-256 of this request serialized with the sensor secret in
// place of the hash. Field order is part of that serialization.
type SubscribeRequest struct {
	SensorID     string `json:"sensorId"`
	SensorSecret string `json:"sensorSecret"`
	Timestamp    string `json:"timestamp"`
}

// SubscriptionHash computes the sensorSecret a client must send for req.
func SubscriptionHash(req SubscribeRequest, secret string) string {
	req.SensorSecret = secret

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(req)

	sum := sha256.Sum256(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return hex.EncodeToString(sum[:])
}

// handleRequest applies one client frame. Unauthorized errors close the
// socket; anything else is logged and the socket stays open.
func (s *Server) handleRequest(ctx context.Context, c *Client, data []byte) error {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return errors.WrapInvalid(err, "Server", "handleRequest", "unmarshal request")
	}

	if req.Request != RequestAuth && !c.authorized() {
		return errors.WrapInvalid(errors.ErrUnauthorized, "Server", "handleRequest", "reject "+req.Request)
	}

	switch req.Request {
	case RequestAuth:
		return s.auth(c, req.Data)
	case RequestSubscribe:
		return s.subscribe(ctx, c, req.Data)
	case RequestUnsubscribe:
		return s.unsubscribe(c, req.Data)
	default:
		return errors.WrapInvalid(errors.ErrInvalidData, "Server", "handleRequest", "dispatch "+req.Request)
	}
}

func (s *Server) auth(c *Client, data json.RawMessage) error {
	var token string
	if err := json.Unmarshal(data, &token); err != nil {
		c.setState(StateUnauthorized, "")
		return errors.WrapUnauthorized(err, "Server", "auth", "unmarshal token")
	}
	userID, err := s.tokens.Authenticate(token)
	if err != nil {
		c.setState(StateUnauthorized, "")
		return err
	}
	c.setState(StateAuthorized, userID)
	return nil
}

func (s *Server) subscribe(ctx context.Context, c *Client, data json.RawMessage) error {
	if !c.limiter.Allow() {
		return errors.WrapTransient(errors.ErrRateLimited, "Server", "subscribe", "check rate")
	}

	var req SubscribeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errors.WrapInvalid(err, "Server", "subscribe", "unmarshal subscription")
	}
	id, err := message.ParseSensorID(req.SensorID)
	if err != nil {
		return errors.WrapInvalid(err, "Server", "subscribe", "parse sensor ID")
	}
	ts, err := time.Parse(time.RFC3339Nano, req.Timestamp)
	if err != nil {
		return errors.WrapInvalid(err, "Server", "subscribe", "parse timestamp")
	}
	if ts.Add(s.cfg.Skew).Before(s.now()) {
		return errors.WrapUnauthorized(errors.ErrTimestampSkewed, "Server", "subscribe", "check timestamp")
	}

	sensor, err := s.sensors.GetSensor(ctx, id)
	if err != nil {
		return errors.WrapStorage(err, "Server", "subscribe", "look up sensor")
	}
	if sensor == nil {
		return errors.WrapUnauthorized(errors.ErrSensorNotFound, "Server", "subscribe", "look up sensor")
	}

	computed := SubscriptionHash(req, sensor.Secret)
	if subtle.ConstantTimeCompare([]byte(computed), []byte(req.SensorSecret)) != 1 {
		ok, err := storage.CanAccess(ctx, s.links, sensor, c.UserID())
		if err != nil {
			return errors.WrapStorage(err, "Server", "subscribe", "check sensor links")
		}
		if !ok {
			return errors.WrapUnauthorized(errors.ErrSecretMismatched, "Server", "subscribe", "authorize sensor")
		}
	}

	c.track(id)
	if s.subs.Add(c.kind, id, c) {
		// routers learn about a new sensor before the next tick
		s.requestSync()
	}
	s.metrics.subscribed(c.kind, s.subs.Len(c.kind))
	s.logger.Debug("Sensor subscribed", "client", c.id, "sensor", id.String(), "kind", c.kind.String())
	return nil
}

func (s *Server) unsubscribe(c *Client, data json.RawMessage) error {
	var req SubscribeRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return errors.WrapInvalid(err, "Server", "unsubscribe", "unmarshal subscription")
	}
	id, err := message.ParseSensorID(req.SensorID)
	if err != nil {
		return errors.WrapInvalid(err, "Server", "unsubscribe", "parse sensor ID")
	}

	if c.untrack(id) {
		s.subs.Remove(c.kind, id, c)
		s.metrics.subscribed(c.kind, s.subs.Len(c.kind))
		s.logger.Debug("Sensor unsubscribed", "client", c.id, "sensor", id.String())
	}
	return nil
}
