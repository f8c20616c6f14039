// Package mqttrpc answers prediction requests published over MQTT.
//
// Requests arrive on <prefix>/predict/request as JSON carrying a base64
// image; the response is published to <prefix>/predict/response/<requestId>.
package mqttrpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/leftright/internal/logging"
	"github.com/example/leftright/internal/photo"
	"github.com/example/leftright/internal/usecase"
)

// Predictor is implemented by *usecase.PredictionUseCase.
type Predictor interface {
	Predict(ctx context.Context, userID, source string, imageBytes []byte) (*usecase.Outcome, error)
}

// Request is the JSON body of a prediction request.
type Request struct {
	RequestID string `json:"requestId"`
	UserID    string `json:"userId"`
	Payload   string `json:"payload"`
}

// Response is published once per request.
type Response struct {
	RequestID     string    `json:"requestId"`
	PredictionID  string    `json:"predictionId,omitempty"`
	Label         string    `json:"label,omitempty"`
	Index         int       `json:"index"`
	Found         bool      `json:"found"`
	Probabilities []float32 `json:"probabilities,omitempty"`
	Text          string    `json:"text,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// RequestTopic is where requests are read from.
func RequestTopic(prefix string) string { return prefix + "/predict/request" }

// ResponseTopic is where the answer to requestID is published.
func ResponseTopic(prefix, requestID string) string {
	return prefix + "/predict/response/" + requestID
}

// NewClientOptions returns broker options with a random client id.
func NewClientOptions(broker string) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID("leftright-" + uuid.NewString())
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(5 * time.Second)
	opts.SetConnectTimeout(30 * time.Second)
	opts.SetAutoReconnect(true)
	return opts
}

// Server subscribes to the request topic and answers each request.
type Server struct {
	client    mqtt.Client
	prefix    string
	predictor Predictor
	logger    *zap.Logger
	timeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// New returns a Server. Each request gets timeout to complete.
func New(client mqtt.Client, prefix string, predictor Predictor, timeout time.Duration, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		client:    client,
		prefix:    prefix,
		predictor: predictor,
		logger:    logger.Named("mqtt_rpc"),
		timeout:   timeout,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the request topic. The client must be connected.
func (s *Server) Start() error {
	topic := RequestTopic(s.prefix)
	token := s.client.Subscribe(topic, 1, func(c mqtt.Client, m mqtt.Message) {
		s.dispatch(c, m.Payload())
	})
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		return fmt.Errorf("subscribe %s: %v", topic, token.Error())
	}
	s.logger.Info("subscribed", zap.String("topic", topic))
	return nil
}

// dispatch answers payload on its own goroutine. Requests arriving after
// Stop are dropped.
func (s *Server) dispatch(c mqtt.Client, payload []byte) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.logger.Debug("dropping request received after stop", zap.Int("bytes", len(payload)))
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.reply(c, payload)
	}()
	return true
}

func (s *Server) reply(c mqtt.Client, payload []byte) {
	resp := s.Handle(s.ctx, payload)
	if resp.RequestID == "" {
		return
	}
	body, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
		return
	}
	topic := ResponseTopic(s.prefix, resp.RequestID)
	token := c.Publish(topic, 1, false, body)
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		logging.WithOperation(s.logger, "mqtt.publish", resp.RequestID).Error("failed to publish response", zap.Error(token.Error()))
		return
	}
	logging.WithOperation(s.logger, "mqtt.publish", resp.RequestID).Debug("response published", zap.String("topic", topic))
}

// Handle turns one raw request into its response. Requests without an id
// cannot be answered and yield a zero Response.
func (s *Server) Handle(ctx context.Context, payload []byte) Response {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil || req.RequestID == "" {
		s.logger.Warn("dropping malformed request", zap.Int("bytes", len(payload)))
		return Response{}
	}
	opLogger := logging.WithOperation(s.logger, "mqtt.handle", req.RequestID)

	resp := Response{RequestID: req.RequestID, Index: -1}
	data, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		resp.Error = "payload is not valid base64"
		return resp
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	out, err := s.predictor.Predict(ctx, req.UserID, usecase.SourceMQTT, data)
	if err != nil {
		opLogger.Warn("prediction failed", zap.Error(err))
		if errors.Is(err, photo.ErrNoImage) {
			resp.Error = photo.ErrNoImage.Error()
		} else {
			resp.Error = "prediction failed"
		}
		return resp
	}

	resp.PredictionID = out.RequestID
	resp.Label = out.Prediction.Label
	resp.Index = out.Prediction.Index
	resp.Found = out.Prediction.Found
	resp.Probabilities = out.Prediction.Probabilities
	resp.Text = out.Text
	return resp
}

// Stop unsubscribes, cancels in-flight predictions and waits for them.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	token := s.client.Unsubscribe(RequestTopic(s.prefix))
	token.WaitTimeout(5 * time.Second)
	s.cancel()
	s.wg.Wait()
}
