package signal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/mdobak/go-xerrors"

	"bci-flight/models"
	"bci-flight/utils"
)

// MQTTConfig configures the prediction subscriber.
type MQTTConfig struct {
	Broker    string
	ClientID  string
	Topic     string // wildcard, classifier ID is the last topic segment
	QueueSize int
}

// predictionPayload is the wire form one classifier publishes per tick.
// Timestamps are unix milliseconds; zero means "stamp on arrival".
type predictionPayload struct {
	ClassifierID   string             `json:"classifierId,omitempty"`
	PredictedClass string             `json:"predictedClass"`
	Confidence     float64            `json:"confidence"`
	Probabilities  map[string]float64 `json:"probabilities"`
	Timestamp      int64              `json:"timestamp,omitempty"`
}

// MQTTSource subscribes to per-classifier prediction topics and delivers each
// message as a single-result batch. Malformed payloads are dropped silently;
// a full queue drops the oldest pending data in favour of the newest.
type MQTTSource struct {
	cfg     MQTTConfig
	client  mqtt.Client
	results chan models.ResultBatch
	done    chan struct{}
}

func NewMQTTSource(cfg MQTTConfig) *MQTTSource {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &MQTTSource{
		cfg:     cfg,
		results: make(chan models.ResultBatch, cfg.QueueSize),
		done:    make(chan struct{}),
	}
}

func (s *MQTTSource) Start() error {
	logger := utils.GetLogger()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	// Brokers disconnect duplicate client IDs; the suffix keeps two bridges
	// sharing the default config from fighting over the connection.
	opts.SetClientID(fmt.Sprintf("%s-%d", s.cfg.ClientID, utils.GenerateUniqueID()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = s.onConnect
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("prediction broker connection lost, reconnecting",
			slog.Any("error", xerrors.New(err)))
	}

	s.client = mqtt.NewClient(opts)
	logger.Info("connecting to prediction broker",
		slog.String("broker", s.cfg.Broker), slog.String("clientId", s.cfg.ClientID))

	token := s.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return xerrors.New("prediction broker connect timeout")
	}
	if err := token.Error(); err != nil {
		return xerrors.New("prediction broker connect", err)
	}
	return nil
}

// onConnect runs after every (re)connect, so the subscription survives broker
// restarts.
func (s *MQTTSource) onConnect(client mqtt.Client) {
	logger := utils.GetLogger()
	token := client.Subscribe(s.cfg.Topic, 0, s.onMessage)
	if !token.WaitTimeout(5 * time.Second) {
		logger.Error("prediction topic subscribe timeout", slog.String("topic", s.cfg.Topic))
		return
	}
	if err := token.Error(); err != nil {
		logger.Error("prediction topic subscribe failed",
			slog.String("topic", s.cfg.Topic), slog.Any("error", xerrors.New(err)))
		return
	}
	logger.Info("subscribed to prediction topic", slog.String("topic", s.cfg.Topic))
}

func (s *MQTTSource) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var payload predictionPayload
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		return
	}

	classifierID := payload.ClassifierID
	if classifierID == "" {
		classifierID = classifierFromTopic(msg.Topic())
	}

	result := models.ClassifierResult{
		ClassifierID:   classifierID,
		PredictedClass: payload.PredictedClass,
		Confidence:     payload.Confidence,
		Probabilities:  payload.Probabilities,
		Timestamp:      time.Now(),
	}
	if payload.Timestamp > 0 {
		result.Timestamp = time.UnixMilli(payload.Timestamp)
	}
	if !result.Valid() {
		return
	}

	batch := models.ResultBatch{
		Results:   map[string]models.ClassifierResult{classifierID: result},
		Timestamp: result.Timestamp,
	}
	select {
	case s.results <- batch:
	case <-s.done:
	default:
		// Queue full: drop the oldest batch so the newest tick wins.
		select {
		case <-s.results:
		default:
		}
		select {
		case s.results <- batch:
		default:
		}
	}
}

func (s *MQTTSource) Results() <-chan models.ResultBatch {
	return s.results
}

func (s *MQTTSource) Stop() {
	close(s.done)
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(1000)
	}
	utils.GetLogger().Info("prediction source stopped")
}

// classifierFromTopic takes the last segment of the topic as the classifier
// ID, e.g. bci/predictions/8_class.
func classifierFromTopic(topic string) string {
	if idx := strings.LastIndex(topic, "/"); idx >= 0 {
		return topic[idx+1:]
	}
	return topic
}
