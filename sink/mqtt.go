package sink

import (
	"encoding/json"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/mdobak/go-xerrors"

	"bci-flight/control"
	"bci-flight/models"
	"bci-flight/utils"
)

// MQTTMirror republishes every dispatched command on an MQTT topic so other
// systems (recorders, dashboards) can observe the command stream. It wraps a
// primary sink; mirror publish failures are logged, never propagated.
type MQTTMirror struct {
	primary Sink
	client  mqtt.Client
	topic   string
}

// MirrorConfig configures the command mirror.
type MirrorConfig struct {
	Broker   string
	ClientID string
	Topic    string
}

func NewMQTTMirror(primary Sink, cfg MirrorConfig) (*MQTTMirror, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, xerrors.New("command mirror connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, xerrors.New("command mirror connect", err)
	}
	utils.GetLogger().Info("command mirror connected",
		slog.String("broker", cfg.Broker), slog.String("topic", cfg.Topic))
	return &MQTTMirror{primary: primary, client: client, topic: cfg.Topic}, nil
}

func (m *MQTTMirror) publish(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	token := m.client.Publish(m.topic, 0, false, data)
	go func() {
		if token.Wait(); token.Error() != nil {
			utils.GetLogger().Warn("command mirror publish failed",
				slog.Any("error", xerrors.New(token.Error())))
		}
	}()
}

func (m *MQTTMirror) SendDecision(decision control.Decision) error {
	m.publish(decision)
	return m.primary.SendDecision(decision)
}

func (m *MQTTMirror) SendVelocity(cmd models.VelocityCommand) error {
	// Streaming samples are not mirrored; at 10-15 Hz they would drown the
	// topic without adding review value.
	return m.primary.SendVelocity(cmd)
}

func (m *MQTTMirror) SendRotation(cmd control.RotationCommand) error {
	m.publish(cmd)
	return m.primary.SendRotation(cmd)
}

func (m *MQTTMirror) Close() error {
	m.client.Disconnect(1000)
	return m.primary.Close()
}
