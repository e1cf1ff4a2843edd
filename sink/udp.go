package sink

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/mdobak/go-xerrors"

	"bci-flight/control"
	"bci-flight/models"
	"bci-flight/utils"
)

// UDPSink writes JSON command datagrams to the vehicle process. Each command
// is one datagram; there is no framing and no acknowledgement on this path.
// Completion feedback comes back over HTTP.
type UDPSink struct {
	mu   sync.Mutex
	conn *net.UDPConn
	addr string
}

func NewUDPSink(addr string) (*UDPSink, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, xerrors.New("resolve vehicle address", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, xerrors.New("dial vehicle", err)
	}
	utils.GetLogger().Info("vehicle command sink ready", slog.String("addr", addr))
	return &UDPSink{conn: conn, addr: addr}, nil
}

func (s *UDPSink) send(msg models.CommandMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return xerrors.New("encode command", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.conn.Write(data); err != nil {
		return xerrors.New("send command", err)
	}
	return nil
}

func (s *UDPSink) SendDecision(decision control.Decision) error {
	return s.send(models.CommandMessage{
		Command:          decision.Command,
		SourceClass:      decision.SourceClass,
		SourceClassifier: decision.SourceClassifier,
		Confidence:       decision.Confidence,
		Degrees:          decision.Degrees,
		Timestamp:        time.Now().UnixMilli(),
	})
}

// SendVelocity packs the sample into the vehicle's four-axis RC string:
// roll and throttle stay zero, pitch is forward, yaw is rotation.
func (s *UDPSink) SendVelocity(cmd models.VelocityCommand) error {
	return s.send(models.CommandMessage{
		Command: control.CommandStreaming,
		Params:  fmt.Sprintf("rc 0 %d 0 %d", cmd.Forward, cmd.Rotation),
	})
}

func (s *UDPSink) SendRotation(cmd control.RotationCommand) error {
	return s.send(models.CommandMessage{
		Command:   cmd.Command,
		Degrees:   cmd.Degrees,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *UDPSink) Close() error {
	return s.conn.Close()
}
