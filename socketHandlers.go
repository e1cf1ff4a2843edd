package main

import (
	"log"
	"time"

	socketio "github.com/googollee/go-socket.io"

	"bci-flight/control"
	"bci-flight/models"
	"bci-flight/session"
)

// telemetryController pushes the decision core's live state to dashboard
// clients and accepts the operator's force-land request. Broadcasts run on
// the session's flow goroutines, so they only hand data to socket.io.
type telemetryController struct {
	server *socketio.Server
	sess   *session.Session
}

func newTelemetryController(server *socketio.Server) *telemetryController {
	return &telemetryController{server: server}
}

// bind attaches the session after construction; the session's hooks need the
// controller and the controller needs the session.
func (c *telemetryController) bind(sess *session.Session) {
	c.sess = sess
}

// hooks builds the session callbacks that feed the dashboard.
func (c *telemetryController) hooks() session.Hooks {
	return session.Hooks{
		OnTick:      c.broadcastTick,
		OnSustained: c.broadcastSustained,
		OnDecision:  c.broadcastDecision,
		OnPhase:     c.broadcastPhase,
	}
}

func (c *telemetryController) broadcastTick(batch models.ResultBatch) {
	c.server.BroadcastToNamespace("/", "prediction", batch)
}

func (c *telemetryController) broadcastSustained(event control.SustainedEvent) {
	c.server.BroadcastToNamespace("/", "sustainedEvent", event)
}

func (c *telemetryController) broadcastDecision(decision control.Decision) {
	c.server.BroadcastToNamespace("/", "decision", decision)
}

func (c *telemetryController) broadcastPhase(phase control.FlightPhase) {
	c.server.BroadcastToNamespace("/", "flightPhase", map[string]string{"phase": string(phase)})
}

func (c *telemetryController) emitSnapshot(socket socketio.Conn) {
	if c.sess == nil {
		return
	}
	socket.Emit("stateSnapshot", c.sess.Snapshot(time.Now()))
}

func (c *telemetryController) handleRequestState(socket socketio.Conn) {
	c.emitSnapshot(socket)
}

func (c *telemetryController) handleForceLand(socket socketio.Conn) {
	if c.sess == nil {
		return
	}
	log.Printf("force land requested by socket %s\n", socket.ID())
	c.sess.ForceLand(time.Now())
	c.emitSnapshot(socket)
}

// registerSocketHandlers wires the socket.io event surface.
func registerSocketHandlers(server *socketio.Server, controller *telemetryController) {
	server.OnConnect("/", func(socket socketio.Conn) error {
		socket.SetContext("")
		log.Printf("CONNECTED: %s, remote addr: %s\n", socket.ID(), socket.RemoteAddr())
		controller.emitSnapshot(socket)
		return nil
	})

	server.OnEvent("/", "requestState", func(socket socketio.Conn) {
		controller.handleRequestState(socket)
	})

	server.OnEvent("/", "forceLand", func(socket socketio.Conn) {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("panic in handleForceLand for socket %s: %v\n", socket.ID(), r)
				}
			}()
			controller.handleForceLand(socket)
		}()
	})

	server.OnError("/", func(s socketio.Conn, e error) {
		log.Println("meet error:", e)
	})

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		log.Printf("Socket disconnected - ID: %s, Reason: %s\n", s.ID(), reason)
	})
}
