package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"bci-flight/models"
	"bci-flight/utils"
)

// Simulated vehicle: listens for JSON command datagrams, tracks a flying
// flag, and reports takeoff/land completions back to the bridge over HTTP
// after a short transition delay.
type simDrone struct {
	mu          sync.Mutex
	flying      bool
	callbackURL string
	delay       time.Duration

	commands  int
	rcSamples int
}

func (d *simDrone) handle(msg models.CommandMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands++

	switch msg.Command {
	case "rc":
		d.rcSamples++
		if d.rcSamples%20 == 0 {
			fmt.Printf("rc stream: %s (%d samples)\n", msg.Params, d.rcSamples)
		}
	case "takeoff":
		fmt.Printf("TAKEOFF requested (class=%s confidence=%.2f)\n", msg.SourceClass, msg.Confidence)
		go d.complete("takeoff", func() { d.setFlying(true) })
	case "land":
		fmt.Printf("LAND requested (class=%s)\n", msg.SourceClass)
		go d.complete("land", func() { d.setFlying(false) })
	default:
		fmt.Printf("command: %s (degrees=%d)\n", msg.Command, msg.Degrees)
	}
}

func (d *simDrone) setFlying(flying bool) {
	d.mu.Lock()
	d.flying = flying
	d.mu.Unlock()
}

// complete reports a successful transition after the simulated delay.
func (d *simDrone) complete(command string, apply func()) {
	time.Sleep(d.delay)
	apply()

	notice := models.CompletionNotice{
		Command:   command,
		Success:   true,
		Timestamp: time.Now().UnixMilli(),
	}
	body, _ := json.Marshal(notice)
	resp, err := http.Post(d.callbackURL, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Printf("completion callback failed: %v", err)
		return
	}
	resp.Body.Close()
	fmt.Printf("completion reported: %s success\n", command)
}

func main() {
	listenAddr := utils.GetEnv("SIM_DRONE_ADDR", "127.0.0.1:9999")
	callbackURL := utils.GetEnv("SIM_DRONE_CALLBACK", "http://localhost:5001/update_drone_state")

	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		log.Fatalf("resolve %s: %v", listenAddr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		log.Fatalf("listen %s: %v", listenAddr, err)
	}
	defer conn.Close()

	drone := &simDrone{
		callbackURL: callbackURL,
		delay:       1500 * time.Millisecond,
	}

	fmt.Printf("Simulated drone listening on %s, callbacks to %s\n", listenAddr, callbackURL)

	buf := make([]byte, 4096)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			log.Printf("read datagram: %v", err)
			continue
		}
		var msg models.CommandMessage
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			log.Printf("bad datagram %q: %v", buf[:n], err)
			continue
		}
		drone.handle(msg)
	}
}
