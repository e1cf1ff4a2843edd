package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"bci-flight/utils"
)

// Scripted classifier publisher: plays a canned session against the bridge's
// prediction topic at tick rate. Useful for exercising the full pipeline
// without a headset.
//
// The script is a phase list; each phase holds one dominant class for a
// duration with a little noise on the rest of the distribution.
type phase struct {
	class      string
	confidence float64
	duration   time.Duration
}

var script = []phase{
	{"Rest", 0.9, 3 * time.Second},
	{"Push", 0.85, 3 * time.Second}, // sustained: should take off
	{"Rest", 0.9, 4 * time.Second},
	{"Right_Fist", 0.8, 4 * time.Second}, // continuous: rotate right
	{"Left_Fist", 0.8, 4 * time.Second},  // continuous: rotate left
	{"Rest", 0.9, 3 * time.Second},
	{"Push", 0.85, 3 * time.Second}, // sustained again: should land
	{"Rest", 0.9, 2 * time.Second},
}

var classes = []string{"Rest", "Push", "Pull", "Lift", "Drop", "Left_Fist", "Right_Fist", "Both_Fists"}

func distribution(dominant string, confidence float64) map[string]float64 {
	probs := make(map[string]float64, len(classes))
	rest := (1 - confidence) / float64(len(classes)-1)
	for _, class := range classes {
		if class == dominant {
			probs[class] = confidence + (rand.Float64()-0.5)*0.04
		} else {
			probs[class] = rest * rand.Float64() * 2
		}
	}
	return probs
}

func main() {
	rate := flag.Int("rate", 5, "ticks per second")
	loop := flag.Bool("loop", false, "replay the script forever")
	flag.Parse()

	broker := utils.GetEnv("BRIDGE_MQTT_BROKER", "tcp://localhost:1883")
	classifierID := utils.GetEnv("MOCK_CLASSIFIER_ID", "8_class")
	topic := utils.GetEnv("MOCK_CLASSIFIER_TOPIC", "bci/predictions/"+classifierID)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID("mock-classifier-" + classifierID)
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("connect %s: %v", broker, token.Error())
	}
	defer client.Disconnect(250)

	fmt.Printf("Publishing scripted session to %s on %s at %d Hz\n", topic, broker, *rate)

	interval := time.Second / time.Duration(*rate)
	for {
		for _, p := range script {
			fmt.Printf("phase: %s for %s\n", p.class, p.duration)
			end := time.Now().Add(p.duration)
			for time.Now().Before(end) {
				probs := distribution(p.class, p.confidence)
				payload, _ := json.Marshal(map[string]interface{}{
					"classifierId":   classifierID,
					"predictedClass": p.class,
					"confidence":     probs[p.class],
					"probabilities":  probs,
					"timestamp":      time.Now().UnixMilli(),
				})
				client.Publish(topic, 0, false, payload)
				time.Sleep(interval)
			}
		}
		if !*loop {
			break
		}
	}
	fmt.Println("script finished")
}
