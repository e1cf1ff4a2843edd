package config

import (
	"bci-flight/utils"
)

// Config is the process-level configuration: network endpoints and paths from
// the environment, tunables from the YAML profile.
type Config struct {
	HTTPAddr string

	MQTTBroker      string
	MQTTClientID    string
	PredictionTopic string
	MirrorTopic     string // empty disables the MQTT command mirror

	DroneAddr   string // UDP JSON command endpoint
	FlightLogDB string

	ProfilePath string
	Profile     *Profile
}

// Load reads the environment and the YAML profile. Environment variables use
// the BRIDGE_ prefix; every knob has a working default for a local setup.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:        utils.GetEnv("BRIDGE_HTTP_ADDR", ":5001"),
		MQTTBroker:      utils.GetEnv("BRIDGE_MQTT_BROKER", "tcp://localhost:1883"),
		MQTTClientID:    utils.GetEnv("BRIDGE_MQTT_CLIENT_ID", "bci-flight-bridge"),
		PredictionTopic: utils.GetEnv("BRIDGE_PREDICTION_TOPIC", "bci/predictions/#"),
		MirrorTopic:     utils.GetEnv("BRIDGE_MIRROR_TOPIC", ""),
		DroneAddr:       utils.GetEnv("BRIDGE_DRONE_ADDR", "127.0.0.1:9999"),
		FlightLogDB:     utils.GetEnv("BRIDGE_FLIGHT_LOG_DB", "flightlog/flights.db"),
		ProfilePath:     utils.GetEnv("BRIDGE_PROFILE", "profile.yaml"),
	}

	profile, err := LoadProfile(cfg.ProfilePath)
	if err != nil {
		return nil, err
	}
	cfg.Profile = profile
	return cfg, nil
}
