package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/mdobak/go-xerrors"

	"bci-flight/config"
	"bci-flight/control"
	"bci-flight/flightlog"
	"bci-flight/models"
	"bci-flight/session"
	"bci-flight/signal"
	"bci-flight/sink"
	"bci-flight/utils"
)

type apiError struct {
	Message string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode JSON response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiError{Message: message})
}

// newCompletionHandler accepts the vehicle's command completion callback.
// The payload matches the vehicle process: {"command": ..., "success": ...}.
func newCompletionHandler(sess *session.Session) http.HandlerFunc {
	logger := utils.GetLogger()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var notice models.CompletionNotice
		if err := json.NewDecoder(r.Body).Decode(&notice); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid completion payload")
			return
		}
		if notice.Command == "" {
			writeJSONError(w, http.StatusBadRequest, "missing command")
			return
		}

		logger.Info("command completion received",
			slog.String("command", notice.Command), slog.Bool("success", notice.Success))
		sess.NotifyCompletion(notice.Command, notice.Success)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func newStateHandler(sess *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, sess.Snapshot(time.Now()))
	}
}

func newMappingsHandler(arbiter *control.Arbiter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, arbiter.ActiveMappings())
	}
}

func newDecisionsHandler(store *flightlog.Store) http.HandlerFunc {
	logger := utils.GetLogger()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		records, err := store.RecentDecisions(50)
		if err != nil {
			logger.Error("failed to load decision trail", slog.Any("error", xerrors.New(err)))
			writeJSONError(w, http.StatusInternalServerError, "failed to load decisions")
			return
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func newForceLandHandler(sess *session.Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		log.Printf("force land requested over HTTP from %s\n", r.RemoteAddr)
		sess.ForceLand(time.Now())
		writeJSON(w, http.StatusOK, sess.Snapshot(time.Now()))
	}
}

// serve builds the full bridge and blocks on the HTTP server.
func serve(cfg *config.Config) {
	logger := utils.GetLogger()
	ctx := context.Background()

	var allowOriginFunc = func(r *http.Request) bool {
		return true
	}

	profile := cfg.Profile
	consolidator := control.NewConsolidator(profile.ConsolidatorConfig())
	arbiter := control.NewArbiter(profile.ArbiterConfig())
	shaper := control.NewShaper(profile.ShaperConfig(), profile.SpikeConfig())

	var heading *control.HeadingController
	if headingCfg := profile.HeadingConfig(); headingCfg.Enabled {
		heading = control.NewHeadingController(headingCfg)
	}

	store, err := flightlog.NewStore(cfg.FlightLogDB)
	if err != nil {
		utils.LogError(ctx, "failed to open flight log", err)
		log.Fatalf("flight log: %v", err)
	}
	defer store.Close()

	var commandSink sink.Sink
	udpSink, err := sink.NewUDPSink(cfg.DroneAddr)
	if err != nil {
		utils.LogError(ctx, "failed to open vehicle sink", err)
		log.Fatalf("vehicle sink: %v", err)
	}
	commandSink = udpSink
	if cfg.MirrorTopic != "" {
		mirror, err := sink.NewMQTTMirror(commandSink, sink.MirrorConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID + "-mirror",
			Topic:    cfg.MirrorTopic,
		})
		if err != nil {
			logger.ErrorContext(ctx, "command mirror unavailable, continuing without it",
				slog.Any("error", xerrors.New(err)))
		} else {
			commandSink = mirror
		}
	}
	defer commandSink.Close()

	source := signal.NewMQTTSource(signal.MQTTConfig{
		Broker:   cfg.MQTTBroker,
		ClientID: cfg.MQTTClientID,
		Topic:    cfg.PredictionTopic,
	})
	if err := source.Start(); err != nil {
		utils.LogError(ctx, "failed to start prediction source", err)
		log.Fatalf("prediction source: %v", err)
	}
	defer source.Stop()

	server := socketio.NewServer(&engineio.Options{
		PingTimeout:  60 * time.Second,
		PingInterval: 25 * time.Second,
		Transports: []transport.Transport{
			&websocket.Transport{
				CheckOrigin: allowOriginFunc,
			},
			&polling.Transport{
				CheckOrigin: allowOriginFunc,
			},
		},
	})

	controller := newTelemetryController(server)

	sess := session.New(session.Config{
		Source:               source,
		Sink:                 commandSink,
		Store:                store,
		Consolidator:         consolidator,
		Arbiter:              arbiter,
		Shaper:               shaper,
		Heading:              heading,
		ContinuousClassifier: profile.Continuous.SourceClassifier,
		UpdateRateHz:         profile.ShaperConfig().UpdateRateHz,
		MaxFlightTime:        profile.MaxFlightTime(),
		SignalTimeout:        profile.SignalTimeout(),
		Hooks:                controller.hooks(),
	})
	controller.bind(sess)
	registerSocketHandlers(server, controller)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := sess.Run(sessCtx); err != nil && sessCtx.Err() == nil {
			logger.ErrorContext(ctx, "session stopped", slog.Any("error", xerrors.New(err)))
		}
	}()

	go func() {
		if err := server.Serve(); err != nil {
			log.Fatalf("socketio listen error: %s\n", err)
		}
	}()
	defer server.Close()

	mux := http.NewServeMux()
	mux.Handle("/socket.io/", server)
	mux.HandleFunc("/update_drone_state", newCompletionHandler(sess))
	mux.HandleFunc("/api/state", newStateHandler(sess))
	mux.HandleFunc("/api/mappings", newMappingsHandler(arbiter))
	mux.HandleFunc("/api/decisions", newDecisionsHandler(store))
	mux.HandleFunc("/api/force_land", newForceLandHandler(sess))
	mux.Handle("/", http.FileServer(http.Dir("static")))

	log.Printf("Starting HTTP server on %s", cfg.HTTPAddr)
	if err := http.ListenAndServe(cfg.HTTPAddr, mux); err != nil {
		log.Fatalf("HTTP server ListenAndServe: %v", err)
	}
}
