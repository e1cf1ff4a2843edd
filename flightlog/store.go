package flightlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver registration

	"bci-flight/control"
	"bci-flight/utils"
)

// Store persists the bridge's decision trail: dispatched commands, sustained
// events and vehicle completion outcomes. Everything is append-only; bounded
// reads serve the telemetry bridge.
type Store struct {
	db *sql.DB
}

func NewStore(dataSourceName string) (*Store, error) {
	// Extract the file path before query parameters
	dbPath := dataSourceName
	if idx := strings.Index(dataSourceName, "?"); idx != -1 {
		dbPath = dataSourceName[:idx]
	}

	dbDir := filepath.Dir(dbPath)
	if dbDir != "." && dbDir != "" {
		if err := utils.CreateFolder(dbDir); err != nil {
			return nil, fmt.Errorf("error creating flight log directory: %s", err)
		}
	}

	// Add busy timeout param to DSN (milliseconds)
	if !strings.Contains(dataSourceName, "_busy_timeout") {
		if strings.Contains(dataSourceName, "?") {
			dataSourceName += "&_busy_timeout=5000"
		} else {
			dataSourceName += "?_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("error connecting to SQLite: %s", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("error creating tables: %s", err)
	}

	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	createDecisionsTable := `
    CREATE TABLE IF NOT EXISTS decisions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
        command TEXT NOT NULL,
        source_class TEXT,
        source_classifier TEXT,
        confidence REAL NOT NULL DEFAULT 0,
        priority INTEGER NOT NULL DEFAULT 0,
        sustained_ms INTEGER NOT NULL DEFAULT 0,
        forced INTEGER NOT NULL DEFAULT 0,
        detail TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp);
    `

	createSustainedTable := `
    CREATE TABLE IF NOT EXISTS sustained_events (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
        class TEXT NOT NULL,
        classifier TEXT NOT NULL,
        held_ms INTEGER NOT NULL DEFAULT 0,
        avg_confidence REAL NOT NULL DEFAULT 0,
        samples INTEGER NOT NULL DEFAULT 0
    );
    CREATE INDEX IF NOT EXISTS idx_sustained_timestamp ON sustained_events(timestamp);
    `

	createCompletionsTable := `
    CREATE TABLE IF NOT EXISTS completions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
        command TEXT NOT NULL,
        success INTEGER NOT NULL DEFAULT 0
    );
    `

	for _, stmt := range []string{createDecisionsTable, createSustainedTable, createCompletionsTable} {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveDecision appends one dispatched decision. The full decision is kept as
// JSON in the detail column for forensic review.
func (s *Store) SaveDecision(decision control.Decision, at time.Time) error {
	detail, err := json.Marshal(decision)
	if err != nil {
		return fmt.Errorf("error encoding decision: %s", err)
	}
	forced := 0
	if decision.Forced {
		forced = 1
	}
	_, err = s.db.Exec(`INSERT INTO decisions
        (timestamp, command, source_class, source_classifier, confidence, priority, sustained_ms, forced, detail)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		at.UTC(), decision.Command, decision.SourceClass, decision.SourceClassifier,
		decision.Confidence, decision.Priority, decision.SustainedDuration.Milliseconds(),
		forced, string(detail))
	if err != nil {
		return fmt.Errorf("error saving decision: %s", err)
	}
	return nil
}

// SaveSustainedEvent appends one sustained episode.
func (s *Store) SaveSustainedEvent(event control.SustainedEvent, at time.Time) error {
	_, err := s.db.Exec(`INSERT INTO sustained_events
        (timestamp, class, classifier, held_ms, avg_confidence, samples)
        VALUES (?, ?, ?, ?, ?, ?)`,
		at.UTC(), event.ClassName, event.ClassifierID,
		event.HeldDuration.Milliseconds(), event.AverageConfidence, event.SampleCount)
	if err != nil {
		return fmt.Errorf("error saving sustained event: %s", err)
	}
	return nil
}

// SaveCompletion appends one vehicle completion outcome.
func (s *Store) SaveCompletion(command string, success bool, at time.Time) error {
	successInt := 0
	if success {
		successInt = 1
	}
	_, err := s.db.Exec(`INSERT INTO completions (timestamp, command, success) VALUES (?, ?, ?)`,
		at.UTC(), command, successInt)
	if err != nil {
		return fmt.Errorf("error saving completion: %s", err)
	}
	return nil
}

// DecisionRecord is one row of the decision trail.
type DecisionRecord struct {
	ID        int64            `json:"id"`
	Timestamp time.Time        `json:"timestamp"`
	Decision  control.Decision `json:"decision"`
}

// RecentDecisions returns up to limit decisions, newest first.
func (s *Store) RecentDecisions(limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, timestamp, detail FROM decisions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying decisions: %s", err)
	}
	defer rows.Close()

	var records []DecisionRecord
	for rows.Next() {
		var rec DecisionRecord
		var detail string
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &detail); err != nil {
			return nil, fmt.Errorf("error scanning decision row: %s", err)
		}
		if err := json.Unmarshal([]byte(detail), &rec.Decision); err != nil {
			return nil, fmt.Errorf("error decoding decision detail: %s", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CompletionCounts returns how many completions succeeded and failed.
func (s *Store) CompletionCounts() (succeeded, failed int, err error) {
	err = s.db.QueryRow(
		`SELECT
            COALESCE(SUM(success), 0),
            COALESCE(SUM(1 - success), 0)
         FROM completions`).Scan(&succeeded, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("error counting completions: %s", err)
	}
	return succeeded, failed, nil
}
