package audit

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteLoggerConfig configures the SQLite audit logger.
type SQLiteLoggerConfig struct {
	DBPath        string          // Path of audit.db
	CryptoMgr     CryptoEncryptor // For encrypting the signing key (optional)
	RetentionDays int             // Days to keep events (default: 90, <0 = forever)
}

// SQLiteLogger implements Logger with persistent SQLite storage and HMAC signing.
type SQLiteLogger struct {
	mu            sync.RWMutex
	db            *sql.DB
	dbPath        string
	signer        *Signer
	retentionDays int
	stopChan      chan struct{}
	closeOnce     sync.Once
	wg            sync.WaitGroup
}

// NewSQLiteLogger creates a new SQLite-backed audit logger.
func NewSQLiteLogger(cfg SQLiteLoggerConfig) (*SQLiteLogger, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("database path is required")
	}

	auditDir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(auditDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	// Open database with pragmas in DSN so every pool connection is configured
	dsn := cfg.DBPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	signer, err := NewSigner(auditDir, cfg.CryptoMgr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit signer: %w", err)
	}

	retentionDays := cfg.RetentionDays
	if retentionDays == 0 {
		retentionDays = 90
	}

	l := &SQLiteLogger{
		db:            db,
		dbPath:        cfg.DBPath,
		signer:        signer,
		retentionDays: retentionDays,
		stopChan:      make(chan struct{}),
	}

	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if retentionDays > 0 {
		l.wg.Add(1)
		go l.retentionWorker()
	}

	log.Info().
		Str("dbPath", cfg.DBPath).
		Int("retentionDays", retentionDays).
		Bool("signingEnabled", signer.SigningEnabled()).
		Msg("SQLite audit logger initialized")

	return l, nil
}

func (l *SQLiteLogger) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		org_id TEXT NOT NULL DEFAULT '',
		user TEXT,
		ip TEXT,
		path TEXT,
		success INTEGER NOT NULL,
		details TEXT,
		signature TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_event_type ON audit_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_org ON audit_events(org_id);
	`

	if _, err := l.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Log records an audit event with HMAC signature.
func (l *SQLiteLogger) Log(event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	event.Signature = l.signer.Sign(event)

	success := 0
	if event.Success {
		success = 1
	}

	_, err := l.db.Exec(`
		INSERT INTO audit_events (id, timestamp, event_type, org_id, user, ip, path, success, details, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.Timestamp.Unix(),
		event.EventType,
		event.OrgID,
		event.User,
		event.IP,
		event.Path,
		success,
		event.Details,
		event.Signature,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	return NewConsoleLogger().Log(event)
}

func whereClause(filter QueryFilter) (string, []interface{}) {
	clause := " WHERE 1=1"
	args := []interface{}{}

	if filter.ID != "" {
		clause += " AND id = ?"
		args = append(args, filter.ID)
	}
	if filter.OrgID != "" {
		clause += " AND org_id = ?"
		args = append(args, filter.OrgID)
	}
	if filter.StartTime != nil {
		clause += " AND timestamp >= ?"
		args = append(args, filter.StartTime.Unix())
	}
	if filter.EndTime != nil {
		clause += " AND timestamp <= ?"
		args = append(args, filter.EndTime.Unix())
	}
	if filter.EventType != "" {
		clause += " AND event_type = ?"
		args = append(args, filter.EventType)
	}
	if filter.User != "" {
		clause += " AND user = ?"
		args = append(args, filter.User)
	}
	if filter.Success != nil {
		success := 0
		if *filter.Success {
			success = 1
		}
		clause += " AND success = ?"
		args = append(args, success)
	}
	return clause, args
}

// Query retrieves audit events matching the filter, newest first.
func (l *SQLiteLogger) Query(filter QueryFilter) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	where, args := whereClause(filter)
	query := "SELECT id, timestamp, event_type, org_id, user, ip, path, success, details, signature FROM audit_events" +
		where + " ORDER BY timestamp DESC, id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		// SQLite requires LIMIT when OFFSET is present.
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		var timestamp int64
		var success int
		var user, ip, path, details, signature sql.NullString

		if err := rows.Scan(&e.ID, &timestamp, &e.EventType, &e.OrgID, &user, &ip, &path, &success, &details, &signature); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}

		e.Timestamp = time.Unix(timestamp, 0).UTC()
		e.Success = success == 1
		e.User = user.String
		e.IP = ip.String
		e.Path = path.String
		e.Details = details.String
		e.Signature = signature.String

		events = append(events, e)
	}

	return events, rows.Err()
}

// Count returns the number of events matching the filter.
func (l *SQLiteLogger) Count(filter QueryFilter) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	where, args := whereClause(filter)
	var count int
	if err := l.db.QueryRow("SELECT COUNT(*) FROM audit_events"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return count, nil
}

// VerifySignature checks if an event's signature is valid.
func (l *SQLiteLogger) VerifySignature(event Event) bool {
	return l.signer.Verify(event)
}

// Close gracefully shuts down the logger.
func (l *SQLiteLogger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stopChan)
		l.wg.Wait()
		if closeErr := l.db.Close(); closeErr != nil {
			err = fmt.Errorf("failed to close audit database: %w", closeErr)
			return
		}
		log.Info().Msg("SQLite audit logger closed")
	})
	return err
}

// retentionWorker runs periodically to clean up old events.
func (l *SQLiteLogger) retentionWorker() {
	defer l.wg.Done()

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case <-ticker.C:
			if _, err := l.Prune(time.Now().AddDate(0, 0, -l.retentionDays)); err != nil {
				log.Error().Err(err).Msg("Failed to cleanup old audit events")
			}
		}
	}
}

// Prune deletes events older than cutoff and returns how many were removed.
func (l *SQLiteLogger) Prune(cutoff time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	result, err := l.db.Exec(`DELETE FROM audit_events WHERE timestamp < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit events: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		log.Info().
			Int64("deleted", deleted).
			Time("cutoff", cutoff).
			Msg("Cleaned up old audit events")
	}
	return deleted, nil
}
