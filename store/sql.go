package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/agentplexus/omnivoice-pbx/pipeline"
)

// Dialect names a supported SQL database. It doubles as the driver name.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// ParseDialect validates a driver name from configuration.
func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(strings.TrimSpace(s))); d {
	case DialectPostgres, DialectSQLite:
		return d, nil
	case "postgresql", "pq":
		return DialectPostgres, nil
	case "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported store driver %q", s)
	}
}

// SQLConfig holds connection pool settings.
type SQLConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultSQLConfig returns default pool settings.
func DefaultSQLConfig() *SQLConfig {
	return &SQLConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Verify interface compliance at compile time.
var _ Store = (*SQL)(nil)

// SQL stores call records in Postgres or SQLite.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// OpenSQL connects to dsn and verifies the connection.
func OpenSQL(dialect Dialect, dsn string, config *SQLConfig) (*SQL, error) {
	if dsn == "" {
		return nil, errors.New("dsn is required")
	}
	if config == nil {
		config = DefaultSQLConfig()
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dialect == DialectSQLite && strings.Contains(dsn, ":memory:") {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return NewSQL(db, dialect), nil
}

// NewSQL wraps an open database.
func NewSQL(db *sql.DB, dialect Dialect) *SQL {
	return &SQL{db: db, dialect: dialect, now: time.Now}
}

// DB returns the underlying database handle.
func (s *SQL) DB() *sql.DB {
	return s.db
}

// Close releases database resources.
func (s *SQL) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// rebind rewrites ? placeholders for the dialect.
func (s *SQL) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const recordColumns = `call_id, account_id, campaign_id, persona_id, system_prompt, greeting,
	voice_id, destination, backend, status, created_at, updated_at, ended_at,
	transcript, costs, error_message`

// Create stores a record.
func (s *SQL) Create(ctx context.Context, rec *CallRecord) error {
	if rec == nil {
		return nil
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	status := rec.Status
	if status == "" {
		status = StatusInitiated
	}
	transcript, costs, err := marshalColumns(rec.Transcript, rec.Costs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO call_records (`+recordColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`),
		rec.CallID,
		rec.AccountID,
		rec.CampaignID,
		rec.PersonaID,
		rec.SystemPrompt,
		rec.Greeting,
		rec.VoiceID,
		rec.Destination,
		rec.Backend,
		string(status),
		created.UTC(),
		updated.UTC(),
		nullTime(rec.EndedAt),
		transcript,
		costs,
		rec.Error,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrExists
		}
		return fmt.Errorf("create call record: %w", err)
	}
	return nil
}

// Get returns a record by call id.
func (s *SQL) Get(ctx context.Context, callID string) (*CallRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+recordColumns+`
		FROM call_records WHERE call_id = ?
	`), callID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get call record: %w", err)
	}
	return rec, nil
}

// MostRecentInitiated returns the newest initiated record created since.
func (s *SQL) MostRecentInitiated(ctx context.Context, since time.Time) (*CallRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+recordColumns+`
		FROM call_records
		WHERE status = ? AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT 1
	`), string(StatusInitiated), since.UTC())

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find initiated call record: %w", err)
	}
	return rec, nil
}

// UpdateStatus sets the status of a record.
func (s *SQL) UpdateStatus(ctx context.Context, callID string, status Status) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE call_records SET status = ?, updated_at = ? WHERE call_id = ?
	`), string(status), s.now().UTC(), callID)
	if err != nil {
		return fmt.Errorf("update call status: %w", err)
	}
	return requireRow(res)
}

// Finalize writes the end-of-call bookkeeping.
func (s *SQL) Finalize(ctx context.Context, callID string, final Final) error {
	transcript, costs, err := marshalColumns(final.Transcript, final.Costs)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE call_records
		SET status = ?,
			ended_at = ?,
			transcript = ?,
			costs = ?,
			error_message = ?,
			updated_at = ?
		WHERE call_id = ?
	`),
		string(final.Status),
		nullTime(final.EndedAt),
		transcript,
		costs,
		final.Error,
		s.now().UTC(),
		callID,
	)
	if err != nil {
		return fmt.Errorf("finalize call record: %w", err)
	}
	return requireRow(res)
}

type recordScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row recordScanner) (*CallRecord, error) {
	var (
		rec        CallRecord
		status     string
		endedAt    sql.NullTime
		transcript []byte
		costs      []byte
	)
	if err := row.Scan(
		&rec.CallID,
		&rec.AccountID,
		&rec.CampaignID,
		&rec.PersonaID,
		&rec.SystemPrompt,
		&rec.Greeting,
		&rec.VoiceID,
		&rec.Destination,
		&rec.Backend,
		&status,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&endedAt,
		&transcript,
		&costs,
		&rec.Error,
	); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	if endedAt.Valid {
		rec.EndedAt = endedAt.Time
	}
	if len(transcript) > 0 {
		if err := json.Unmarshal(transcript, &rec.Transcript); err != nil {
			return nil, fmt.Errorf("decode transcript: %w", err)
		}
	}
	if len(costs) > 0 {
		if err := json.Unmarshal(costs, &rec.Costs); err != nil {
			return nil, fmt.Errorf("decode costs: %w", err)
		}
	}
	return &rec, nil
}

// marshalColumns encodes the JSON columns as text; lib/pq would send []byte as bytea.
func marshalColumns(transcript []pipeline.Message, costs pipeline.CostBreakdown) (string, string, error) {
	if transcript == nil {
		transcript = []pipeline.Message{}
	}
	t, err := json.Marshal(transcript)
	if err != nil {
		return "", "", fmt.Errorf("encode transcript: %w", err)
	}
	c, err := json.Marshal(costs)
	if err != nil {
		return "", "", fmt.Errorf("encode costs: %w", err)
	}
	return string(t), string(c), nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
