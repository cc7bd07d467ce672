// Package sqlstore implements the record, template and config stores on a SQL
// database. Two drivers are supported: SQLite through modernc.org/sqlite
// (CGO-free, DSN is a file path or ":memory:") and PostgreSQL through the pgx
// stdlib driver.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/memegen-pipeline/internal/store"
	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB implements store.RecordStore, store.TemplateStore and store.ConfigStore.
type DB struct {
	db       *sql.DB
	postgres bool
	now      func() time.Time
}

// Open connects to the database. The schema is not created; call EnsureSchema.
func Open(driver, dsn string) (*DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("empty %s dsn: %w", driver, types.ErrInvalidInput)
	}

	switch driver {
	case DriverSQLite:
		d, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// a single connection avoids SQLITE_BUSY between writers and keeps
		// ":memory:" databases shared
		d.SetMaxOpenConns(1)
		if _, err := d.Exec("PRAGMA busy_timeout=3000;"); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("failed to configure sqlite: %w", err)
		}
		return &DB{db: d, now: time.Now}, nil
	case DriverPostgres:
		d, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		return &DB{db: d, postgres: true, now: time.Now}, nil
	default:
		return nil, fmt.Errorf("unknown sql driver %q: %w", driver, types.ErrInvalidInput)
	}
}

// EnsureSchema creates tables and indexes if they do not exist.
func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS generation_records(
			id TEXT PRIMARY KEY,
			correlation_id TEXT NOT NULL UNIQUE,
			caption TEXT NOT NULL,
			template_id TEXT NOT NULL,
			config_fingerprint TEXT NOT NULL,
			person_id INTEGER NOT NULL,
			status TEXT NOT NULL,
			artifact_ref TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_generation_records_updated ON generation_records(updated_at);`,
		`CREATE TABLE IF NOT EXISTS templates(
			id TEXT PRIMARY KEY,
			person_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			captions TEXT NOT NULL,
			source_image_ref TEXT NOT NULL,
			usage_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_templates_person ON templates(person_id);`,
		`CREATE TABLE IF NOT EXISTS configs(
			name TEXT PRIMARY KEY,
			data TEXT NOT NULL
		);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (s *DB) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", types.ErrUpstreamUnavailable, err)
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

// rebind converts '?' placeholders to '$n' for postgres.
func (s *DB) rebind(q string) string {
	if !s.postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
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

func (s *DB) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// ============================================================================
// RecordStore
// ============================================================================

const recordColumns = `id, correlation_id, caption, template_id, config_fingerprint, person_id, status, artifact_ref, message, created_at, updated_at`

func (s *DB) CreateRecord(ctx context.Context, rec types.GenerationRecord) error {
	res, err := s.exec(ctx, `
		INSERT INTO generation_records(`+recordColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT DO NOTHING;`,
		rec.ID, rec.CorrelationID, rec.Caption, rec.TemplateID, rec.ConfigFingerprint, rec.PersonID,
		string(rec.Status), rec.ArtifactRef, rec.Message, toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert record %s: %w", rec.CorrelationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert record %s: %w", rec.CorrelationID, err)
	}
	if n == 0 {
		return fmt.Errorf("record %s: %w", rec.CorrelationID, types.ErrDuplicate)
	}
	return nil
}

func scanRecord(row interface{ Scan(...any) error }) (types.GenerationRecord, error) {
	var (
		rec                  types.GenerationRecord
		status               string
		createdAt, updatedAt int64
	)
	err := row.Scan(&rec.ID, &rec.CorrelationID, &rec.Caption, &rec.TemplateID, &rec.ConfigFingerprint,
		&rec.PersonID, &status, &rec.ArtifactRef, &rec.Message, &createdAt, &updatedAt)
	if err != nil {
		return types.GenerationRecord{}, err
	}
	rec.Status = types.GenerationStatus(status)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

func (s *DB) GetRecord(ctx context.Context, correlationID string) (types.GenerationRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+recordColumns+` FROM generation_records WHERE correlation_id=?;`), correlationID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.GenerationRecord{}, fmt.Errorf("record %s: %w", correlationID, types.ErrNotFound)
	}
	if err != nil {
		return types.GenerationRecord{}, fmt.Errorf("failed to load record %s: %w", correlationID, err)
	}
	return rec, nil
}

// FinishRecord performs the terminal transition in a single conditional
// UPDATE so concurrent deliveries of the same job cannot both win.
func (s *DB) FinishRecord(ctx context.Context, correlationID string, status types.GenerationStatus, artifactRef, message string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("status %q is not terminal: %w", status, types.ErrInvalidInput)
	}
	if status == types.StatusCompleted && artifactRef == "" {
		return false, fmt.Errorf("completed record requires an artifact: %w", types.ErrInvalidInput)
	}
	if status == types.StatusFailed {
		artifactRef = ""
	}

	res, err := s.exec(ctx, `
		UPDATE generation_records
		SET status=?, artifact_ref=?, message=?, updated_at=?
		WHERE correlation_id=? AND status=?;`,
		string(status), artifactRef, message, toMillis(s.now()), correlationID, string(types.StatusPending))
	if err != nil {
		return false, fmt.Errorf("failed to finish record %s: %w", correlationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to finish record %s: %w", correlationID, err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.GetRecord(ctx, correlationID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *DB) DeleteRecord(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM generation_records WHERE id=?;`, id)
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("record id %s: %w", id, types.ErrNotFound)
	}
	return nil
}

func (s *DB) ListRecords(ctx context.Context) ([]types.GenerationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM generation_records ORDER BY created_at;`)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.GenerationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ============================================================================
// TemplateStore
// ============================================================================

const templateColumns = `id, person_id, name, captions, source_image_ref, usage_count`

func scanTemplate(row interface{ Scan(...any) error }) (types.Template, error) {
	var (
		tpl      types.Template
		captions string
	)
	if err := row.Scan(&tpl.ID, &tpl.PersonID, &tpl.Name, &captions, &tpl.SourceImageRef, &tpl.UsageCount); err != nil {
		return types.Template{}, err
	}
	if err := json.Unmarshal([]byte(captions), &tpl.Captions); err != nil {
		return types.Template{}, fmt.Errorf("template %s has malformed captions: %w", tpl.ID, err)
	}
	return tpl, nil
}

func (s *DB) GetTemplate(ctx context.Context, id string) (types.Template, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+templateColumns+` FROM templates WHERE id=?;`), id)
	tpl, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Template{}, fmt.Errorf("template %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return types.Template{}, fmt.Errorf("failed to load template %s: %w", id, err)
	}
	return tpl, nil
}

func (s *DB) ListTemplatesByPerson(ctx context.Context, personID int) ([]types.Template, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+templateColumns+` FROM templates WHERE person_id=? ORDER BY id;`), personID)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]types.Template, 0)
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tpl)
	}
	return out, rows.Err()
}

func (s *DB) IncrementUsage(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `UPDATE templates SET usage_count = usage_count + 1 WHERE id=?;`, id)
	if err != nil {
		return fmt.Errorf("failed to increment usage of %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("template %s: %w", id, types.ErrNotFound)
	}
	return nil
}

func (s *DB) PutTemplate(ctx context.Context, tpl types.Template) error {
	if tpl.ID == "" {
		return fmt.Errorf("template id is empty: %w", types.ErrInvalidInput)
	}
	captions := tpl.Captions
	if captions == nil {
		captions = []string{}
	}
	encoded, err := json.Marshal(captions)
	if err != nil {
		return fmt.Errorf("failed to encode captions: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO templates(`+templateColumns+`)
		VALUES(?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			person_id=EXCLUDED.person_id,
			name=EXCLUDED.name,
			captions=EXCLUDED.captions,
			source_image_ref=EXCLUDED.source_image_ref,
			usage_count=EXCLUDED.usage_count;`,
		tpl.ID, tpl.PersonID, tpl.Name, string(encoded), tpl.SourceImageRef, tpl.UsageCount)
	if err != nil {
		return fmt.Errorf("failed to put template %s: %w", tpl.ID, err)
	}
	return nil
}

// ============================================================================
// ConfigStore
// ============================================================================

func (s *DB) GetConfig(ctx context.Context, name string) ([]byte, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT data FROM configs WHERE name=?;`), name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load config %s: %w", name, err)
	}
	return []byte(data), true, nil
}

func (s *DB) PutConfig(ctx context.Context, name string, data []byte) error {
	_, err := s.exec(ctx, `
		INSERT INTO configs(name, data) VALUES(?,?)
		ON CONFLICT(name) DO UPDATE SET data=EXCLUDED.data;`, name, string(data))
	if err != nil {
		return fmt.Errorf("failed to put config %s: %w", name, err)
	}
	return nil
}

var (
	_ store.RecordStore   = (*DB)(nil)
	_ store.TemplateStore = (*DB)(nil)
	_ store.ConfigStore   = (*DB)(nil)
)
