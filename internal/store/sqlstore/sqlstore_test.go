package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/ChuLiYu/memegen-pipeline/pkg/types"
)

func openSQLite(t *testing.T) *DB {
	t.Helper()
	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "memegen.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	return db
}

// startPostgresContainer starts a PostgreSQL container and returns a pgx DSN.
// It skips the test if Docker is unavailable.
func startPostgresContainer(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
		cancel()
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Skipf("Failed to get host info: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Skipf("Failed to get mapped port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	// the container can report ready before the server accepts connections
	deadline := time.Now().Add(45 * time.Second)
	for {
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			err = db.PingContext(pingCtx)
			_ = db.Close()
		}
		pingCancel()
		if err == nil {
			return dsn
		}
		if time.Now().After(deadline) {
			t.Fatalf("postgres not ready in time: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func newRecord(correlationID string, updatedAt time.Time) types.GenerationRecord {
	return types.GenerationRecord{
		ID:                "id-" + correlationID,
		CorrelationID:     correlationID,
		Caption:           "when the build is green_on friday",
		TemplateID:        "tpl-1",
		ConfigFingerprint: types.DefaultRenderConfig().Fingerprint(),
		PersonID:          7,
		Status:            types.StatusPending,
		CreatedAt:         updatedAt,
		UpdatedAt:         updatedAt,
	}
}

// exerciseStore runs the same contract against every dialect.
func exerciseStore(t *testing.T, db *DB) {
	ctx := context.Background()
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("records", func(t *testing.T) {
		require.NoError(t, db.CreateRecord(ctx, newRecord("c1", ts)))
		require.NoError(t, db.CreateRecord(ctx, newRecord("c2", ts.Add(time.Second))))
		assert.ErrorIs(t, db.CreateRecord(ctx, newRecord("c1", ts)), types.ErrDuplicate)

		got, err := db.GetRecord(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, "when the build is green_on friday", got.Caption)
		assert.Equal(t, types.StatusPending, got.Status)
		assert.True(t, ts.Equal(got.UpdatedAt))

		_, err = db.GetRecord(ctx, "nope")
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("finish is conditional", func(t *testing.T) {
		ok, err := db.FinishRecord(ctx, "c1", types.StatusCompleted, "generated/c1.jpg", "Elapsed: 12 ms")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = db.FinishRecord(ctx, "c1", types.StatusFailed, "", "Image processing error")
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := db.GetRecord(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, got.Status)
		assert.Equal(t, "generated/c1.jpg", got.ArtifactRef)

		_, err = db.FinishRecord(ctx, "nope", types.StatusFailed, "", "x")
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("list and delete", func(t *testing.T) {
		list, err := db.ListRecords(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "c1", list[0].CorrelationID)

		require.NoError(t, db.DeleteRecord(ctx, "id-c2"))
		assert.ErrorIs(t, db.DeleteRecord(ctx, "id-c2"), types.ErrNotFound)
	})

	t.Run("templates", func(t *testing.T) {
		tpl := types.Template{ID: "tpl-1", PersonID: 7, Name: "desk", Captions: []string{"a", "b"}, SourceImageRef: "photos/desk.jpg"}
		require.NoError(t, db.PutTemplate(ctx, tpl))
		require.NoError(t, db.PutTemplate(ctx, types.Template{ID: "tpl-2", PersonID: 8, Name: "other"}))

		list, err := db.ListTemplatesByPerson(ctx, 7)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, []string{"a", "b"}, list[0].Captions)

		require.NoError(t, db.IncrementUsage(ctx, "tpl-1"))
		got, err := db.GetTemplate(ctx, "tpl-1")
		require.NoError(t, err)
		assert.Equal(t, 1, got.UsageCount)

		assert.ErrorIs(t, db.IncrementUsage(ctx, "tpl-x"), types.ErrNotFound)
		_, err = db.GetTemplate(ctx, "tpl-x")
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("configs", func(t *testing.T) {
		_, found, err := db.GetConfig(ctx, "render")
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, db.PutConfig(ctx, "render", []byte(`{"a":1}`)))
		require.NoError(t, db.PutConfig(ctx, "render", []byte(`{"a":2}`)))
		data, found, err := db.GetConfig(ctx, "render")
		require.NoError(t, err)
		assert.True(t, found)
		assert.JSONEq(t, `{"a":2}`, string(data))
	})
}

func TestSQLiteStore(t *testing.T) {
	exerciseStore(t, openSQLite(t))
}

func TestPostgresStore(t *testing.T) {
	dsn := startPostgresContainer(t)

	db, err := Open(DriverPostgres, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))

	exerciseStore(t, db)
}

func TestOpenRejectsBadInput(t *testing.T) {
	_, err := Open(DriverSQLite, "  ")
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	_, err = Open("mysql", "dsn")
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestOpenSQLiteConfiguresBusyTimeout(t *testing.T) {
	db := openSQLite(t)

	var timeout int
	require.NoError(t, db.db.QueryRow("PRAGMA busy_timeout;").Scan(&timeout))
	assert.Equal(t, 3000, timeout)
}

func TestOpenSQLiteReportsUnusableDatabase(t *testing.T) {
	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "missing", "dir", "memegen.db"))
	assert.ErrorContains(t, err, "failed to configure sqlite")
	assert.Nil(t, db)
}

func TestRebind(t *testing.T) {
	pg := &DB{postgres: true}
	assert.Equal(t, "SELECT a FROM t WHERE x=$1 AND y=$2;", pg.rebind("SELECT a FROM t WHERE x=? AND y=?;"))

	lite := &DB{}
	assert.Equal(t, "x=?", lite.rebind("x=?"))
}
