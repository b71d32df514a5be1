package metadata

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stowage/stowage/internal/provider"
)

// newTestStore creates a SQLiteStore backed by a temporary database file.
// The database is automatically cleaned up when the test finishes.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore(%q) failed: %v", dbPath, err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteDSN(t *testing.T) {
	got := sqliteDSN("/tmp/meta.db")
	if !strings.HasPrefix(got, "/tmp/meta.db?_pragma=busy_timeout(5000)&") {
		t.Errorf("sqliteDSN = %q", got)
	}
	if !strings.Contains(got, "&_pragma=foreign_keys(1)") {
		t.Errorf("foreign keys not enabled: %q", got)
	}
	if got := sqliteDSN("file:meta.db?mode=rwc"); !strings.HasPrefix(got, "file:meta.db?mode=rwc&_pragma=") {
		t.Errorf("existing query not extended: %q", got)
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "meta.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	d := &provider.Supabase{
		Base:           provider.Base{Name: "supa"},
		ProjectURL:     "https://proj.supabase.co",
		ServiceRoleKey: "service-key",
	}
	if err := s.PutProvider(ctx, d); err != nil {
		t.Fatalf("PutProvider: %v", err)
	}
	at := time.Date(2024, 6, 1, 8, 30, 0, 123e6, time.UTC)
	if err := s.TouchProvider(ctx, d.ID, at); err != nil {
		t.Fatalf("TouchProvider: %v", err)
	}
	if err := s.PutSetting(ctx, "k", "v"); err != nil {
		t.Fatalf("PutSetting: %v", err)
	}
	s.Close()

	// Reopening runs the schema again; it must be idempotent.
	s, err = NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.GetProvider(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetProvider: %v", err)
	}
	sb, ok := got.(*provider.Supabase)
	if !ok || sb.ServiceRoleKey != "service-key" || sb.ProjectURL != "https://proj.supabase.co" {
		t.Errorf("provider = %+v", got)
	}
	if sb.LastOperationAt == nil || !sb.LastOperationAt.Equal(at) {
		t.Errorf("LastOperationAt = %v, want %v", sb.LastOperationAt, at)
	}
	if v, ok, _ := s.GetSetting(ctx, "k"); !ok || v != "v" {
		t.Errorf("setting = %q, %v", v, ok)
	}
}

func TestSQLiteConfigColumnOmitsBookkeeping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := &provider.AWSS3{Base: provider.Base{Name: "aws"}, AccessKeyID: "AK", SecretAccessKey: "SK", Region: "eu-west-1"}
	if err := s.PutProvider(ctx, d); err != nil {
		t.Fatalf("PutProvider: %v", err)
	}

	var config string
	if err := s.db.QueryRowContext(ctx, `SELECT config FROM providers WHERE id = ?`, d.ID).Scan(&config); err != nil {
		t.Fatalf("reading config: %v", err)
	}
	for _, field := range []string{`"id"`, `"createdAt"`, `"updatedAt"`, `"lastOperationAt"`} {
		if strings.Contains(config, field) {
			t.Errorf("config %s contains %s", config, field)
		}
	}
	if !strings.Contains(config, `"region":"eu-west-1"`) {
		t.Errorf("config %s lost the region", config)
	}
}

func TestSQLiteSchemaVersion(t *testing.T) {
	s := newTestStore(t)
	var version int
	err := s.db.QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		t.Fatalf("reading schema version: %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("schema version = %d, want %d", version, SchemaVersion)
	}
}

func TestSQLiteUpsertBucketRequiresProvider(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.UpsertBucket(context.Background(), "no-such-provider", "b", ""); err == nil {
		t.Error("expected a foreign key failure")
	}
}

func TestEscapeLike(t *testing.T) {
	if got := escapeLike(`50%_off\`); got != `50\%\_off\\` {
		t.Errorf("escapeLike = %q", got)
	}
}
