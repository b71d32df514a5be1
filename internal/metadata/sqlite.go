package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/stowage/stowage/internal/provider"
	"github.com/stowage/stowage/internal/uid"
)

const (
	// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
	// Values in this format sort chronologically as strings.
	timeFormat = "2006-01-02T15:04:05.000Z"

	// SchemaVersion is the version recorded in schema_version.
	SchemaVersion = 1

	// maxInParams bounds the placeholders in one IN (...) clause.
	maxInParams = 500
)

// connPragmas are applied by the driver to every pooled connection.
var connPragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

// SQLiteStore implements Store on a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// initializes the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.WriteString(path)
	for _, p := range connPragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

// initDB creates the tables and indexes. Safe to call repeatedly.
func (s *SQLiteStore) initDB() error {
	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS providers (
			id                TEXT PRIMARY KEY,
			type              TEXT NOT NULL,
			name              TEXT NOT NULL DEFAULT '',
			config            TEXT NOT NULL DEFAULT '{}',
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,
			last_operation_at TEXT
		);

		CREATE TABLE IF NOT EXISTS buckets (
			id            TEXT PRIMARY KEY,
			provider_id   TEXT NOT NULL,
			name          TEXT NOT NULL,
			custom_domain TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,

			UNIQUE (provider_id, name),
			FOREIGN KEY (provider_id) REFERENCES providers(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS upload_history (
			id            TEXT PRIMARY KEY,
			provider_id   TEXT NOT NULL,
			bucket        TEXT NOT NULL,
			key           TEXT NOT NULL,
			name          TEXT NOT NULL,
			type          TEXT NOT NULL DEFAULT 'file',
			size          INTEGER NOT NULL DEFAULT 0,
			mime_type     TEXT NOT NULL DEFAULT '',
			uploaded_at   TEXT NOT NULL,
			source        TEXT NOT NULL DEFAULT 'app',
			is_compressed INTEGER NOT NULL DEFAULT 0,
			original_size INTEGER NOT NULL DEFAULT 0,
			preset_id     TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_history_location ON upload_history(provider_id, bucket, key);
		CREATE INDEX IF NOT EXISTS idx_history_uploaded ON upload_history(uploaded_at);

		CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)`,
		SchemaVersion, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("inserting schema version: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// now returns the current time at the precision timestamps are stored with.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// ---- Providers ----

const providerColumns = `id, type, name, config, created_at, updated_at, last_operation_at`

func scanProvider(row scanner) (provider.Descriptor, error) {
	var (
		id, kind, name, config string
		createdAt, updatedAt   string
		lastOp                 sql.NullString
	)
	if err := row.Scan(&id, &kind, &name, &config, &createdAt, &updatedAt, &lastOp); err != nil {
		return nil, err
	}

	var spec provider.Spec
	if err := json.Unmarshal([]byte(config), &spec); err != nil {
		return nil, fmt.Errorf("decoding provider %s config: %w", id, err)
	}
	spec.Type = provider.Kind(kind)
	spec.ID = id
	spec.Name = name

	var err error
	if spec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if spec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if lastOp.Valid {
		t, err := parseTime(lastOp.String)
		if err != nil {
			return nil, err
		}
		spec.LastOperationAt = &t
	}
	d, err := spec.Build()
	if err != nil {
		return nil, fmt.Errorf("loading provider %s: %w", id, err)
	}
	return d, nil
}

// providerConfig returns the JSON stored in the config column: the flat
// descriptor without the columns kept alongside it.
func providerConfig(d provider.Descriptor) (string, error) {
	spec := provider.Flatten(d)
	if err := spec.Validate(); err != nil {
		return "", err
	}
	spec.Type = ""
	spec.ID = ""
	spec.Name = ""
	spec.CreatedAt = time.Time{}
	spec.UpdatedAt = time.Time{}
	spec.LastOperationAt = nil
	data, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("encoding provider config: %w", err)
	}
	return string(data), nil
}

// ListProviders returns every provider ordered by last use, falling back to
// creation time for providers never used.
func (s *SQLiteStore) ListProviders(ctx context.Context) ([]provider.Descriptor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+providerColumns+` FROM providers
		 ORDER BY COALESCE(last_operation_at, created_at) DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	defer rows.Close()

	var out []provider.Descriptor
	for rows.Next() {
		d, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetProvider returns the provider with the given id or ErrNotFound.
func (s *SQLiteStore) GetProvider(ctx context.Context, id string) (provider.Descriptor, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = ?`, id)
	d, err := scanProvider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("provider %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting provider %s: %w", id, err)
	}
	return d, nil
}

// PutProvider inserts or updates d, assigning an id and timestamps on d
// itself. The kind of an existing provider cannot change.
func (s *SQLiteStore) PutProvider(ctx context.Context, d provider.Descriptor) error {
	config, err := providerConfig(d)
	if err != nil {
		return err
	}
	b := d.Info()
	ts := now()
	if b.ID == "" {
		b.ID = uid.New()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = ts
	}
	b.UpdatedAt = ts

	var lastOp sql.NullString
	if b.LastOperationAt != nil {
		lastOp = nullString(formatTime(*b.LastOperationAt))
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO providers (id, type, name, config, created_at, updated_at, last_operation_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			config = excluded.config,
			updated_at = excluded.updated_at,
			last_operation_at = COALESCE(excluded.last_operation_at, providers.last_operation_at)
		 WHERE providers.type = excluded.type`,
		b.ID, string(d.Kind()), b.Name, config,
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt), lastOp,
	)
	if err != nil {
		return fmt.Errorf("saving provider %s: %w", b.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: provider %s cannot change type to %s", provider.ErrInvalidDescriptor, b.ID, d.Kind())
	}
	return nil
}

// DeleteProvider removes the provider, its bucket records and its history.
func (s *SQLiteStore) DeleteProvider(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM upload_history WHERE provider_id = ?`, id); err != nil {
		return fmt.Errorf("deleting history of provider %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE provider_id = ?`, id); err != nil {
		return fmt.Errorf("deleting buckets of provider %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting provider %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("provider %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// TouchProvider sets the provider's last operation time.
func (s *SQLiteStore) TouchProvider(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE providers SET last_operation_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touching provider %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("provider %s: %w", id, ErrNotFound)
	}
	return nil
}

// ---- Buckets ----

const bucketColumns = `id, provider_id, name, custom_domain, created_at, updated_at`

func scanBucket(row scanner) (*BucketRecord, error) {
	var (
		rec                  BucketRecord
		domain               sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&rec.ID, &rec.ProviderID, &rec.Name, &domain, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.CustomDomain = domain.String
	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// FindBucket returns the record for (providerID, name), or nil if none.
func (s *SQLiteStore) FindBucket(ctx context.Context, providerID, name string) (*BucketRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+bucketColumns+` FROM buckets WHERE provider_id = ? AND name = ?`, providerID, name)
	rec, err := scanBucket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding bucket %s/%s: %w", providerID, name, err)
	}
	return rec, nil
}

// UpsertBucket creates the record or updates its custom domain. An empty
// customDomain clears it.
func (s *SQLiteStore) UpsertBucket(ctx context.Context, providerID, name, customDomain string) (*BucketRecord, error) {
	ts := formatTime(now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets (id, provider_id, name, custom_domain, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider_id, name) DO UPDATE SET
			custom_domain = excluded.custom_domain,
			updated_at = excluded.updated_at`,
		uid.New(), providerID, name, nullString(customDomain), ts, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("saving bucket %s/%s: %w", providerID, name, err)
	}
	return s.FindBucket(ctx, providerID, name)
}

// DeleteBucketRecord removes the record for (providerID, name) if present.
func (s *SQLiteStore) DeleteBucketRecord(ctx context.Context, providerID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM buckets WHERE provider_id = ? AND name = ?`, providerID, name)
	if err != nil {
		return fmt.Errorf("deleting bucket %s/%s: %w", providerID, name, err)
	}
	return nil
}

// ListBucketRecords returns the provider's bucket records ordered by name.
func (s *SQLiteStore) ListBucketRecords(ctx context.Context, providerID string) ([]BucketRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bucketColumns+` FROM buckets WHERE provider_id = ? ORDER BY name`, providerID)
	if err != nil {
		return nil, fmt.Errorf("listing buckets of %s: %w", providerID, err)
	}
	defer rows.Close()

	var out []BucketRecord
	for rows.Next() {
		rec, err := scanBucket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// ---- Upload history ----

const uploadColumns = `id, provider_id, bucket, key, name, type, size, mime_type, uploaded_at,
	source, is_compressed, original_size, preset_id, status, error_message`

func scanUpload(row scanner) (*UploadRecord, error) {
	var (
		rec        UploadRecord
		uploadedAt string
		compressed int
	)
	err := row.Scan(&rec.ID, &rec.ProviderID, &rec.Bucket, &rec.Key, &rec.Name, &rec.Type,
		&rec.Size, &rec.MimeType, &uploadedAt, &rec.Source, &compressed, &rec.OriginalSize,
		&rec.PresetID, &rec.Status, &rec.ErrorMessage)
	if err != nil {
		return nil, err
	}
	rec.IsCompressed = compressed != 0
	if rec.UploadedAt, err = parseTime(uploadedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// fillUploadDefaults assigns the fields CreateUpload generates.
func fillUploadDefaults(rec *UploadRecord) {
	if rec.ID == "" {
		rec.ID = uid.New()
	}
	if rec.UploadedAt.IsZero() {
		rec.UploadedAt = now()
	}
	if rec.Type == "" {
		rec.Type = "file"
	}
	if rec.Source == "" {
		rec.Source = SourceApp
	}
	if rec.Status == "" {
		rec.Status = StatusUploading
	}
}

// CreateUpload inserts a history row.
func (s *SQLiteStore) CreateUpload(ctx context.Context, rec *UploadRecord) error {
	fillUploadDefaults(rec)
	compressed := 0
	if rec.IsCompressed {
		compressed = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upload_history (`+uploadColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ProviderID, rec.Bucket, rec.Key, rec.Name, rec.Type, rec.Size, rec.MimeType,
		formatTime(rec.UploadedAt), string(rec.Source), compressed, rec.OriginalSize,
		rec.PresetID, string(rec.Status), rec.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("creating upload record %s: %w", rec.Key, err)
	}
	return nil
}

// UpdateUploadStatus sets the status, error message and optionally the size.
func (s *SQLiteStore) UpdateUploadStatus(ctx context.Context, id string, u StatusUpdate) error {
	var size any
	if u.Size != nil {
		size = *u.Size
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE upload_history SET status = ?, error_message = ?, size = COALESCE(?, size) WHERE id = ?`,
		string(u.Status), u.ErrorMessage, size, id)
	if err != nil {
		return fmt.Errorf("updating upload record %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("upload record %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) deleteUploads(ctx context.Context, where string, args ...any) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM upload_history WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting upload records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteUploadsByKey removes every row for one object.
func (s *SQLiteStore) DeleteUploadsByKey(ctx context.Context, providerID, bucket, key string) (int, error) {
	return s.deleteUploads(ctx, `provider_id = ? AND bucket = ? AND key = ?`, providerID, bucket, key)
}

// DeleteUploadsByKeys removes every row for the given objects.
func (s *SQLiteStore) DeleteUploadsByKeys(ctx context.Context, providerID, bucket string, keys []string) (int, error) {
	total := 0
	for start := 0; start < len(keys); start += maxInParams {
		chunk := keys[start:min(start+maxInParams, len(keys))]
		args := make([]any, 0, len(chunk)+2)
		args = append(args, providerID, bucket)
		for _, k := range chunk {
			args = append(args, k)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")
		n, err := s.deleteUploads(ctx, `provider_id = ? AND bucket = ? AND key IN (`+placeholders+`)`, args...)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// DeleteUploadsByPrefix removes every row whose key starts with prefix.
// The comparison is exact; no LIKE wildcards apply.
func (s *SQLiteStore) DeleteUploadsByPrefix(ctx context.Context, providerID, bucket, prefix string) (int, error) {
	return s.deleteUploads(ctx, `provider_id = ? AND bucket = ? AND substr(key, 1, length(?)) = ?`,
		providerID, bucket, prefix, prefix)
}

// DeleteUpload removes one row by id.
func (s *SQLiteStore) DeleteUpload(ctx context.Context, id string) error {
	n, err := s.deleteUploads(ctx, `id = ?`, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("upload record %s: %w", id, ErrNotFound)
	}
	return nil
}

// escapeLike escapes the LIKE wildcards in s for use with ESCAPE '\'.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// mimeFamily reduces "image", "image/", "image/*" to "image".
func mimeFamily(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, "*")
	return strings.TrimSuffix(s, "/")
}

func uploadWhere(f UploadFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.ProviderID != "" {
		conds = append(conds, "provider_id = ?")
		args = append(args, f.ProviderID)
	}
	if f.Bucket != "" {
		conds = append(conds, "bucket = ?")
		args = append(args, f.Bucket)
	}
	if f.Query != "" {
		conds = append(conds, `name LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(f.Query)+"%")
	}
	if f.From != nil {
		conds = append(conds, "uploaded_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		conds = append(conds, "uploaded_at <= ?")
		args = append(args, formatTime(*f.To))
	}
	if len(f.MimeTypes) > 0 {
		var ors []string
		for _, m := range f.MimeTypes {
			ors = append(ors, `mime_type LIKE ? ESCAPE '\'`)
			args = append(args, escapeLike(mimeFamily(m))+"/%")
		}
		conds = append(conds, "("+strings.Join(ors, " OR ")+")")
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

var sortColumns = map[string]string{
	SortUploadedAt: "uploaded_at",
	SortName:       "name COLLATE NOCASE",
	SortSize:       "size",
}

// ListUploads returns one page of history matching f.
func (s *SQLiteStore) ListUploads(ctx context.Context, f UploadFilter) (*UploadPage, error) {
	f.Normalize()
	where, args := uploadWhere(f)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM upload_history`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting upload records: %w", err)
	}

	dir := "DESC"
	if f.Ascending {
		dir = "ASC"
	}
	query := fmt.Sprintf(`SELECT %s FROM upload_history%s ORDER BY %s %s, id %s LIMIT ? OFFSET ?`,
		uploadColumns, where, sortColumns[f.SortBy], dir, dir)
	rows, err := s.db.QueryContext(ctx, query, append(args, f.PageSize, (f.Page-1)*f.PageSize)...)
	if err != nil {
		return nil, fmt.Errorf("listing upload records: %w", err)
	}
	defer rows.Close()

	var records []UploadRecord
	for rows.Next() {
		rec, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return newUploadPage(records, total, f), nil
}

// UploadStats aggregates history rows, optionally scoped.
func (s *SQLiteStore) UploadStats(ctx context.Context, providerID, bucket string) (*UploadStats, error) {
	where, args := uploadWhere(UploadFilter{ProviderID: providerID, Bucket: bucket})
	row := s.db.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status IN ('uploading', 'compressing') THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'completed' THEN size ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'completed' AND is_compressed = 1 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'completed' AND is_compressed = 1 AND original_size > size
			THEN original_size - size ELSE 0 END), 0)
		FROM upload_history`+where, args...)

	var st UploadStats
	if err := row.Scan(&st.Total, &st.Completed, &st.Failed, &st.InProgress,
		&st.TotalBytes, &st.Compressed, &st.BytesSaved); err != nil {
		return nil, fmt.Errorf("aggregating upload records: %w", err)
	}
	return &st, nil
}

// ---- Settings ----

// GetSetting returns the value stored under key.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading setting %q: %w", key, err)
	}
	return value, true, nil
}

// PutSetting stores value under key, replacing any previous value.
func (s *SQLiteStore) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(now()))
	if err != nil {
		return fmt.Errorf("writing setting %q: %w", key, err)
	}
	return nil
}
