// Package serialization handles metadata export/import between SQLite and JSON.
package serialization

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/stowage/stowage/internal/metadata"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1

	// envelopeKey names the header object of an export document.
	envelopeKey = "stowage_export"

	// redacted replaces provider secrets in exports made without
	// credentials.
	redacted = "REDACTED"
)

// AllTables lists all valid table names in dependency order.
var AllTables = []string{"providers", "buckets", "upload_history", "settings"}

// jsonFields are SQLite columns that store JSON strings to be expanded.
var jsonFields = map[string]bool{"config": true}

// boolFields are SQLite columns that store integer booleans.
var boolFields = map[string]bool{"is_compressed": true}

// secretFields are the keys of a provider config that hold credentials.
var secretFields = []string{
	"secretAccessKey", "accessKeySecret", "secretKey", "accountKey",
	"credentialsJson", "anonKey", "serviceRoleKey",
}

// tableColumns defines column order for each table.
var tableColumns = map[string][]string{
	"providers":      {"id", "type", "name", "config", "created_at", "updated_at", "last_operation_at"},
	"buckets":        {"id", "provider_id", "name", "custom_domain", "created_at", "updated_at"},
	"upload_history": {"id", "provider_id", "bucket", "key", "name", "type", "size", "mime_type", "uploaded_at", "source", "is_compressed", "original_size", "preset_id", "status", "error_message"},
	"settings":       {"key", "value", "updated_at"},
}

var tableOrderBy = map[string]string{
	"providers":      "id",
	"buckets":        "provider_id, name",
	"upload_history": "uploaded_at, id",
	"settings":       "key",
}

var deleteOrder = []string{"upload_history", "buckets", "settings", "providers"}
var insertOrder = []string{"providers", "buckets", "upload_history", "settings"}

// ExportOptions configures what to export.
type ExportOptions struct {
	Tables             []string
	IncludeCredentials bool
}

// ImportOptions configures how to import.
type ImportOptions struct {
	Replace bool
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Counts   map[string]int
	Skipped  map[string]int
	Warnings []string
}

// ValidTable reports whether name is an exportable table.
func ValidTable(name string) bool {
	_, ok := tableColumns[name]
	return ok
}

// ExportMetadata exports metadata from SQLite to a JSON string.
func ExportMetadata(dbPath string, opts *ExportOptions) (string, error) {
	if opts == nil {
		opts = &ExportOptions{Tables: AllTables}
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return "", fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	now := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	result := map[string]any{
		envelopeKey: map[string]any{
			"version":        ExportVersion,
			"exported_at":    now,
			"schema_version": getSchemaVersion(db),
			"source":         "go/" + Version,
		},
	}

	for _, table := range opts.Tables {
		columns, ok := tableColumns[table]
		if !ok {
			continue
		}
		query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(columns, ", "), table, tableOrderBy[table])
		rows, err := db.Query(query)
		if err != nil {
			return "", fmt.Errorf("querying %s: %w", table, err)
		}

		tableRows := make([]map[string]any, 0)
		for rows.Next() {
			values := make([]any, len(columns))
			ptrs := make([]any, len(columns))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				rows.Close()
				return "", fmt.Errorf("scanning %s row: %w", table, err)
			}

			row := make(map[string]any, len(columns))
			for i, col := range columns {
				row[col] = convertValue(col, values[i])
			}
			if table == "providers" && !opts.IncludeCredentials {
				redactConfig(row)
			}
			tableRows = append(tableRows, row)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return "", fmt.Errorf("iterating %s: %w", table, err)
		}

		result[table] = tableRows
	}

	return marshalSorted(result)
}

// redactConfig replaces every non-empty secret of a provider row.
func redactConfig(row map[string]any) {
	cfg, ok := row["config"].(map[string]any)
	if !ok {
		return
	}
	for _, f := range secretFields {
		if s, _ := cfg[f].(string); s != "" {
			cfg[f] = redacted
		}
	}
}

// isRedacted reports whether a provider row came from an export made
// without credentials.
func isRedacted(row map[string]any) bool {
	cfg, _ := row["config"].(map[string]any)
	for _, f := range secretFields {
		if s, _ := cfg[f].(string); s == redacted {
			return true
		}
	}
	return false
}

// ImportMetadata imports metadata from a JSON string into SQLite. The
// schema is created first, so the database file need not exist.
func ImportMetadata(dbPath string, jsonStr string, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}

	envelope, _ := data[envelopeKey].(map[string]any)
	version, _ := envelope["version"].(float64)
	if version < 1 || version > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %v", version)
	}

	store, err := metadata.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}
	store.Close()

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	result := &ImportResult{
		Counts:  make(map[string]int),
		Skipped: make(map[string]int),
	}

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}

	if opts.Replace {
		for _, table := range deleteOrder {
			if _, ok := data[table]; ok {
				if _, err := tx.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
					tx.Rollback()
					return nil, fmt.Errorf("deleting %s: %w", table, err)
				}
			}
		}
	}

	for _, table := range insertOrder {
		rowList, ok := data[table].([]any)
		if !ok {
			continue
		}
		columns := tableColumns[table]

		inserted := 0
		skipped := 0

		for _, rawRow := range rowList {
			rowMap, ok := rawRow.(map[string]any)
			if !ok {
				skipped++
				continue
			}

			if table == "providers" && isRedacted(rowMap) {
				skipped++
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("Skipped provider '%v': REDACTED credentials", rowMap["name"]))
				continue
			}

			collapsed := collapseRow(rowMap)
			placeholders := make([]string, len(columns))
			values := make([]any, len(columns))
			for i, col := range columns {
				placeholders[i] = "?"
				values[i] = collapsed[col]
			}

			colNames := strings.Join(columns, ", ")
			ph := strings.Join(placeholders, ", ")
			var query string
			if opts.Replace {
				query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, colNames, ph)
			} else {
				query = fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)", table, colNames, ph)
			}

			res, err := tx.Exec(query, values...)
			if err != nil {
				skipped++
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("Skipped %s row: %v", table, err))
				continue
			}
			affected, _ := res.RowsAffected()
			if affected > 0 {
				inserted++
			} else {
				skipped++
			}
		}

		result.Counts[table] = inserted
		result.Skipped[table] = skipped
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	return result, nil
}

func getSchemaVersion(db *sql.DB) int {
	var version int
	err := db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		return metadata.SchemaVersion
	}
	return version
}

func convertValue(col string, val any) any {
	if val == nil {
		return nil
	}
	if jsonFields[col] {
		s, ok := val.(string)
		if !ok {
			// sql driver may return []byte
			if b, ok := val.([]byte); ok {
				s = string(b)
			} else {
				return map[string]any{}
			}
		}
		var obj any
		if err := json.Unmarshal([]byte(s), &obj); err != nil {
			return map[string]any{}
		}
		return obj
	}
	if boolFields[col] {
		switch v := val.(type) {
		case int64:
			return v != 0
		case bool:
			return v
		default:
			return false
		}
	}
	// sql driver may return []byte for TEXT columns.
	if b, ok := val.([]byte); ok {
		return string(b)
	}
	return val
}

func collapseRow(row map[string]any) map[string]any {
	result := make(map[string]any, len(row))
	for k, v := range row {
		switch {
		case v == nil:
			result[k] = nil
		case jsonFields[k]:
			b, err := json.Marshal(v)
			if err != nil {
				result[k] = "{}"
			} else {
				result[k] = string(b)
			}
		case boolFields[k]:
			if b, ok := v.(bool); ok {
				if b {
					result[k] = int64(1)
				} else {
					result[k] = int64(0)
				}
			} else {
				result[k] = v
			}
		default:
			// JSON numbers decode as float64; the integer columns want int64.
			if f, ok := v.(float64); ok && f == float64(int64(f)) {
				result[k] = int64(f)
			} else {
				result[k] = v
			}
		}
	}
	return result
}

// marshalSorted produces JSON with sorted keys, 2-space indent.
func marshalSorted(data map[string]any) (string, error) {
	b, err := json.MarshalIndent(sortedMap(data), "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// sortedMap is a map that marshals with sorted keys.
type sortedMap map[string]any

func (m sortedMap) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyBytes...)
		buf = append(buf, ':')

		valBytes, err := marshalValue(m[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, valBytes...)
	}
	buf = append(buf, '}')
	return buf, nil
}

func marshalValue(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		return sortedMap(val).MarshalJSON()
	case []any:
		buf := []byte{'['}
		for i, elem := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			b, err := marshalValue(elem)
			if err != nil {
				return nil, err
			}
			buf = append(buf, b...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(v)
	}
}
