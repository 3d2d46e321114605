// Package serialization handles metadata export/import between PostgreSQL
// and JSON, for backing up or migrating a gateway's catalog independently
// of its object data.
package serialization

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1
)

// AllTables lists all valid table names in dependency order.
var AllTables = []string{"users", "keys", "buckets", "objects", "blobs", "multipart_uploads"}

// tableColumns defines column order for each table.
var tableColumns = map[string][]string{
	"users":             {"id", "name", "email", "creation_date"},
	"keys":              {"access_key", "secret_key", "user_id"},
	"buckets":           {"name", "owner", "creation_date", "region", "backend"},
	"objects":           {"bucket_name", "oid", "last_modified", "blob_id", "version_id", "retain_until", "retention_mode", "legal_hold"},
	"blobs":             {"id", "size", "etag", "region", "backend", "checksum_algorithm", "checksum"},
	"multipart_uploads": {"bucket_name", "oid", "upload_id", "blob_id", "backend_upload_id", "uploaded_at", "region", "backend"},
}

var tableOrderBy = map[string]string{
	"users":             "id",
	"keys":              "access_key",
	"buckets":           "name",
	"objects":           "bucket_name, oid",
	"blobs":             "id",
	"multipart_uploads": "bucket_name, oid, upload_id",
}

var deleteOrder = []string{"multipart_uploads", "objects", "blobs", "buckets", "keys", "users"}
var insertOrder = []string{"users", "keys", "buckets", "blobs", "objects", "multipart_uploads"}

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

// ExportMetadata exports the catalog from the database at connString to a
// JSON string.
func ExportMetadata(ctx context.Context, connString string, opts *ExportOptions) (string, error) {
	if opts == nil {
		opts = &ExportOptions{Tables: AllTables}
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return "", fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	now := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	result := map[string]any{
		"bleepstore_export": map[string]any{
			"version":     ExportVersion,
			"exported_at": now,
			"source":      "go/" + Version,
		},
	}

	for _, table := range opts.Tables {
		columns, ok := tableColumns[table]
		if !ok {
			continue
		}
		orderBy := tableOrderBy[table]
		query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", joinColumns(columns), table, orderBy)
		rows, err := pool.Query(ctx, query)
		if err != nil {
			return "", fmt.Errorf("querying %s: %w", table, err)
		}

		tableRows := make([]map[string]any, 0)
		for rows.Next() {
			values, err := rows.Values()
			if err != nil {
				rows.Close()
				return "", fmt.Errorf("scanning %s row: %w", table, err)
			}

			row := make(map[string]any, len(columns))
			for i, col := range columns {
				row[col] = convertValue(values[i])
			}

			if table == "keys" && !opts.IncludeCredentials {
				row["secret_key"] = "REDACTED"
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

// ImportMetadata imports a catalog snapshot from a JSON string into the
// database at connString.
func ImportMetadata(ctx context.Context, connString string, jsonStr string, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}

	envelope, _ := data["bleepstore_export"].(map[string]any)
	version, _ := envelope["version"].(float64)
	if version < 1 || version > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %v", version)
	}

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	result := &ImportResult{
		Counts:  make(map[string]int),
		Skipped: make(map[string]int),
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if opts.Replace {
		for _, table := range deleteOrder {
			if _, ok := data[table]; ok {
				if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s", table)); err != nil {
					return nil, fmt.Errorf("deleting %s: %w", table, err)
				}
			}
		}
	}

	for _, table := range insertOrder {
		rowsData, ok := data[table]
		if !ok {
			continue
		}
		rowList, ok := rowsData.([]any)
		if !ok {
			continue
		}
		columns, ok := tableColumns[table]
		if !ok {
			continue
		}

		inserted := 0
		skipped := 0

		for _, rawRow := range rowList {
			rowMap, ok := rawRow.(map[string]any)
			if !ok {
				skipped++
				continue
			}

			if table == "keys" {
				if sk, _ := rowMap["secret_key"].(string); sk == "REDACTED" {
					skipped++
					result.Warnings = append(result.Warnings,
						fmt.Sprintf("Skipped key '%v': REDACTED secret_key", rowMap["access_key"]))
					continue
				}
			}

			values := make([]any, len(columns))
			for i, col := range columns {
				values[i] = rowMap[col]
			}

			conflictTarget := conflictColumn(table)
			var query string
			if opts.Replace {
				query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, joinColumns(columns), placeholders(len(columns)))
			} else {
				query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
					table, joinColumns(columns), placeholders(len(columns)), conflictTarget)
			}

			tag, err := tx.Exec(ctx, query, values...)
			if err != nil {
				skipped++
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("Skipped %s row: %v", table, err))
				continue
			}
			if tag.RowsAffected() > 0 {
				inserted++
			} else {
				skipped++
			}
		}

		result.Counts[table] = inserted
		result.Skipped[table] = skipped
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	return result, nil
}

// conflictColumn returns the primary key column(s) used for ON CONFLICT
// DO NOTHING during non-replace imports.
func conflictColumn(table string) string {
	switch table {
	case "users":
		return "id"
	case "keys":
		return "access_key"
	case "buckets":
		return "name"
	case "objects":
		return "bucket_name, oid"
	case "blobs":
		return "id"
	case "multipart_uploads":
		return "bucket_name, oid, upload_id"
	default:
		return ""
	}
}

func joinColumns(columns []string) string {
	out := columns[0]
	for _, c := range columns[1:] {
		out += ", " + c
	}
	return out
}

func placeholders(n int) string {
	out := "$1"
	for i := 2; i <= n; i++ {
		out += fmt.Sprintf(", $%d", i)
	}
	return out
}

// convertValue normalizes pgx-returned types (uuid.UUID, pgtype.Timestamptz,
// etc.) to JSON-friendly values via their String()/stringer forms where
// direct marshaling would otherwise produce opaque byte arrays.
func convertValue(val any) any {
	if val == nil {
		return nil
	}
	if t, ok := val.(time.Time); ok {
		return t.UTC().Format("2006-01-02T15:04:05.000Z")
	}
	if s, ok := val.(fmt.Stringer); ok {
		return s.String()
	}
	return val
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
