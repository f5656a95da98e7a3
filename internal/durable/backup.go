package durable

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BackupType classifies the scope of a backup manifest (spec.md §6).
type BackupType string

const (
	BackupFull         BackupType = "full"
	BackupIncremental  BackupType = "incremental"
	BackupDifferential BackupType = "differential"
)

// ColumnDef describes one column's structure within a backed-up table.
type ColumnDef struct {
	Type     string      `json:"type"`
	Nullable bool        `json:"nullable"`
	Default  interface{} `json:"default,omitempty"`
}

// TableBackup is one table's structure and row records.
type TableBackup struct {
	Structure map[string]ColumnDef     `json:"structure"`
	Records   []map[string]interface{} `json:"records"`
}

// Manifest is the on-disk backup format (spec.md §6): JSON, optionally
// gzip-compressed.
type Manifest struct {
	BackupID   string                 `json:"backup_id"`
	BackupType BackupType             `json:"backup_type"`
	CreatedAt  string                 `json:"created_at"` // ISO-8601
	Tables     map[string]TableBackup `json:"tables"`
}

// NewManifest builds an empty manifest of the given type, stamped with the
// current time.
func NewManifest(backupType BackupType, now time.Time) *Manifest {
	return &Manifest{
		BackupID:   uuid.NewString(),
		BackupType: backupType,
		CreatedAt:  now.UTC().Format(time.RFC3339),
		Tables:     make(map[string]TableBackup),
	}
}

// Executor is the narrow SQL surface backup/restore needs from a
// dbpool.Backend — both PostgresBackend and any future SQL-capable backend
// can satisfy it without widening the core Backend interface.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...interface{}) error
	Query(ctx context.Context, sql string, fn func(scan func(dest ...interface{}) error) error, args ...interface{}) error
}

// Write serializes m as JSON to w, gzip-compressing when gz is true.
func Write(w io.Writer, m *Manifest, gz bool) error {
	if gz {
		gw := gzip.NewWriter(w)
		defer gw.Close()
		w = gw
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

// Read deserializes a manifest from r, transparently handling gzip via a
// magic-number sniff.
func Read(r io.Reader) (*Manifest, error) {
	buffered := bufio.NewReader(r)
	magic, err := buffered.Peek(2)
	if err == nil && len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gr, err := gzip.NewReader(buffered)
		if err != nil {
			return nil, fmt.Errorf("durable: open gzip manifest: %w", err)
		}
		defer gr.Close()
		return decodeManifest(gr)
	}
	return decodeManifest(buffered)
}

func decodeManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("durable: decode manifest: %w", err)
	}
	if m.BackupID == "" {
		return nil, fmt.Errorf("durable: manifest missing backup_id")
	}
	switch m.BackupType {
	case BackupFull, BackupIncremental, BackupDifferential:
	default:
		return nil, fmt.Errorf("durable: manifest has unknown backup_type %q", m.BackupType)
	}
	return &m, nil
}

// Restore validates the manifest, optionally drops each target table,
// re-creates its structure, and inserts its records (spec.md §6).
func Restore(ctx context.Context, exec Executor, m *Manifest, dropExisting bool) error {
	if m.BackupID == "" {
		return fmt.Errorf("durable: manifest missing backup_id")
	}
	switch m.BackupType {
	case BackupFull, BackupIncremental, BackupDifferential:
	default:
		return fmt.Errorf("durable: manifest has unknown backup_type %q", m.BackupType)
	}
	for table, tb := range m.Tables {
		if dropExisting {
			if err := exec.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(table))); err != nil {
				return fmt.Errorf("durable: drop table %s: %w", table, err)
			}
		}
		if err := createTable(ctx, exec, table, tb.Structure); err != nil {
			return fmt.Errorf("durable: create table %s: %w", table, err)
		}
		if err := insertRecords(ctx, exec, table, tb.Records); err != nil {
			return fmt.Errorf("durable: insert records into %s: %w", table, err)
		}
	}
	return nil
}

func createTable(ctx context.Context, exec Executor, table string, cols map[string]ColumnDef) error {
	var defs []string
	for col, def := range cols {
		clause := fmt.Sprintf("%s %s", quoteIdent(col), def.Type)
		if !def.Nullable {
			clause += " NOT NULL"
		}
		if def.Default != nil {
			clause += fmt.Sprintf(" DEFAULT %v", def.Default)
		}
		defs = append(defs, clause)
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(table), strings.Join(defs, ", "))
	return exec.Exec(ctx, stmt)
}

func insertRecords(ctx context.Context, exec Executor, table string, records []map[string]interface{}) error {
	for _, rec := range records {
		cols := make([]string, 0, len(rec))
		placeholders := make([]string, 0, len(rec))
		args := make([]interface{}, 0, len(rec))
		i := 1
		for col, val := range rec {
			cols = append(cols, quoteIdent(col))
			placeholders = append(placeholders, fmt.Sprintf("$%d", i))
			args = append(args, val)
			i++
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(table), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
		if err := exec.Exec(ctx, stmt, args...); err != nil {
			return err
		}
	}
	return nil
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
