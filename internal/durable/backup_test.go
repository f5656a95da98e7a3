package durable

import (
	"bytes"
	"context"
	"testing"
	"time"
)

type fakeExecutor struct {
	execStmts []string
	execArgs  [][]interface{}
}

func (f *fakeExecutor) Exec(ctx context.Context, sql string, args ...interface{}) error {
	f.execStmts = append(f.execStmts, sql)
	f.execArgs = append(f.execArgs, args)
	return nil
}

func (f *fakeExecutor) Query(ctx context.Context, sql string, fn func(scan func(dest ...interface{}) error) error, args ...interface{}) error {
	return nil
}

func sampleManifest() *Manifest {
	m := NewManifest(BackupFull, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m.Tables["widgets"] = TableBackup{
		Structure: map[string]ColumnDef{
			"id":   {Type: "INTEGER", Nullable: false},
			"name": {Type: "TEXT", Nullable: true},
		},
		Records: []map[string]interface{}{
			{"id": float64(1), "name": "foo"},
			{"id": float64(2), "name": "bar"},
		},
	}
	return m
}

func TestBackupWriteReadRoundTripPlain(t *testing.T) {
	m := sampleManifest()
	var buf bytes.Buffer
	if err := Write(&buf, m, false); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.BackupID != m.BackupID || got.BackupType != m.BackupType {
		t.Fatalf("round-trip mismatch: %+v vs %+v", got, m)
	}
	if len(got.Tables["widgets"].Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got.Tables["widgets"].Records))
	}
}

func TestBackupWriteReadRoundTripGzip(t *testing.T) {
	m := sampleManifest()
	var buf bytes.Buffer
	if err := Write(&buf, m, true); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read (gzip): %v", err)
	}
	if got.BackupID != m.BackupID {
		t.Fatalf("expected backup id %s, got %s", m.BackupID, got.BackupID)
	}
}

func TestReadRejectsUnknownBackupType(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(`{"backup_id":"x","backup_type":"weird","created_at":"","tables":{}}`)
	if _, err := Read(&buf); err == nil {
		t.Fatal("expected an error for an unrecognized backup_type")
	}
}

func TestReadRejectsMissingBackupID(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(`{"backup_type":"full","created_at":"","tables":{}}`)
	if _, err := Read(&buf); err == nil {
		t.Fatal("expected an error when backup_id is missing")
	}
}

func TestRestoreCreatesTableAndInsertsRecords(t *testing.T) {
	m := sampleManifest()
	exec := &fakeExecutor{}

	if err := Restore(context.Background(), exec, m, false); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if len(exec.execStmts) == 0 {
		t.Fatal("expected at least one executed statement")
	}
	sawCreate, sawInsert := false, false
	for _, s := range exec.execStmts {
		if bytes.Contains([]byte(s), []byte("CREATE TABLE")) {
			sawCreate = true
		}
		if bytes.Contains([]byte(s), []byte("INSERT INTO")) {
			sawInsert = true
		}
	}
	if !sawCreate || !sawInsert {
		t.Fatalf("expected both a CREATE TABLE and INSERT INTO statement, got %v", exec.execStmts)
	}
}

func TestRestoreDropsExistingWhenRequested(t *testing.T) {
	m := sampleManifest()
	exec := &fakeExecutor{}

	if err := Restore(context.Background(), exec, m, true); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !bytes.Contains([]byte(exec.execStmts[0]), []byte("DROP TABLE")) {
		t.Fatalf("expected the first statement to drop the existing table, got %s", exec.execStmts[0])
	}
}

func TestQuoteIdentEscapesDoubleQuotes(t *testing.T) {
	got := quoteIdent(`weird"name`)
	want := `"weird""name"`
	if got != want {
		t.Fatalf("quoteIdent(%q) = %q, want %q", `weird"name`, got, want)
	}
}
