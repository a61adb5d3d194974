package logbook

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestTailReturnsRecentLinesAndTotal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journey.log")
	book, err := New(path)
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	for i := 0; i < 5; i++ {
		book.Info("entry-%d", i)
	}
	lines, total := book.Tail(3)
	if total != 5 {
		t.Fatalf("total lines = %d, want 5", total)
	}
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
	for idx, want := range []string{"entry-2", "entry-3", "entry-4"} {
		if !strings.Contains(lines[idx], want) {
			t.Fatalf("line %d = %q, missing %s", idx, lines[idx], want)
		}
	}
}

func TestForInstanceWritesLevels(t *testing.T) {
	dir := t.TempDir()
	book, err := ForInstance(filepath.Join(dir, "journal"), "abc-123")
	if err != nil {
		t.Fatalf("for instance: %v", err)
	}
	if book.Path() != filepath.Join(dir, "journal", "abc-123.log") {
		t.Fatalf("unexpected path %s", book.Path())
	}
	book.Warn("step %s retrying", "build")
	book.Error("step %s failed", "deploy")

	lines, total := TailFile(book.Path(), 10)
	if total != 2 || len(lines) != 2 {
		t.Fatalf("unexpected tail %v (%d)", lines, total)
	}
	if !strings.Contains(lines[0], "WARN  step build retrying") {
		t.Fatalf("unexpected warn line %q", lines[0])
	}
	if !strings.Contains(lines[1], "ERROR step deploy failed") {
		t.Fatalf("unexpected error line %q", lines[1])
	}
}

func TestTailMissingFileAndNilLogbook(t *testing.T) {
	lines, total := TailFile(filepath.Join(t.TempDir(), "missing.log"), 5)
	if lines != nil || total != 0 {
		t.Fatalf("missing file should yield nothing, got %v %d", lines, total)
	}
	var book *Logbook
	book.Info("ignored")
	if lines, total := book.Tail(1); lines != nil || total != 0 {
		t.Fatalf("nil logbook should yield nothing")
	}
}
