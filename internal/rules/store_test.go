package rules

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sleepysoong/codial/internal/apperr"
)

func TestRulesRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())

	if _, err := store.Append("A"); err != nil {
		t.Fatalf("append A: %v", err)
	}
	if _, err := store.Append("B"); err != nil {
		t.Fatalf("append B: %v", err)
	}

	list, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0] != "A" || list[1] != "B" {
		t.Fatalf("unexpected list %v", list)
	}

	if _, err := store.Remove(1); err != nil {
		t.Fatalf("remove 1: %v", err)
	}
	list, err = store.List()
	if err != nil {
		t.Fatalf("list after remove: %v", err)
	}
	if len(list) != 1 || list[0] != "B" {
		t.Fatalf("expected [B], got %v", list)
	}
}

func TestRemoveOutOfRange(t *testing.T) {
	store := NewStore(t.TempDir())
	if _, err := store.Append("A"); err != nil {
		t.Fatalf("append: %v", err)
	}

	for _, index := range []int{0, -1, 5} {
		_, err := store.Remove(index)
		if apperr.CodeOf(err) != apperr.CodeIndexOutOfRange {
			t.Fatalf("expected INDEX_OUT_OF_RANGE for index %d, got %v", index, err)
		}
	}
}

func TestEmptyAppendIsNoop(t *testing.T) {
	store := NewStore(t.TempDir())
	list, err := store.Append("   ")
	if err != nil {
		t.Fatalf("append blank: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no rules, got %v", list)
	}
}

func TestFileFormat(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)
	if _, err := store.Append("always write tests"); err != nil {
		t.Fatalf("append: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "CODIAL.md"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	text := string(data)
	if !strings.HasPrefix(text, "# CODIAL.md") {
		t.Fatalf("missing header: %q", text)
	}
	if !strings.Contains(text, "- always write tests") {
		t.Fatalf("missing rule bullet: %q", text)
	}

	// No stray temp files after the atomic rewrite.
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only CODIAL.md, got %d entries", len(entries))
	}
}

func TestListWithoutFile(t *testing.T) {
	store := NewStore(t.TempDir())
	list, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %v", list)
	}
}
