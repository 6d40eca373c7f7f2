package blob

import (
	"errors"
	"os"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestSaveResolveRemove(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	path, err := s.Save("job-1", "wav", strings.NewReader("RIFF...."))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Resolve("job-1", "wav")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != path {
		t.Errorf("Resolve = %q, want %q", got, path)
	}

	data, err := os.ReadFile(got)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "RIFF...." {
		t.Errorf("stored content = %q", data)
	}

	if err := s.Remove("job-1", "wav"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Resolve("job-1", "wav"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve after remove = %v, want ErrNotFound", err)
	}

	// Removing again is a no-op.
	if err := s.Remove("job-1", "wav"); err != nil {
		t.Fatalf("Remove (second): %v", err)
	}
}

func TestResolveMissing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if _, err := s.Resolve("nope", "mp3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve = %v, want ErrNotFound", err)
	}
}

func TestPathTraversalRejected(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for _, id := range []string{"../escape", "a/b", `a\b`, "..", "x/../../etc/passwd"} {
		if _, err := s.Save(id, "wav", strings.NewReader("x")); err == nil {
			t.Errorf("Save(%q) should be rejected", id)
		}
		if _, err := s.Resolve(id, "wav"); err == nil || errors.Is(err, ErrNotFound) {
			t.Errorf("Resolve(%q) should be rejected outright, got %v", id, err)
		}
	}
}
