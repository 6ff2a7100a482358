package registry

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.json")
	s, err := Open(path, slog.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, path
}

func TestOpenMissingFileIsEmpty(t *testing.T) {
	s, _ := newTestStore(t)
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0 for a fresh registry", s.Len())
	}
}

func TestOpenRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, slog.Default()); err == nil {
		t.Error("Open accepted a corrupt registry file")
	}
}

func TestAddPersistsAcrossReopen(t *testing.T) {
	s, path := newTestStore(t)

	for _, id := range []int64{300, 100, 200, 100} {
		if err := s.Add(id); err != nil {
			t.Fatalf("Add(%d): %v", id, err)
		}
	}

	reopened, err := Open(path, slog.Default())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	got := reopened.Users()
	want := []int64{100, 200, 300}
	if len(got) != len(want) {
		t.Fatalf("Users = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Users[%d] = %d, want %d (sorted, deduplicated)", i, got[i], want[i])
		}
	}
}

func TestAddKnownUserDoesNotRewrite(t *testing.T) {
	s, path := newTestStore(t)

	if err := s.Add(1); err != nil {
		t.Fatal(err)
	}
	before, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	// Replace the file; a no-op Add must not restore it.
	if err := os.WriteFile(path, []byte(`{"users":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(1); err != nil {
		t.Fatal(err)
	}

	after, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if after.Size() == before.Size() {
		t.Error("registry file rewritten for an already-known user")
	}
}

func TestAddWriteFailureKeepsMembership(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "users.json")
	s, err := Open(path, slog.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// The parent directory does not exist, so the write must fail.
	if err := s.Add(7); err == nil {
		t.Fatal("Add with an unwritable path returned no error")
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want the in-memory insertion retained", s.Len())
	}
}

func TestConcurrentAdds(t *testing.T) {
	s, path := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if err := s.Add(id); err != nil {
				t.Errorf("Add(%d): %v", id, err)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	reopened, err := Open(path, slog.Default())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Len() != 20 {
		t.Errorf("persisted users = %d, want 20", reopened.Len())
	}
}
