package journal

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/infraguys/gcl-looper/loop"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestOpen_CreatesDirectory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "journal.db")
	j, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestOpen_Reopen(t *testing.T) {
	t.Parallel()

	// Migration must be idempotent across reopens.
	path := filepath.Join(t.TempDir(), "journal.db")
	for range 2 {
		j, err := Open(path, nil)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if err := j.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
}

func TestJournal_PassRoundTrip(t *testing.T) {
	t.Parallel()

	j := openTestJournal(t)

	started := time.Now().Add(-time.Minute)
	j.PassFinished("worker", loop.Pass{Number: 0, Started: started}, 120*time.Millisecond, nil)
	j.PassFinished("worker", loop.Pass{Number: 1, Started: started.Add(time.Second)}, 80*time.Millisecond, errors.New("boom"))
	j.PassFinished("other", loop.Pass{Number: 0, Started: started}, time.Millisecond, nil)

	records, err := j.RecentPasses("worker", 10)
	if err != nil {
		t.Fatalf("RecentPasses: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}

	// Newest first.
	if records[0].Number != 1 {
		t.Errorf("records[0].Number = %d, want 1", records[0].Number)
	}
	if records[0].Error != "boom" {
		t.Errorf("records[0].Error = %q, want boom", records[0].Error)
	}
	if records[0].Duration != 80*time.Millisecond {
		t.Errorf("records[0].Duration = %v, want 80ms", records[0].Duration)
	}
	if records[1].Number != 0 || records[1].Error != "" {
		t.Errorf("records[1] = %+v", records[1])
	}
}

func TestJournal_RecentPassesLimit(t *testing.T) {
	t.Parallel()

	j := openTestJournal(t)
	base := time.Now()
	for i := range 5 {
		j.PassFinished("worker", loop.Pass{Number: uint64(i), Started: base.Add(time.Duration(i) * time.Second)}, time.Millisecond, nil)
	}

	records, err := j.RecentPasses("worker", 3)
	if err != nil {
		t.Fatalf("RecentPasses: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	if records[0].Number != 4 {
		t.Errorf("newest record number = %d, want 4", records[0].Number)
	}

	if records, _ := j.RecentPasses("worker", 0); records != nil {
		t.Errorf("RecentPasses(0) = %v, want nil", records)
	}
}

func TestJournal_Runs(t *testing.T) {
	t.Parallel()

	j := openTestJournal(t)

	id, err := j.RunStarted("gcl-looper")
	if err != nil {
		t.Fatalf("RunStarted: %v", err)
	}
	if id == 0 {
		t.Fatal("RunStarted returned zero id")
	}
	if err := j.RunStopped(id, "clean"); err != nil {
		t.Fatalf("RunStopped: %v", err)
	}
}

func TestJournal_Prune(t *testing.T) {
	t.Parallel()

	j := openTestJournal(t)

	old := time.Now().Add(-48 * time.Hour)
	j.PassFinished("worker", loop.Pass{Number: 0, Started: old}, time.Millisecond, nil)
	j.PassFinished("worker", loop.Pass{Number: 1, Started: time.Now()}, time.Millisecond, nil)

	n, err := j.Prune(24 * time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("Prune removed %d rows, want 1", n)
	}

	records, err := j.RecentPasses("worker", 10)
	if err != nil {
		t.Fatalf("RecentPasses: %v", err)
	}
	if len(records) != 1 || records[0].Number != 1 {
		t.Errorf("surviving records = %+v, want only pass 1", records)
	}
}
