package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/packset/packset/internal/pack"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()

	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndList(t *testing.T) {
	j := openTestJournal(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	outcomes := []pack.Outcome{
		{PackID: "core-assets", PackVersion: "1.0.0", PlatformID: "linux-x64", Status: pack.StatusCompleted, BytesDownloaded: 4096, FinishedAt: base},
		{PackID: "extras", Status: pack.StatusError, Error: "archive checksum mismatch", FinishedAt: base.Add(time.Minute)},
		{PackID: "core-assets", PackVersion: "1.1.0", PlatformID: "linux-x64", Status: pack.StatusCancelled, FinishedAt: base.Add(2 * time.Minute)},
	}

	for _, o := range outcomes {
		if err := j.Record(o); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	entries, err := j.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("List() returned %d entries, want 3", len(entries))
	}

	// Entries come back in finish order.
	wantStatus := []pack.Status{pack.StatusCompleted, pack.StatusError, pack.StatusCancelled}
	for i, entry := range entries {
		if entry.Status != wantStatus[i] {
			t.Errorf("entry[%d].Status = %q, want %q", i, entry.Status, wantStatus[i])
		}
		if entry.ID == "" {
			t.Errorf("entry[%d] has empty id", i)
		}
	}

	if entries[1].Error != "archive checksum mismatch" {
		t.Errorf("entry[1].Error = %q", entries[1].Error)
	}
}

func TestForPack(t *testing.T) {
	j := openTestJournal(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"alpha", "beta", "alpha"} {
		err := j.Record(pack.Outcome{PackID: id, Status: pack.StatusCompleted, FinishedAt: base.Add(time.Duration(i) * time.Second)})
		if err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	entries, err := j.ForPack("alpha")
	if err != nil {
		t.Fatalf("ForPack() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ForPack(alpha) returned %d entries, want 2", len(entries))
	}

	entries, err = j.ForPack("missing")
	if err != nil {
		t.Fatalf("ForPack() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("ForPack(missing) returned %d entries, want 0", len(entries))
	}
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := j.Record(pack.Outcome{PackID: "durable", Status: pack.StatusCompleted, FinishedAt: time.Now()}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	j, err = Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer j.Close()

	entries, err := j.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(entries) != 1 || entries[0].PackID != "durable" {
		t.Errorf("entries after reopen = %+v", entries)
	}
}
