package identity

import (
	"os"
	"path/filepath"
	"testing"

	"meshrelay/pkg/packet"
)

func TestInlineWins(t *testing.T) {
	want := packet.NewSenderID()
	got, err := LoadOrCreate(want.String(), filepath.Join(t.TempDir(), "unused"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
	if _, err := LoadOrCreate("not-a-uuid", ""); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestFileIsCreatedThenReused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "sender.id")
	first, err := LoadOrCreate("", path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("identity not persisted: %v", err)
	}
	second, err := LoadOrCreate("", path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if first != second {
		t.Fatalf("identity changed across loads: %s vs %s", first, second)
	}
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sender.id")
	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadOrCreate("", path); err == nil {
		t.Fatalf("expected error for corrupt identity file")
	}
}

func TestEphemeral(t *testing.T) {
	a, err := LoadOrCreate("", "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, _ := LoadOrCreate("", "")
	if a == b {
		t.Fatalf("ephemeral ids should differ")
	}
}
