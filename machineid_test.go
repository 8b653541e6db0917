package meshrpc

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateMachineID_PersistsAcrossCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine-id")

	first := loadOrCreateMachineID(path)
	if first == "" {
		t.Fatal("expected a non-empty generated id")
	}

	second := loadOrCreateMachineID(path)
	if second != first {
		t.Fatalf("expected id to persist, got %q then %q", first, second)
	}
}

func TestLocalMachineID_CachedForProcess(t *testing.T) {
	t.Cleanup(resetMachineIDForTest)
	resetMachineIDForTest()

	a := localMachineID()
	b := localMachineID()
	if a != b {
		t.Fatalf("expected the same id within a process, got %q then %q", a, b)
	}
	if a == "" {
		t.Fatal("expected a non-empty machine id")
	}
}
