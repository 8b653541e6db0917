package meshrpc

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// machineIDFile is where a generated machine id is persisted so it
// survives process restarts on the same host. TransportSocketCache uses
// localMachineID() to decide whether an endpoint set names this machine
// (and can therefore be dialed over loopback) or a remote one.
const machineIDFile = "meshrpc-machine-id"

var (
	machineIDOnce  sync.Once
	cachedMachineID string
)

// localMachineID returns a stable identifier for this host, generating
// and persisting one on first use if none exists yet. It is cached for
// the lifetime of the process (mirroring the original project's
// process-wide caching of qi::os::getMachineId), so every
// TransportSocketCache in this process shares one identity.
func localMachineID() string {
	machineIDOnce.Do(func() {
		cachedMachineID = loadOrCreateMachineID(machineIDPath())
	})
	return cachedMachineID
}

func machineIDPath() string {
	dir := os.TempDir()
	if cfg, err := os.UserCacheDir(); err == nil {
		dir = cfg
	}
	return filepath.Join(dir, machineIDFile)
}

func loadOrCreateMachineID(path string) string {
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}

	id := uuid.New().String()
	// Best-effort persistence: a failure here (read-only filesystem,
	// missing cache dir) just means every process on this host gets its
	// own id for this run, which is safe, only sub-optimal for reuse.
	_ = os.WriteFile(path, []byte(id), 0o644)
	return id
}

// resetMachineIDForTest clears the cached machine id so tests can force a
// fresh generation against a temporary path.
func resetMachineIDForTest() {
	machineIDOnce = sync.Once{}
	cachedMachineID = ""
}
