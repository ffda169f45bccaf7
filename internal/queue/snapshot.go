package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"conductor/internal/logging"
)

const snapshotVersion = 1

// snapshot is the on-disk form of the queue. Running entries are not
// recorded; an attempt interrupted by a crash is simply gone, which
// matches the no-implicit-respawn contract.
type snapshot struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"savedAt"`
	Paused  bool      `json:"paused"`
	Config  Config    `json:"config"`
	Entries []Entry   `json:"entries"`
}

// snapshotStore reads and writes queue.json. Save errors are logged and
// swallowed so persistence never blocks dispatch.
type snapshotStore struct {
	path   string
	logger logging.Logger
}

func newSnapshotStore(path string, logger logging.Logger) *snapshotStore {
	return &snapshotStore{path: path, logger: logging.OrNop(logger)}
}

// load reads the snapshot. A missing file is a clean first start; a file
// that fails to decode is quarantined so a fresh queue can begin.
func (st *snapshotStore) load() (snapshot, bool) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			st.logger.Warn("queue: read snapshot %s: %v", st.path, err)
		}
		return snapshot{}, false
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		st.quarantine(err)
		return snapshot{}, false
	}
	return snap, true
}

// quarantine moves a corrupt snapshot aside instead of deleting it.
func (st *snapshotStore) quarantine(cause error) {
	dst := fmt.Sprintf("%s.corrupt.%d", st.path, time.Now().Unix())
	if err := os.Rename(st.path, dst); err != nil {
		st.logger.Error("queue: quarantine corrupt snapshot: %v (decode error: %v)", err, cause)
		return
	}
	st.logger.Warn("queue: snapshot did not decode (%v), moved to %s", cause, dst)
}

func (st *snapshotStore) save(snap snapshot) {
	snap.Version = snapshotVersion
	snap.SavedAt = time.Now().UTC()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		st.logger.Error("queue: encode snapshot: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(st.path), 0o755); err != nil {
		st.logger.Error("queue: create snapshot dir: %v", err)
		return
	}
	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		st.logger.Error("queue: write temp snapshot: %v", err)
		return
	}
	if err := os.Rename(tmp, st.path); err != nil {
		_ = os.Remove(tmp)
		st.logger.Error("queue: rename snapshot: %v", err)
	}
}
