package fragment

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"conductor/internal/logging"
)

const sidecarVersion = 1

// sidecarFile is the on-disk system of record for fragments. The vector
// index can always be rebuilt from it; the reverse is not true because
// chromem metadata only carries the filterable subset of each fragment.
type sidecarFile struct {
	Version   int        `json:"version"`
	SavedAt   time.Time  `json:"savedAt"`
	Dimension int        `json:"dimension"`
	Fragments []Fragment `json:"fragments"`
}

// sidecarStore reads and writes fragments.json. Save errors are logged
// and swallowed so metadata persistence never fails a create or update
// that already landed in the vector index.
type sidecarStore struct {
	path   string
	logger logging.Logger
}

func newSidecarStore(path string, logger logging.Logger) *sidecarStore {
	return &sidecarStore{path: path, logger: logging.OrNop(logger)}
}

// load reads the sidecar. A missing file is a clean first start; a file
// that fails to decode is quarantined so a fresh store can begin.
func (st *sidecarStore) load() (map[string]Fragment, int, bool) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			st.logger.Warn("fragment: read sidecar %s: %v", st.path, err)
		}
		return nil, 0, false
	}

	var file sidecarFile
	if err := json.Unmarshal(data, &file); err != nil {
		st.quarantine(err)
		return nil, 0, false
	}

	fragments := make(map[string]Fragment, len(file.Fragments))
	for _, f := range file.Fragments {
		fragments[f.ID] = f
	}
	return fragments, file.Dimension, true
}

// quarantine moves a corrupt sidecar aside instead of deleting it.
func (st *sidecarStore) quarantine(cause error) {
	dst := fmt.Sprintf("%s.corrupt.%d", st.path, time.Now().Unix())
	if err := os.Rename(st.path, dst); err != nil {
		st.logger.Error("fragment: quarantine corrupt sidecar: %v (decode error: %v)", err, cause)
		return
	}
	st.logger.Warn("fragment: sidecar did not decode (%v), moved to %s", cause, dst)
}

func (st *sidecarStore) save(dimension int, fragments map[string]Fragment) {
	file := sidecarFile{
		Version:   sidecarVersion,
		SavedAt:   time.Now().UTC(),
		Dimension: dimension,
		Fragments: make([]Fragment, 0, len(fragments)),
	}
	for _, f := range fragments {
		file.Fragments = append(file.Fragments, f)
	}
	sort.Slice(file.Fragments, func(i, j int) bool {
		return file.Fragments[i].ID < file.Fragments[j].ID
	})

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		st.logger.Error("fragment: encode sidecar: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(st.path), 0o755); err != nil {
		st.logger.Error("fragment: create sidecar dir: %v", err)
		return
	}
	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		st.logger.Error("fragment: write temp sidecar: %v", err)
		return
	}
	if err := os.Rename(tmp, st.path); err != nil {
		_ = os.Remove(tmp)
		st.logger.Error("fragment: rename sidecar: %v", err)
	}
}
