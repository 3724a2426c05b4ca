// Package batch wraps long-running workflows with a durable checkpoint file
// and a consecutive-failure circuit breaker so a crash or stop resumes
// without re-submitting work or re-spending money.
package batch

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/obit-cli/internal/model"
)

// Checkpoint is the durable progress record of one batch. It is owned by a
// single process; running two instances against one file is unsupported.
type Checkpoint struct {
	path    string
	mu      sync.Mutex
	state   model.CheckpointState
	done    map[int64]struct{}
	resumed bool
	nowFunc func() time.Time
}

// OpenCheckpoint loads the checkpoint at path, or starts a fresh one when
// the file does not exist. An empty path keeps progress in memory only.
func OpenCheckpoint(path string) (*Checkpoint, error) {
	c := &Checkpoint{path: path, done: make(map[int64]struct{}), nowFunc: time.Now}
	now := c.nowFunc().UTC()
	c.state = model.CheckpointState{
		ProcessedIDs: []int64{},
		StartedAt:    now,
		LastUpdated:  now,
		Stats:        map[string]float64{},
	}
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "batch: read checkpoint %s", path)
	}
	var st model.CheckpointState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, eris.Wrapf(err, "batch: parse checkpoint %s", path)
	}
	if st.ProcessedIDs == nil {
		st.ProcessedIDs = []int64{}
	}
	if st.Stats == nil {
		st.Stats = map[string]float64{}
	}
	for _, id := range st.ProcessedIDs {
		c.done[id] = struct{}{}
	}
	c.state = st
	c.resumed = true
	return c, nil
}

// Path returns the checkpoint file path.
func (c *Checkpoint) Path() string { return c.path }

// Resumed reports whether the checkpoint was loaded from disk.
func (c *Checkpoint) Resumed() bool { return c.resumed }

// State returns a copy of the current state.
func (c *Checkpoint) State() model.CheckpointState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state
	st.ProcessedIDs = append([]int64(nil), c.state.ProcessedIDs...)
	st.Stats = make(map[string]float64, len(c.state.Stats))
	for k, v := range c.state.Stats {
		st.Stats[k] = v
	}
	return st
}

// Processed reports whether id was already handled.
func (c *Checkpoint) Processed(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.done[id]
	return ok
}

// MarkProcessed records id. It is idempotent.
func (c *Checkpoint) MarkProcessed(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.done[id]; ok {
		return
	}
	c.done[id] = struct{}{}
	c.state.ProcessedIDs = append(c.state.ProcessedIDs, id)
}

// JobID returns the external job ID, if one was submitted.
func (c *Checkpoint) JobID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.ExternalJobID
}

// SetJobID records the external job ID.
func (c *Checkpoint) SetJobID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.ExternalJobID = id
}

// AddStat adds delta to a named running total.
func (c *Checkpoint) AddStat(key string, delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Stats[key] += delta
}

// Save writes the checkpoint atomically: a temp file in the same directory,
// then a rename over the target.
func (c *Checkpoint) Save() error {
	if c.path == "" {
		return nil
	}
	c.mu.Lock()
	c.state.LastUpdated = c.nowFunc().UTC()
	data, err := json.MarshalIndent(c.state, "", "  ")
	c.mu.Unlock()
	if err != nil {
		return eris.Wrap(err, "batch: marshal checkpoint")
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "batch: create checkpoint dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return eris.Wrap(err, "batch: create temp checkpoint")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()        //nolint:errcheck
		os.Remove(tmpName) //nolint:errcheck
		return eris.Wrap(err, "batch: write temp checkpoint")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return eris.Wrap(err, "batch: close temp checkpoint")
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return eris.Wrapf(err, "batch: rename checkpoint to %s", c.path)
	}
	return nil
}

// Delete removes the checkpoint file after a clean completion.
func (c *Checkpoint) Delete() error {
	if c.path == "" {
		return nil
	}
	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return eris.Wrapf(err, "batch: delete checkpoint %s", c.path)
	}
	return nil
}
