// Package worker implements the calculator role: a small
// ready/busy/not_available state machine that heartbeats to the
// dispatcher, accepts or rejects perform_task based on current state, and
// executes tasks for a random duration before reporting completion.
package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// instanceState is persisted to disk so a worker presents a stable
// instance ID across restarts. The ID never travels on the wire (the
// protocol schemas have no identifier field beyond the network address);
// it exists purely for local log correlation.
type instanceState struct {
	InstanceID string `json:"instance_id"`
}

func stateFilePath(stateDir string) string {
	return filepath.Join(stateDir, "worker-state.json")
}

// loadOrCreateInstanceID reads the persisted instance ID from stateDir, or
// mints and persists a new one if none exists yet.
func loadOrCreateInstanceID(stateDir string) (string, error) {
	st, err := loadInstanceState(stateDir)
	if err != nil {
		return "", err
	}
	if st.InstanceID != "" {
		return st.InstanceID, nil
	}

	st = instanceState{InstanceID: uuid.NewString()}
	if err := saveInstanceState(stateDir, st); err != nil {
		return "", err
	}
	return st.InstanceID, nil
}

func loadInstanceState(stateDir string) (instanceState, error) {
	data, err := os.ReadFile(stateFilePath(stateDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return instanceState{}, nil
		}
		return instanceState{}, fmt.Errorf("worker: failed to read state file: %w", err)
	}
	var s instanceState
	if err := json.Unmarshal(data, &s); err != nil {
		return instanceState{}, fmt.Errorf("worker: corrupted state file: %w", err)
	}
	return s, nil
}

// saveInstanceState writes state to disk atomically via temp file + rename.
func saveInstanceState(stateDir string, s instanceState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("worker: failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		return fmt.Errorf("worker: failed to create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(stateDir, "worker-state.*.tmp")
	if err != nil {
		return fmt.Errorf("worker: failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("worker: failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("worker: failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(stateDir)); err != nil {
		return fmt.Errorf("worker: failed to rename state file: %w", err)
	}
	ok = true
	return nil
}
