package scheduler

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/vigil/internal/model"
	atomicyaml "github.com/msageha/vigil/internal/yaml"
)

const stateFileType = "heartbeat_state"

// loadState reads the persisted scheduler accounting record. An absent file
// yields a zero record; a corrupt file is quarantined and recovered.
func loadState(vigilDir, path string) (model.SchedulerState, error) {
	defaultState := model.SchedulerState{
		SchemaVersion: atomicyaml.CurrentSchemaVersion,
		FileType:      stateFileType,
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultState, nil
		}
		return defaultState, fmt.Errorf("read state: %w", err)
	}

	if err := atomicyaml.ValidateSchemaHeaderFromBytes(content, stateFileType); err != nil {
		if rerr := atomicyaml.RecoverCorruptedFile(vigilDir, path, stateFileType); rerr != nil {
			return defaultState, fmt.Errorf("state corrupt (%v), recovery failed: %w", err, rerr)
		}
		content, err = os.ReadFile(path)
		if err != nil {
			return defaultState, fmt.Errorf("read recovered state: %w", err)
		}
	}

	var st model.SchedulerState
	if err := yamlv3.Unmarshal(content, &st); err != nil {
		return defaultState, fmt.Errorf("parse state: %w", err)
	}
	return st, nil
}

// saveState atomically replaces the scheduler state file. Leader-only.
func saveState(path string, st model.SchedulerState) error {
	st.SchemaVersion = atomicyaml.CurrentSchemaVersion
	st.FileType = stateFileType
	if err := atomicyaml.AtomicWrite(path, st); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}
