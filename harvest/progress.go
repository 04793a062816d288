package harvest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mwalker/prov-api-harvester/models"
)

// ProgressSuffix names the checkpoint sidecar next to an in-progress
// artifact. The sidecar never outlives the artifact: it is removed by
// Finalize and abandoned partials keep theirs for resume.
const ProgressSuffix = ".progress"

// ErrNoProgress signals that no checkpoint exists for the given artifact.
var ErrNoProgress = errors.New("no progress checkpoint found")

// LoadProgress reads the checkpoint for the given in-progress artifact.
func LoadProgress(partialPath string) (models.HarvestProgress, error) {
	var progress models.HarvestProgress
	data, err := os.ReadFile(partialPath + ProgressSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return progress, ErrNoProgress
		}
		return progress, fmt.Errorf("read progress: %w", err)
	}
	if err := json.Unmarshal(data, &progress); err != nil {
		return progress, fmt.Errorf("decode progress: %w", err)
	}
	return progress, nil
}

// SaveProgress durably records the checkpoint for the given in-progress
// artifact. The sidecar is written to a temporary file and renamed so a kill
// at any point leaves either the previous checkpoint or the new one, never a
// torn write. Callers must flush the page's records first.
func SaveProgress(partialPath string, progress models.HarvestProgress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("encode progress: %w", err)
	}
	path := partialPath + ProgressSuffix
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write progress: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit progress: %w", err)
	}
	return nil
}

// ClearProgress removes the checkpoint. Missing sidecars are not an error.
func ClearProgress(partialPath string) error {
	err := os.Remove(partialPath + ProgressSuffix)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear progress: %w", err)
	}
	return nil
}
