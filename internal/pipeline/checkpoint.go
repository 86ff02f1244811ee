package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const markerFile = "progress.json"

var nowFn = time.Now

// Marker records how many block positions have been committed. Block is the
// count of finished positions, so a resumed run skips indices below it.
type Marker struct {
	Block     int       `json:"block"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SaveMarker atomically replaces the progress marker in dir.
func SaveMarker(dir string, m Marker) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, markerFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, markerFile))
}

// LoadMarker reads the progress marker, returning a zero marker when none
// exists yet.
func LoadMarker(dir string) (Marker, error) {
	data, err := os.ReadFile(filepath.Join(dir, markerFile))
	if os.IsNotExist(err) {
		return Marker{}, nil
	}
	if err != nil {
		return Marker{}, fmt.Errorf("read marker: %w", err)
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, fmt.Errorf("parse marker: %w", err)
	}
	if m.Block < 0 {
		return Marker{}, fmt.Errorf("marker block %d is negative", m.Block)
	}
	return m, nil
}
