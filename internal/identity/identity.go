// Package identity persists the host's stable device identifier
// (spec.md §6: "a stable device identifier (UUID, 16 bytes) stored once
// and reused across sessions"). UUID generation follows the pack's use
// of google/uuid for session and correlation identifiers (e.g.
// Generativebots-ocx-backend-go-svc/internal/federation/handshake_service.go's
// uuid.New().String()), adapted here to a 16-byte value persisted to a
// JSON file rather than minted fresh per call.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// DeviceID is the host's stable 16-byte identifier.
type DeviceID [16]byte

// String renders the identifier in canonical UUID form.
func (d DeviceID) String() string {
	return uuid.UUID(d).String()
}

type fileFormat struct {
	DeviceID string `json:"deviceId"`
}

// LoadOrCreate reads the device identifier from path, creating a fresh
// random one and persisting it if the file does not yet exist.
func LoadOrCreate(path string) (DeviceID, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var f fileFormat
		if err := json.Unmarshal(data, &f); err != nil {
			return DeviceID{}, fmt.Errorf("identity: parse %s: %w", path, err)
		}
		parsed, err := uuid.Parse(f.DeviceID)
		if err != nil {
			return DeviceID{}, fmt.Errorf("identity: invalid device id in %s: %w", path, err)
		}
		return DeviceID(parsed), nil
	}
	if !os.IsNotExist(err) {
		return DeviceID{}, fmt.Errorf("identity: read %s: %w", path, err)
	}

	id := DeviceID(uuid.New())
	if err := save(path, id); err != nil {
		return DeviceID{}, err
	}
	return id, nil
}

func save(path string, id DeviceID) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("identity: create dir %s: %w", dir, err)
		}
	}
	data, err := json.Marshal(fileFormat{DeviceID: uuid.UUID(id).String()})
	if err != nil {
		return fmt.Errorf("identity: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("identity: write %s: %w", path, err)
	}
	return nil
}
