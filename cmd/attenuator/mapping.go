package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog/log"
)

// legacyMapping is the device_serial_mapping.json layout.
type legacyMapping struct {
	SerialToCompensation map[string]string `json:"serial_to_compensation_mapping"`
}

type bindingImporter interface {
	ImportBindings(ctx context.Context, mapping map[string]string) (int, error)
}

// importLegacyMapping upserts the serial -> file pairs from path into the
// bindings store. A missing file is not an error.
func importLegacyMapping(ctx context.Context, store bindingImporter, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	var m legacyMapping
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if len(m.SerialToCompensation) == 0 {
		return nil
	}
	n, err := store.ImportBindings(ctx, m.SerialToCompensation)
	if err != nil {
		return err
	}
	log.Info().Int("count", n).Str("file", path).Msg("imported device bindings")
	return nil
}
