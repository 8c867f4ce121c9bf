package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrBindingNotFound is returned when no binding exists for a serial number.
var ErrBindingNotFound = errors.New("device binding not found")

// DeviceBinding maps an attenuator serial number to its compensation file.
type DeviceBinding struct {
	SerialNumber     string `json:"serial_number"`
	CompensationFile string `json:"compensation_file"`
	Label            string `json:"label"`
	UpdatedAt        int64  `json:"updated_at"`
}

// Validate checks the required fields.
func (b *DeviceBinding) Validate() error {
	if strings.TrimSpace(b.SerialNumber) == "" {
		return errors.New("serial_number is required")
	}
	if strings.TrimSpace(b.CompensationFile) == "" {
		return errors.New("compensation_file is required")
	}
	return nil
}

// ListBindings returns every binding ordered by serial number.
func (db *DB) ListBindings(ctx context.Context) ([]DeviceBinding, error) {
	query := `SELECT serial_number, compensation_file, label, updated_at
	          FROM device_bindings
	          ORDER BY serial_number ASC`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query device bindings: %w", err)
	}
	defer rows.Close()

	bindings := []DeviceBinding{}
	for rows.Next() {
		var b DeviceBinding
		if err := rows.Scan(&b.SerialNumber, &b.CompensationFile, &b.Label, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan device binding: %w", err)
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

// GetBinding returns the binding for serial.
func (db *DB) GetBinding(ctx context.Context, serial string) (*DeviceBinding, error) {
	query := `SELECT serial_number, compensation_file, label, updated_at
	          FROM device_bindings
	          WHERE serial_number = ?`

	var b DeviceBinding
	err := db.QueryRowContext(ctx, query, serial).Scan(&b.SerialNumber, &b.CompensationFile, &b.Label, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBindingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device binding: %w", err)
	}
	return &b, nil
}

// UpsertBinding creates or replaces the binding for b.SerialNumber.
func (db *DB) UpsertBinding(ctx context.Context, b *DeviceBinding) error {
	if err := b.Validate(); err != nil {
		return err
	}
	query := `INSERT INTO device_bindings (serial_number, compensation_file, label, updated_at)
	          VALUES (?, ?, ?, unixepoch())
	          ON CONFLICT(serial_number) DO UPDATE SET
	              compensation_file = excluded.compensation_file,
	              label = excluded.label,
	              updated_at = excluded.updated_at
	          RETURNING updated_at`

	if err := db.QueryRowContext(ctx, query, b.SerialNumber, b.CompensationFile, b.Label).Scan(&b.UpdatedAt); err != nil {
		return fmt.Errorf("failed to upsert device binding: %w", err)
	}
	return nil
}

// DeleteBinding removes the binding for serial.
func (db *DB) DeleteBinding(ctx context.Context, serial string) error {
	result, err := db.ExecContext(ctx, `DELETE FROM device_bindings WHERE serial_number = ?`, serial)
	if err != nil {
		return fmt.Errorf("failed to delete device binding: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrBindingNotFound
	}
	return nil
}

// LookupCompensationFile returns the compensation file bound to serial.
func (db *DB) LookupCompensationFile(ctx context.Context, serial string) (string, bool, error) {
	b, err := db.GetBinding(ctx, serial)
	if errors.Is(err, ErrBindingNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return b.CompensationFile, true, nil
}

// ImportBindings upserts every serial -> file pair in mapping, as found in a
// legacy device_serial_mapping.json. It returns the number of rows written.
func (db *DB) ImportBindings(ctx context.Context, mapping map[string]string) (int, error) {
	n := 0
	for serial, file := range mapping {
		if err := db.UpsertBinding(ctx, &DeviceBinding{SerialNumber: serial, CompensationFile: file}); err != nil {
			return n, fmt.Errorf("import %s: %w", serial, err)
		}
		n++
	}
	return n, nil
}
