package db

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestBindings_CRUD(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	bindings, err := db.ListBindings(ctx)
	if err != nil {
		t.Fatalf("ListBindings() error = %v", err)
	}
	if len(bindings) != 0 {
		t.Fatalf("expected no bindings, got %d", len(bindings))
	}

	b := &DeviceBinding{SerialNumber: "SN-2", CompensationFile: "2.json", Label: "bench B"}
	if err := db.UpsertBinding(ctx, b); err != nil {
		t.Fatalf("UpsertBinding() error = %v", err)
	}
	if b.UpdatedAt == 0 {
		t.Error("UpdatedAt should be set by UpsertBinding")
	}
	if err := db.UpsertBinding(ctx, &DeviceBinding{SerialNumber: "SN-1", CompensationFile: "1.json"}); err != nil {
		t.Fatalf("UpsertBinding() error = %v", err)
	}

	// Update in place.
	if err := db.UpsertBinding(ctx, &DeviceBinding{SerialNumber: "SN-2", CompensationFile: "cal/2b.yaml", Label: "bench B"}); err != nil {
		t.Fatalf("UpsertBinding() update error = %v", err)
	}

	got, err := db.ListBindings(ctx)
	if err != nil {
		t.Fatalf("ListBindings() error = %v", err)
	}
	want := []DeviceBinding{
		{SerialNumber: "SN-1", CompensationFile: "1.json"},
		{SerialNumber: "SN-2", CompensationFile: "cal/2b.yaml", Label: "bench B"},
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(DeviceBinding{}, "UpdatedAt")); diff != "" {
		t.Errorf("ListBindings mismatch (-want +got):\n%s", diff)
	}

	file, ok, err := db.LookupCompensationFile(ctx, "SN-2")
	if err != nil || !ok || file != "cal/2b.yaml" {
		t.Errorf("LookupCompensationFile() = %q, %v, %v", file, ok, err)
	}

	if err := db.DeleteBinding(ctx, "SN-2"); err != nil {
		t.Fatalf("DeleteBinding() error = %v", err)
	}
	if _, err := db.GetBinding(ctx, "SN-2"); !errors.Is(err, ErrBindingNotFound) {
		t.Errorf("GetBinding() after delete error = %v, want ErrBindingNotFound", err)
	}
	if err := db.DeleteBinding(ctx, "SN-2"); !errors.Is(err, ErrBindingNotFound) {
		t.Errorf("second DeleteBinding() error = %v, want ErrBindingNotFound", err)
	}

	_, ok, err = db.LookupCompensationFile(ctx, "SN-2")
	if err != nil || ok {
		t.Errorf("LookupCompensationFile() for missing serial = %v, %v", ok, err)
	}
}

func TestBindings_Validate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	tests := []DeviceBinding{
		{CompensationFile: "1.json"},
		{SerialNumber: "SN-1"},
		{SerialNumber: "  ", CompensationFile: "1.json"},
	}
	for _, b := range tests {
		if err := db.UpsertBinding(ctx, &b); err == nil {
			t.Errorf("UpsertBinding(%+v) expected validation error", b)
		}
	}
}

func TestImportBindings(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	n, err := db.ImportBindings(ctx, map[string]string{
		"A1": "1.json",
		"B2": "2.json",
	})
	if err != nil {
		t.Fatalf("ImportBindings() error = %v", err)
	}
	if n != 2 {
		t.Errorf("ImportBindings() = %d, want 2", n)
	}
	b, err := db.GetBinding(ctx, "B2")
	if err != nil || b.CompensationFile != "2.json" {
		t.Errorf("GetBinding(B2) = %+v, %v", b, err)
	}
}
