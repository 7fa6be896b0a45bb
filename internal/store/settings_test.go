package store

import (
	"errors"
	"testing"
)

func TestSettingSetGetDelete(t *testing.T) {
	db := mustOpenMemory(t)

	if _, err := db.GetSetting("theme"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSetting before set: got %v, want ErrNotFound", err)
	}

	if _, err := db.SetSetting("device-a", "theme", "dark"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	got, err := db.GetSetting("theme")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if got.Value != "dark" {
		t.Fatalf("value: got %q, want dark", got.Value)
	}

	if _, err := db.SetSetting("device-a", "theme", "light"); err != nil {
		t.Fatalf("SetSetting (re-upsert): %v", err)
	}
	got, err = db.GetSetting("theme")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if got.Value != "light" {
		t.Fatalf("value after re-upsert: got %q, want light", got.Value)
	}

	if err := db.DeleteSetting("device-a", "theme"); err != nil {
		t.Fatalf("DeleteSetting: %v", err)
	}
	if _, err := db.GetSetting("theme"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetSetting after delete: got %v, want ErrNotFound", err)
	}
}

func TestListSettingsIncludesSeededDefaults(t *testing.T) {
	db := mustOpenMemory(t)

	if _, err := db.SetSetting("device-a", "custom_key", "1"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}

	list, err := db.ListSettings()
	if err != nil {
		t.Fatalf("ListSettings: %v", err)
	}
	found := false
	for _, s := range list {
		if s.Key == "custom_key" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected custom_key in settings list: %+v", list)
	}
}
