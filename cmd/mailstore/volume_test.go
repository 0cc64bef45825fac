package main

import (
	"os"
	"path/filepath"
	"testing"

	"mailstore/internal/models"
)

func TestReadVolumeManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volumes.yaml")
	if err := os.WriteFile(path, []byte(`volumes:
  - id: 1
    type: primary-message
    root: /srv/mail/v1
    current: true
  - id: 20
    type: external
    root: /mnt/archive
`), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	specs, err := readVolumeManifest(path)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("expected 2 specs, got %d", len(specs))
	}
	if specs[0].ID != 1 || specs[0].Type != models.VolumePrimaryMessage || !specs[0].Current {
		t.Fatalf("unexpected first spec %+v", specs[0])
	}
	if specs[1].ID != 20 || specs[1].Root != "/mnt/archive" {
		t.Fatalf("unexpected second spec %+v", specs[1])
	}
}

func TestReadVolumeManifestEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(path, []byte("volumes: []\n"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if _, err := readVolumeManifest(path); err == nil {
		t.Fatal("expected error for empty manifest")
	}
}
