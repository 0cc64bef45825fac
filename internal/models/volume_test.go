package models

import "testing"

func TestParseVolumeType(t *testing.T) {
	tests := []struct {
		raw     string
		want    VolumeType
		wantErr bool
	}{
		{raw: " Primary-Message ", want: VolumePrimaryMessage},
		{raw: "primary", want: VolumePrimaryMessage},
		{raw: "secondary", want: VolumeSecondaryMessage},
		{raw: "index", want: VolumeIndex},
		{raw: "EXTERNAL", want: VolumeExternal},
		{raw: "tape", wantErr: true},
		{raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseVolumeType(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse type: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestVolumeSupportsHardLinks(t *testing.T) {
	if !(Volume{Type: VolumePrimaryMessage}).SupportsHardLinks() {
		t.Fatal("expected primary volume to support hard links")
	}
	if (Volume{Type: VolumeExternal}).SupportsHardLinks() {
		t.Fatal("expected external volume to require copies")
	}
}
