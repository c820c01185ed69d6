package types

import (
	"math"
	"testing"
)

func TestParseDeviceType(t *testing.T) {
	tests := []struct {
		in   string
		want DeviceType
	}{
		{"minecraft", DeviceWorldClient},
		{"world-client", DeviceWorldClient},
		{" Windows ", DeviceDesktop},
		{"desktop", DeviceDesktop},
		{"android", DeviceMobile},
		{"ios", DeviceMobile},
		{"toaster", DeviceOther},
		{"", DeviceOther},
	}

	for _, tt := range tests {
		if got := ParseDeviceType(tt.in); got != tt.want {
			t.Errorf("ParseDeviceType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestVec3Validate(t *testing.T) {
	if err := (Vec3{X: 1, Y: 2, Z: -3}).Validate(); err != nil {
		t.Errorf("finite position rejected: %v", err)
	}
	if err := (Vec3{X: math.NaN()}).Validate(); err != ErrInvalidPosition {
		t.Errorf("NaN accepted, got %v", err)
	}
	if err := (Vec3{Z: math.Inf(1)}).Validate(); err != ErrInvalidPosition {
		t.Errorf("Inf accepted, got %v", err)
	}
}

func TestNormalizeLinkingCode(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"abc123", "ABC123", false},
		{" XYZ789 ", "XYZ789", false},
		{"abc12", "", true},
		{"abc1234", "", true},
		{"abc-12", "", true},
	}

	for _, tt := range tests {
		got, err := NormalizeLinkingCode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeLinkingCode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeLinkingCode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSnapshotHasMuted(t *testing.T) {
	p := PlayerSnapshot{UUID: "a", MuteList: []string{"b", "c"}}
	if !p.HasMuted("b") || !p.HasMuted("c") {
		t.Error("expected b and c muted")
	}
	if p.HasMuted("d") {
		t.Error("d should not be muted")
	}
}
