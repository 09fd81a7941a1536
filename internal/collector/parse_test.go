package collector

import (
	"testing"

	"github.com/Guliveer/racknerd-exporter/internal/models"
)

const gib = 1024 * 1024 * 1024

func TestSizeToBytes(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"20.31 GB", 20.31 * gib},
		{"5", 5 * gib},
		{"", 0},
		{"null", 0},
		{"NULL", 0},
		{"  ", 0},
		{"512 MB", 512 * 1024 * 1024},
		{"512MB", 512 * 1024 * 1024},
		{"64 KB", 64 * 1024},
		{"1.5 TB", 1.5 * 1024 * gib},
		{"2 gb", 2 * gib},
		{"  3 Gb  ", 3 * gib},
		{"10 GB (of 40 GB)", 10 * gib},
		{"7 PB", 7 * gib},
		{"unlimited", 0},
		{"GB", 0},
		{"...", 0},
		{"1.2.3 GB", 0},
		{"-5 GB", 0},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := SizeToBytes(tt.in); got != tt.want {
				t.Errorf("SizeToBytes(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParsePercent(t *testing.T) {
	tests := []struct {
		in     string
		want   float64
		wantOK bool
	}{
		{"42", 42, true},
		{"1.25", 1.25, true},
		{" 99.9 ", 99.9, true},
		{"0", 0, true},
		{"", 0, false},
		{"null", 0, false},
		{"42%", 0, false},
		{"NaN", 0, false},
		{"Inf", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParsePercent(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("ParsePercent(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestParseState(t *testing.T) {
	tests := []struct {
		in   string
		want models.PowerState
	}{
		{"1", models.StateOnline},
		{" 1 ", models.StateOnline},
		{"0", models.StateOffline},
		{"2", models.StateOffline},
		{"online", models.StateOffline},
		{"1.0", models.StateOffline},
		{"", models.StateOffline},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseState(tt.in); got != tt.want {
				t.Errorf("ParseState(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
