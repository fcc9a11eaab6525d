package query

import (
	"testing"
	"time"
)

func TestParseWindow(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "default on empty", input: "", want: DefaultLatestWindow},
		{name: "seconds short", input: "30s", want: 30 * time.Second},
		{name: "seconds", input: "30sec", want: 30 * time.Second},
		{name: "seconds long", input: "45seconds", want: 45 * time.Second},
		{name: "minutes", input: "5m", want: 5 * time.Minute},
		{name: "minutes long", input: "10min", want: 10 * time.Minute},
		{name: "hours", input: "2h", want: 2 * time.Hour},
		{name: "uppercase unit", input: "2H", want: 2 * time.Hour},
		{name: "padded", input: "  15m  ", want: 15 * time.Minute},

		{name: "no digits", input: "sec", wantErr: true},
		{name: "no unit", input: "30", wantErr: true},
		{name: "zero", input: "0m", wantErr: true},
		{name: "unknown unit", input: "3d", wantErr: true},
		{name: "garbage", input: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWindow(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseWindow(%q) expected error, got %v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseWindow(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseWindow(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestFormatWindow(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30sec"},
		{5 * time.Minute, "5m"},
		{90 * time.Second, "90sec"},
		{2 * time.Hour, "2h"},
	}
	for _, tt := range tests {
		if got := FormatWindow(tt.d); got != tt.want {
			t.Errorf("FormatWindow(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestCutoffMS(t *testing.T) {
	now := time.UnixMilli(1_000_000)
	f := &LatestFilter{Window: time.Minute}
	if got := f.CutoffMS(now); got != now.Add(-time.Minute).UnixMilli() {
		t.Errorf("CutoffMS = %d", got)
	}
}
