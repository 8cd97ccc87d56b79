package util

import "testing"

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"OFF", true, false},
		{" 1 ", false, true},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("COUNSELSIM_TEST_BOOL", tt.value)
		if got := ParseBoolEnv("COUNSELSIM_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"", 20},
		{"7", 7},
		{"0", 0},
		{"-3", 20},
		{"ten", 20},
	}
	for _, tt := range tests {
		t.Setenv("COUNSELSIM_TEST_INT", tt.value)
		if got := ParseIntEnv("COUNSELSIM_TEST_INT", 20); got != tt.want {
			t.Errorf("ParseIntEnv(%q) = %d, want %d", tt.value, got, tt.want)
		}
	}
}

func TestParseFloatEnv(t *testing.T) {
	tests := []struct {
		value string
		want  float64
	}{
		{"", 1.5},
		{"0.25", 0.25},
		{"-1", 1.5},
		{"x", 1.5},
	}
	for _, tt := range tests {
		t.Setenv("COUNSELSIM_TEST_FLOAT", tt.value)
		if got := ParseFloatEnv("COUNSELSIM_TEST_FLOAT", 1.5); got != tt.want {
			t.Errorf("ParseFloatEnv(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestStringEnv(t *testing.T) {
	t.Setenv("COUNSELSIM_TEST_STRING", "  ")
	if got := StringEnv("COUNSELSIM_TEST_STRING", "def"); got != "def" {
		t.Errorf("blank value should use default, got %q", got)
	}
	t.Setenv("COUNSELSIM_TEST_STRING", " cami ")
	if got := StringEnv("COUNSELSIM_TEST_STRING", "def"); got != "cami" {
		t.Errorf("StringEnv = %q, want cami", got)
	}
}
