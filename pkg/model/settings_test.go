package model

import "testing"

func TestDefaultSettingsValid(t *testing.T) {
	if err := DefaultSettings().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestSettingsWith(t *testing.T) {
	base := DefaultSettings()

	s, err := base.With("temp", "1.5")
	if err != nil {
		t.Fatalf("With temp: %v", err)
	}
	if s.Temperature != 1.5 {
		t.Errorf("Temperature = %v, want 1.5", s.Temperature)
	}
	if base.Temperature != DefaultTemperature {
		t.Errorf("base was modified: Temperature = %v", base.Temperature)
	}

	s, err = base.With("max_tokens", "4096")
	if err != nil {
		t.Fatalf("With max_tokens: %v", err)
	}
	if s.MaxOutputTokens != 4096 {
		t.Errorf("MaxOutputTokens = %d, want 4096", s.MaxOutputTokens)
	}
}

func TestSettingsWithRejects(t *testing.T) {
	base := DefaultSettings()
	cases := []struct{ key, value string }{
		{"temperature", "2.5"},
		{"temperature", "-0.1"},
		{"top_k", "0"},
		{"top_k", "101"},
		{"top_p", "1.1"},
		{"max_tokens", "0"},
		{"max_tokens", "70000"},
		{"top_k", "abc"},
		{"model", ""},
		{"colour", "blue"},
	}
	for _, c := range cases {
		s, err := base.With(c.key, c.value)
		if err == nil {
			t.Errorf("With(%q, %q) succeeded, want error", c.key, c.value)
		}
		if s != base {
			t.Errorf("With(%q, %q) returned modified settings on error", c.key, c.value)
		}
	}
}
