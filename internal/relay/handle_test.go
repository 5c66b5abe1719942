package relay

import "testing"

func TestExtractHandle(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string // "" means nil
	}{
		{"mid sentence", "hello @nick123 world", "@nick123"},
		{"no handle", "hello world", ""},
		{"first of two", "@a @b", "@a"},
		{"bare at sign", "mail me @ home", ""},
		{"underscore", "я @ivan_petrov", "@ivan_petrov"},
		{"empty", "", ""},
		{"cyrillic", "привет @Дима", "@Дима"},
		{"accented", "hi @josé_x", "@josé_x"},
		{"non-latin digits", "@user٣ here", "@user٣"},
		{"stops at punctuation", "(@Öl-bar)", "@Öl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractHandle(tt.text)
			if tt.want == "" {
				if got != nil {
					t.Errorf("ExtractHandle(%q) = %q, want nil", tt.text, *got)
				}
				return
			}
			if got == nil {
				t.Fatalf("ExtractHandle(%q) = nil, want %q", tt.text, tt.want)
			}
			if *got != tt.want {
				t.Errorf("ExtractHandle(%q) = %q, want %q", tt.text, *got, tt.want)
			}
		})
	}
}
