package interview

import "testing"

func TestTurns_Add(t *testing.T) {
	tests := []struct {
		name   string
		before []string
		final  string
		want   string
	}{
		{"first answer", nil, "Hello there, I am Sam.", "Hello there, I am Sam."},
		{"cumulative final", []string{"Hello there."}, "Hello there. I work on audio.", "I work on audio."},
		{"cumulative punctuation", []string{"Yes"}, "Yes, mostly in Go.", "mostly in Go."},
		{"repeat ignores case", []string{"I like Go."}, "i like go.", ""},
		{"unrelated final", []string{"I like Go."}, "Tell me about testing.", "Tell me about testing."},
		{"too short", nil, "ok", ""},
		{"nothing new", []string{"Hello there."}, "Hello there.", ""},
		{"blank", nil, "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &turns{said: append([]string(nil), tt.before...)}
			if got := tr.add(tt.final); got != tt.want {
				t.Errorf("add(%q) = %q, want %q", tt.final, got, tt.want)
			}
		})
	}
}

func TestTurns_Sequence(t *testing.T) {
	var tr turns
	finals := []string{
		"I have five years of experience.",
		"I have five years of experience. Mostly backend work.",
		"I have five years of experience. Mostly backend work.",
		"Mostly backend work.",
	}
	var got []string
	for _, f := range finals {
		if a := tr.add(f); a != "" {
			got = append(got, a)
		}
	}
	want := []string{"I have five years of experience.", "Mostly backend work."}
	if len(got) != len(want) {
		t.Fatalf("turns = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("turn %d = %q, want %q", i, got[i], want[i])
		}
	}
}
