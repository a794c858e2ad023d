package tts

import "testing"

func TestResolveVoiceNamed(t *testing.T) {
	v := ResolveVoice("Liam", "sky")
	named, ok := v.(NamedVoice)
	if !ok {
		t.Fatalf("expected named voice, got %T", v)
	}
	if named.ID() != "am_liam" || named.String() != "liam" {
		t.Fatalf("unexpected voice %+v", named)
	}
}

func TestResolveVoiceRawID(t *testing.T) {
	v := ResolveVoice("bf_emma", "sky")
	if _, ok := v.(RawVoiceID); !ok {
		t.Fatalf("expected raw id, got %T", v)
	}
	if v.ID() != "bf_emma" {
		t.Fatalf("unexpected id %q", v.ID())
	}
}

func TestResolveVoiceFallback(t *testing.T) {
	if id := ResolveVoice("  ", "nicole").ID(); id != "af_nicole" {
		t.Fatalf("expected fallback voice, got %q", id)
	}
}

func TestVoicesSorted(t *testing.T) {
	names := Voices()
	if len(names) != 6 || names[0] != "adam" || names[len(names)-1] != "sky" {
		t.Fatalf("unexpected voices %v", names)
	}
}
