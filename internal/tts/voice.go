package tts

import (
	"sort"
	"strings"
)

var namedVoices = map[string]string{
	"michael": "am_michael",
	"adam":    "am_adam",
	"liam":    "am_liam",
	"sarah":   "af_sarah",
	"nicole":  "af_nicole",
	"sky":     "af_sky",
}

// Voice is either a friendly voice name or a raw engine voice id.
type Voice interface {
	ID() string
	String() string
}

// NamedVoice is a voice from the built-in table.
type NamedVoice struct {
	Name string
	id   string
}

func (v NamedVoice) ID() string     { return v.id }
func (v NamedVoice) String() string { return v.Name }

// RawVoiceID is passed to the engine untouched.
type RawVoiceID string

func (v RawVoiceID) ID() string     { return string(v) }
func (v RawVoiceID) String() string { return string(v) }

// ResolveVoice maps a voice name to its engine id, falling back to treating
// the value as a raw id. Blank input resolves to fallback.
func ResolveVoice(value, fallback string) Voice {
	value = strings.TrimSpace(value)
	if value == "" {
		value = fallback
	}
	name := strings.ToLower(value)
	if id, ok := namedVoices[name]; ok {
		return NamedVoice{Name: name, id: id}
	}
	return RawVoiceID(value)
}

// Voices lists the named voices.
func Voices() []string {
	names := make([]string, 0, len(namedVoices))
	for name := range namedVoices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
