package script

import (
	"math"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestExtractCuesSingleMarker(t *testing.T) {
	raw := "Hello world. [POINT] Look here."
	clean, cues := ExtractCues(raw, ExtractOptions{})
	if clean != "Hello world. Look here." {
		t.Fatalf("unexpected clean speech %q", clean)
	}
	if len(cues) != 1 || cues[0].Animation != PointToBoard {
		t.Fatalf("unexpected cues %+v", cues)
	}
	want := float64(strings.Index(raw, "[POINT]")) / float64(len(raw))
	if math.Abs(cues[0].TimeOffset-want) > 1e-9 {
		t.Fatalf("expected offset %v, got %v", want, cues[0].TimeOffset)
	}
}

func TestExtractCuesTableOrderUnsorted(t *testing.T) {
	raw := "[WAVE] Hi there. [POINT] Board."
	_, cues := ExtractCues(raw, ExtractOptions{})
	if len(cues) != 2 {
		t.Fatalf("expected 2 cues, got %d", len(cues))
	}
	// POINT precedes WAVE in the table even though WAVE appears first.
	if cues[0].Animation != PointToBoard || cues[1].Animation != Wave {
		t.Fatalf("expected table order, got %+v", cues)
	}

	_, sorted := ExtractCues(raw, ExtractOptions{SortByOffset: true})
	if sorted[0].Animation != Wave || sorted[0].TimeOffset != 0 {
		t.Fatalf("expected sorted cues to start with wave, got %+v", sorted)
	}
}

// Repeated markers of one kind are timed once by default; AllOccurrences
// emits one cue per marker.
func TestExtractCuesDuplicateMarkers(t *testing.T) {
	raw := "[GESTURE] One. [GESTURE] Two."
	_, first := ExtractCues(raw, ExtractOptions{})
	if len(first) != 1 {
		t.Fatalf("expected first-occurrence semantics, got %+v", first)
	}
	_, all := ExtractCues(raw, ExtractOptions{AllOccurrences: true})
	if len(all) != 2 {
		t.Fatalf("expected one cue per occurrence, got %+v", all)
	}
	if all[1].TimeOffset <= all[0].TimeOffset {
		t.Fatalf("expected increasing offsets, got %+v", all)
	}
}

func TestExtractCuesCleanHasNoMarkers(t *testing.T) {
	raw := "  [THINK]Hmm,   let me  think. [NOD] [IDLE]  Yes.\t[WAVE]"
	clean, cues := ExtractCues(raw, ExtractOptions{})
	for _, entry := range CueTable {
		if strings.Contains(clean, entry.Marker) {
			t.Fatalf("clean speech still contains %s: %q", entry.Marker, clean)
		}
	}
	if clean != "Hmm, let me think. Yes." {
		t.Fatalf("unexpected clean speech %q", clean)
	}
	if len(cues) != 4 {
		t.Fatalf("expected 4 cues, got %d", len(cues))
	}
	for _, c := range cues {
		if c.TimeOffset < 0 || c.TimeOffset >= 1 {
			t.Fatalf("offset out of range: %+v", c)
		}
	}
}

func TestExtractCuesUsesRuneOffsets(t *testing.T) {
	raw := "Ça va très bien. [NOD]"
	_, cues := ExtractCues(raw, ExtractOptions{})
	want := float64(utf8.RuneCountInString("Ça va très bien. ")) / float64(utf8.RuneCountInString(raw))
	if math.Abs(cues[0].TimeOffset-want) > 1e-9 {
		t.Fatalf("expected rune based offset %v, got %v", want, cues[0].TimeOffset)
	}
}

func TestExtractCuesEmpty(t *testing.T) {
	clean, cues := ExtractCues("", ExtractOptions{})
	if clean != "" || len(cues) != 0 {
		t.Fatalf("expected empty result, got %q %+v", clean, cues)
	}
}
