package script

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Animation identifies a presenter animation played by the classroom client.
type Animation string

const (
	PointToBoard Animation = "PointToBoard"
	Gesture      Animation = "Gesture"
	Thinking     Animation = "Thinking"
	Nod          Animation = "Nod"
	Wave         Animation = "Wave"
	Idle         Animation = "Idle"
)

// CueMarker maps an inline stage direction to its animation.
type CueMarker struct {
	Marker    string
	Animation Animation
}

// CueTable is iterated in this order during extraction.
var CueTable = []CueMarker{
	{Marker: "[POINT]", Animation: PointToBoard},
	{Marker: "[GESTURE]", Animation: Gesture},
	{Marker: "[THINK]", Animation: Thinking},
	{Marker: "[NOD]", Animation: Nod},
	{Marker: "[WAVE]", Animation: Wave},
	{Marker: "[IDLE]", Animation: Idle},
}

// AnimationCue is a presenter animation positioned within the narration.
// TimeOffset is the fraction of the raw narration (in runes) preceding the
// marker, a proxy for playback position.
type AnimationCue struct {
	Animation  Animation `json:"animation"`
	TimeOffset float64   `json:"time_offset"`
}

// ExtractOptions selects the cue strategy. The zero value times only the
// first occurrence of each marker and keeps table order.
type ExtractOptions struct {
	AllOccurrences bool
	SortByOffset   bool
}

// ExtractCues strips stage directions from raw narration and returns the
// cleaned text together with the cues found in it.
func ExtractCues(raw string, opts ExtractOptions) (string, []AnimationCue) {
	total := utf8.RuneCountInString(raw)

	var cues []AnimationCue
	for _, entry := range CueTable {
		for _, idx := range markerPositions(raw, entry.Marker, opts.AllOccurrences) {
			cues = append(cues, AnimationCue{
				Animation:  entry.Animation,
				TimeOffset: float64(utf8.RuneCountInString(raw[:idx])) / float64(total),
			})
		}
	}
	if opts.SortByOffset {
		sort.SliceStable(cues, func(i, j int) bool { return cues[i].TimeOffset < cues[j].TimeOffset })
	}

	clean := raw
	for _, entry := range CueTable {
		clean = strings.ReplaceAll(clean, entry.Marker, "")
	}
	return CollapseSpace(clean), cues
}

func markerPositions(raw, marker string, all bool) []int {
	var positions []int
	offset := 0
	for {
		idx := strings.Index(raw[offset:], marker)
		if idx < 0 {
			return positions
		}
		positions = append(positions, offset+idx)
		if !all {
			return positions
		}
		offset += idx + len(marker)
	}
}

// CollapseSpace replaces every whitespace run with a single space and trims
// both ends.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
