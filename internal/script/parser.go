// Package script turns authored lecture scripts into raw segments and
// extracts presenter cues from their narration.
//
// A script is a sequence of blocks separated by a divider line of three or
// more dashes, or by two or more blank lines:
//
//	SLIDE: Introduction
//	- first point
//	- second point
//
//	SPEECH: Welcome! [WAVE] Today we look at the board. [POINT]
//	---
//	SLIDE: Next topic
//	...
//
// Parsing is permissive: nothing is rejected, and blocks without a SLIDE
// title are dropped.
package script

import (
	"strings"
)

var bulletMarkers = []string{"-", "•", "*"}

// ContentLine is one slide line, either a bullet or a paragraph.
type ContentLine struct {
	Text   string
	Bullet bool
}

// Markup returns the line as the slide renderer expects it, with a leading
// "- " for bullets.
func (l ContentLine) Markup() string {
	if l.Bullet {
		return "- " + l.Text
	}
	return l.Text
}

// RawSegment is one script block before cue extraction.
type RawSegment struct {
	Title     string
	Content   []ContentLine
	RawSpeech string
}

// ContentLines returns the marker-free text of every slide line.
func (s RawSegment) ContentLines() []string {
	lines := make([]string, 0, len(s.Content))
	for _, l := range s.Content {
		lines = append(lines, l.Text)
	}
	return lines
}

type parseState int

const (
	stateNone parseState = iota
	stateSlide
	stateSpeech
)

// Parse splits raw script text into ordered segments.
func Parse(text string) []RawSegment {
	var segments []RawSegment
	for _, block := range splitBlocks(text) {
		seg := parseBlock(block)
		if seg.Title == "" {
			continue
		}
		segments = append(segments, seg)
	}
	return segments
}

func splitBlocks(text string) [][]string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var (
		blocks  [][]string
		current []string
		blanks  int
	)
	flush := func() {
		if len(current) > 0 {
			blocks = append(blocks, current)
		}
		current = nil
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case isDivider(trimmed):
			flush()
			blanks = 0
		case trimmed == "":
			blanks++
			if blanks == 2 {
				flush()
			}
		default:
			blanks = 0
			current = append(current, trimmed)
		}
	}
	flush()
	return blocks
}

func isDivider(line string) bool {
	return len(line) >= 3 && strings.Trim(line, "-") == ""
}

func parseBlock(lines []string) RawSegment {
	var (
		seg    RawSegment
		speech []string
		state  = stateNone
	)
	for _, line := range lines {
		if rest, ok := cutHeader(line, "SLIDE:"); ok {
			state = stateSlide
			seg.Title = rest
			continue
		}
		if rest, ok := cutHeader(line, "SPEECH:"); ok {
			state = stateSpeech
			if rest != "" {
				speech = []string{rest}
			}
			continue
		}
		switch state {
		case stateSlide:
			seg.Content = append(seg.Content, contentLine(line))
		case stateSpeech:
			speech = append(speech, line)
		}
	}
	seg.RawSpeech = strings.Join(speech, " ")
	return seg
}

func cutHeader(line, header string) (string, bool) {
	if len(line) < len(header) || !strings.EqualFold(line[:len(header)], header) {
		return "", false
	}
	return strings.TrimSpace(line[len(header):]), true
}

func contentLine(line string) ContentLine {
	if !hasBulletMarker(line) {
		return ContentLine{Text: line}
	}
	return ContentLine{Text: StripBullet(line), Bullet: true}
}

func hasBulletMarker(line string) bool {
	for _, m := range bulletMarkers {
		if strings.HasPrefix(line, m) {
			return true
		}
	}
	return false
}

// IsBullet reports whether a content line starts with a bullet marker.
func IsBullet(line string) bool {
	return hasBulletMarker(strings.TrimSpace(line))
}

// StripBullet removes the leading run of bullet markers and spaces.
func StripBullet(line string) string {
	return strings.TrimLeft(strings.TrimSpace(line), "-•* ")
}
