// Package chunk splits narration into pieces sized for a single synthesis
// call.
//
// Chunks are packed greedily from whole sentences. A sentence longer than
// the budget is split on clause punctuation, and a clause that still does
// not fit is emitted oversized: the budget is a soft target and narration is
// never truncated.
package chunk

import (
	"strings"
	"unicode/utf8"
)

// DefaultMaxChars is the budget used when none is configured.
const DefaultMaxChars = 300

// Split returns the chunks of text in order. Empty or whitespace-only text
// yields no chunks.
func Split(text string, maxChars int) []string {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	normalized := strings.Join(strings.Fields(text), " ")
	if normalized == "" {
		return nil
	}

	var p packer
	p.max = maxChars
	for _, sentence := range splitAfter(normalized, ".!?") {
		n := runeLen(sentence)
		if n <= maxChars {
			p.add(sentence)
			continue
		}
		p.flush()
		var clauses packer
		clauses.max = maxChars
		for _, clause := range splitAfter(sentence, ",;:") {
			clauses.add(clause)
		}
		clauses.flush()
		p.chunks = append(p.chunks, clauses.chunks...)
	}
	p.flush()
	return p.chunks
}

type packer struct {
	max     int
	current []string
	length  int
	chunks  []string
}

func (p *packer) add(piece string) {
	n := runeLen(piece)
	if len(p.current) > 0 && p.length+n+1 > p.max {
		p.flush()
	}
	if len(p.current) > 0 {
		p.length++
	}
	p.current = append(p.current, piece)
	p.length += n
}

func (p *packer) flush() {
	if len(p.current) == 0 {
		return
	}
	p.chunks = append(p.chunks, strings.Join(p.current, " "))
	p.current = nil
	p.length = 0
}

// splitAfter breaks single-spaced text after any rune in terminators that is
// followed by a space. The separating space is dropped.
func splitAfter(text, terminators string) []string {
	var pieces []string
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] != ' ' || i == 0 {
			continue
		}
		prev, _ := utf8.DecodeLastRuneInString(text[:i])
		if !strings.ContainsRune(terminators, prev) {
			continue
		}
		pieces = append(pieces, text[start:i])
		start = i + 1
	}
	if start < len(text) {
		pieces = append(pieces, text[start:])
	}
	return pieces
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
