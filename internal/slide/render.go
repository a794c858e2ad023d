// Package slide renders lecture slides as SVG for the classroom whiteboard.
package slide

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/loqalabs/lecture-core/internal/script"
)

// Theme selects the slide palette.
type Theme string

const (
	Dark  Theme = "dark"
	Light Theme = "light"
)

// DefaultAccent is the accent color used when none is given.
const DefaultAccent = "#6366f1"

// ParseTheme accepts "dark" or "light", case-insensitively. Blank input
// yields Dark.
func ParseTheme(s string) (Theme, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "dark":
		return Dark, nil
	case "light":
		return Light, nil
	}
	return "", fmt.Errorf("unknown theme %q", s)
}

// Palette holds the fixed colors of a theme.
type Palette struct {
	Background string
	Text       string
	Secondary  string
	Border     string
}

// Palette returns the colors for t. Anything other than Dark renders light.
func (t Theme) Palette() Palette {
	if t == Dark {
		return Palette{Background: "#1e1e2e", Text: "#ffffff", Secondary: "#a0a0b0", Border: "#3d3d5c"}
	}
	return Palette{Background: "#ffffff", Text: "#1a1a2e", Secondary: "#666680", Border: "#e0e0e8"}
}

// Slide is the content of one whiteboard page. Lines starting with "-", "•"
// or "*" are drawn as bullets, everything else as paragraphs.
type Slide struct {
	Title  string
	Lines  []string
	Number int
	Total  int
}

type Options struct {
	Theme       Theme
	AccentColor string
	Watermark   string
}

// Layout, in viewBox units. Content does not reflow: long lists run off the
// bottom of the canvas.
const (
	canvasWidth  = 1920
	canvasHeight = 1080
	titleY       = 140
	underlineY   = 170
	contentTop   = 280
	linePitch    = 80
	contentX     = 120
	baselineDrop = 18
	fontFamily   = "Arial, sans-serif"
)

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// Escape replaces the five reserved XML characters.
func Escape(s string) string {
	return xmlEscaper.Replace(s)
}

// Render draws s as an SVG document. The output depends only on its inputs.
func Render(s Slide, opts Options) []byte {
	p := opts.Theme.Palette()
	accent := opts.AccentColor
	if accent == "" {
		accent = DefaultAccent
	}
	accent = Escape(accent)

	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	fmt.Fprintf(&b, `<svg viewBox="0 0 %d %d" xmlns="http://www.w3.org/2000/svg">`+"\n", canvasWidth, canvasHeight)
	fmt.Fprintf(&b, `  <rect width="%d" height="%d" fill="%s"/>`+"\n", canvasWidth, canvasHeight, p.Background)
	fmt.Fprintf(&b, `  <rect x="40" y="40" width="1840" height="1000" rx="24" ry="24" fill="none" stroke="%s" stroke-width="3"/>`+"\n", p.Border)
	fmt.Fprintf(&b, `  <rect x="40" y="40" width="12" height="1000" rx="6" fill="%s"/>`+"\n", accent)
	fmt.Fprintf(&b, `  <text x="%d" y="%d" font-family="%s" font-size="56" font-weight="bold" fill="%s">%s</text>`+"\n",
		contentX, titleY, fontFamily, p.Text, Escape(s.Title))
	fmt.Fprintf(&b, `  <line x1="%d" y1="%d" x2="800" y2="%d" stroke="%s" stroke-width="4" stroke-linecap="round"/>`+"\n",
		contentX, underlineY, underlineY, accent)

	y := contentTop
	for _, line := range s.Lines {
		if script.IsBullet(line) {
			fmt.Fprintf(&b, `  <g transform="translate(%d, %d)">`+"\n", contentX, y)
			fmt.Fprintf(&b, `    <circle cx="0" cy="12" r="6" fill="%s"/>`+"\n", accent)
			fmt.Fprintf(&b, `    <text x="24" y="%d" font-family="%s" font-size="32" fill="%s">%s</text>`+"\n",
				baselineDrop, fontFamily, p.Text, Escape(script.StripBullet(line)))
			b.WriteString("  </g>\n")
		} else {
			fmt.Fprintf(&b, `  <text x="%d" y="%d" font-family="%s" font-size="32" fill="%s">%s</text>`+"\n",
				contentX, y+baselineDrop, fontFamily, p.Text, Escape(strings.TrimSpace(line)))
		}
		y += linePitch
	}

	fmt.Fprintf(&b, `  <text x="1800" y="1000" font-family="%s" font-size="28" fill="%s" text-anchor="end">%d / %d</text>`+"\n",
		fontFamily, p.Secondary, s.Number, s.Total)
	if opts.Watermark != "" {
		fmt.Fprintf(&b, `  <text x="%d" y="1000" font-family="%s" font-size="24" fill="%s" opacity="0.6">%s</text>`+"\n",
			contentX, fontFamily, p.Secondary, Escape(opts.Watermark))
	}
	b.WriteString("</svg>\n")
	return b.Bytes()
}
