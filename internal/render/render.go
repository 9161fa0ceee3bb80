// Package render classifies captured tool output and converts decorated
// text into HTML for display surfaces.
package render

import (
	"fmt"
	"html"
	"strconv"
	"strings"
)

// Convert returns the display form of tool output. Plain text passes
// through byte-identical so it stays machine-parseable and re-convertible;
// text carrying terminal markup is converted to HTML.
func Convert(s string) (display string, decorated bool) {
	if !Decorated(s) {
		return s, false
	}
	return ToHTML(s), true
}

// Decorated reports whether the text carries terminal markup: ANSI escape
// sequences or box-drawing glyphs.
func Decorated(s string) bool {
	for _, r := range s {
		if r == 0x1b {
			return true
		}
		if r >= 0x2500 && r <= 0x257f {
			return true
		}
	}
	return false
}

// style is the active SGR display state
type style struct {
	bold      bool
	italic    bool
	underline bool
	fg        string
	bg        string
}

func (st style) zero() bool {
	return st == style{}
}

func (st style) css() string {
	var parts []string
	if st.bold {
		parts = append(parts, "font-weight:bold")
	}
	if st.italic {
		parts = append(parts, "font-style:italic")
	}
	if st.underline {
		parts = append(parts, "text-decoration:underline")
	}
	if st.fg != "" {
		parts = append(parts, "color:"+st.fg)
	}
	if st.bg != "" {
		parts = append(parts, "background-color:"+st.bg)
	}
	return strings.Join(parts, ";")
}

// ToHTML renders text with ANSI SGR sequences as HTML inside a pre block.
// Color and emphasis map to styled spans; every other escape sequence is
// dropped from the display. Text content is HTML-escaped, so box-drawing
// layouts keep their alignment.
func ToHTML(s string) string {
	var out strings.Builder
	out.WriteString(`<pre class="term">`)

	var cur, open style
	spanOpen := false

	emit := func(text string) {
		if text == "" {
			return
		}
		if spanOpen && cur != open {
			out.WriteString("</span>")
			spanOpen = false
		}
		if !spanOpen && !cur.zero() {
			fmt.Fprintf(&out, `<span style=%q>`, cur.css())
			open = cur
			spanOpen = true
		}
		out.WriteString(html.EscapeString(text))
	}

	runStart := 0
	i := 0
	for i < len(s) {
		if s[i] != 0x1b {
			i++
			continue
		}
		emit(s[runStart:i])

		seqEnd, params, isSGR := parseEscape(s, i)
		if isSGR {
			cur = applySGR(cur, params)
		}
		i = seqEnd
		runStart = i
	}
	emit(s[runStart:])

	if spanOpen {
		out.WriteString("</span>")
	}
	out.WriteString("</pre>")
	return out.String()
}

// parseEscape consumes one escape sequence starting at the ESC byte and
// returns the index just past it. For SGR sequences it also returns the
// parameter string.
func parseEscape(s string, start int) (end int, params string, isSGR bool) {
	i := start + 1
	if i >= len(s) {
		return len(s), "", false
	}

	switch s[i] {
	case '[':
		// CSI: parameter bytes, then one final byte in 0x40..0x7e
		i++
		pstart := i
		for i < len(s) {
			b := s[i]
			if b >= 0x40 && b <= 0x7e {
				if b == 'm' {
					return i + 1, s[pstart:i], true
				}
				return i + 1, "", false
			}
			i++
		}
		return len(s), "", false
	case ']':
		// OSC: runs to BEL or ESC backslash
		i++
		for i < len(s) {
			if s[i] == 0x07 {
				return i + 1, "", false
			}
			if s[i] == 0x1b && i+1 < len(s) && s[i+1] == '\\' {
				return i + 2, "", false
			}
			i++
		}
		return len(s), "", false
	default:
		// Two-byte escape
		return i + 1, "", false
	}
}

// applySGR folds one SGR parameter list into the current style
func applySGR(st style, params string) style {
	if params == "" {
		return style{}
	}

	fields := strings.Split(params, ";")
	codes := make([]int, 0, len(fields))
	for _, f := range fields {
		if f == "" {
			codes = append(codes, 0)
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return st
		}
		codes = append(codes, n)
	}

	for i := 0; i < len(codes); i++ {
		c := codes[i]
		switch {
		case c == 0:
			st = style{}
		case c == 1:
			st.bold = true
		case c == 3:
			st.italic = true
		case c == 4:
			st.underline = true
		case c == 22:
			st.bold = false
		case c == 23:
			st.italic = false
		case c == 24:
			st.underline = false
		case c >= 30 && c <= 37:
			st.fg = basicColor(c - 30)
		case c == 38 || c == 48:
			color, skip := extendedColor(codes[i+1:])
			if color == "" {
				return st
			}
			if c == 38 {
				st.fg = color
			} else {
				st.bg = color
			}
			i += skip
		case c == 39:
			st.fg = ""
		case c >= 40 && c <= 47:
			st.bg = basicColor(c - 40)
		case c == 49:
			st.bg = ""
		case c >= 90 && c <= 97:
			st.fg = basicColor(c - 90 + 8)
		case c >= 100 && c <= 107:
			st.bg = basicColor(c - 100 + 8)
		}
	}
	return st
}

// extendedColor decodes the tail of a 38/48 sequence: 5;N or 2;R;G;B.
// Returns the color and how many codes were consumed.
func extendedColor(rest []int) (string, int) {
	if len(rest) >= 2 && rest[0] == 5 {
		return palette256(rest[1]), 2
	}
	if len(rest) >= 4 && rest[0] == 2 {
		return rgb(rest[1], rest[2], rest[3]), 4
	}
	return "", 0
}

// xterm default palette for the 16 named colors
var basicPalette = [16]string{
	"#000000", "#cd0000", "#00cd00", "#cdcd00",
	"#0000ee", "#cd00cd", "#00cdcd", "#e5e5e5",
	"#7f7f7f", "#ff0000", "#00ff00", "#ffff00",
	"#5c5cff", "#ff00ff", "#00ffff", "#ffffff",
}

func basicColor(n int) string {
	if n < 0 || n >= len(basicPalette) {
		return ""
	}
	return basicPalette[n]
}

// palette256 expands an xterm 256-color index
func palette256(n int) string {
	switch {
	case n < 0 || n > 255:
		return ""
	case n < 16:
		return basicPalette[n]
	case n < 232:
		// 6x6x6 color cube
		n -= 16
		steps := [6]int{0, 95, 135, 175, 215, 255}
		return rgb(steps[n/36], steps[n/6%6], steps[n%6])
	default:
		// 24-step grayscale ramp
		v := 8 + 10*(n-232)
		return rgb(v, v, v)
	}
}

func rgb(r, g, b int) string {
	clamp := func(v int) int {
		if v < 0 {
			return 0
		}
		if v > 255 {
			return 255
		}
		return v
	}
	return fmt.Sprintf("#%02x%02x%02x", clamp(r), clamp(g), clamp(b))
}
