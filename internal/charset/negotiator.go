// Package charset decides which text encoding captured tool output is in.
//
// Candidates are tried strictly in configured order and the first one that
// decodes the bytes cleanly wins. When every candidate fails, a charset
// detector may propose one rescue candidate, and a permissive single-byte
// fallback guarantees that decoding itself never fails.
package charset

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/gogs/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// DefaultFallback maps all 256 byte values and therefore cannot fail
const DefaultFallback = "iso-8859-1"

// detectMinConfidence is the floor below which detector guesses are ignored
const detectMinConfidence = 80

// aliases normalizes common spellings, including the detector's dash
// spelling of GB18030, to their IANA names
var aliases = map[string]string{
	"utf8":     "utf-8",
	"ascii":    "us-ascii",
	"latin1":   "iso-8859-1",
	"latin-1":  "iso-8859-1",
	"cp1252":   "windows-1252",
	"gb-18030": "gb18030",
}

// candidate is one resolved encoding in the negotiation chain.
// enc is nil for encodings checked by validation rather than transformation.
type candidate struct {
	name string
	enc  encoding.Encoding
}

// Decoded is the outcome of negotiating one byte capture
type Decoded struct {
	Text     string
	Encoding string
	// Exhausted is set when no configured candidate decoded the bytes
	// cleanly and the detector or the permissive fallback produced the
	// text instead. Never an error by itself.
	Exhausted bool
}

// Negotiator tries an ordered candidate list against raw bytes
type Negotiator struct {
	candidates []candidate
	fallback   candidate
	detect     bool
	logger     *slog.Logger
}

// New builds a negotiator from IANA encoding names. The fallback must be a
// permissive encoding; an empty name selects DefaultFallback.
func New(candidateNames []string, fallbackName string, logger *slog.Logger) (*Negotiator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(candidateNames) == 0 {
		candidateNames = []string{"utf-8"}
	}
	if fallbackName == "" {
		fallbackName = DefaultFallback
	}

	n := &Negotiator{logger: logger}
	for _, name := range candidateNames {
		c, err := resolve(name)
		if err != nil {
			return nil, fmt.Errorf("encoding candidate %q: %w", name, err)
		}
		n.candidates = append(n.candidates, c)
	}

	fb, err := resolve(fallbackName)
	if err != nil {
		return nil, fmt.Errorf("fallback encoding %q: %w", fallbackName, err)
	}
	if fb.enc == nil {
		return nil, fmt.Errorf("fallback encoding %q: validated encodings cannot serve as fallback", fallbackName)
	}
	n.fallback = fb
	return n, nil
}

// EnableDetection turns on the charset detector rescue pass. The detector
// only runs after every configured candidate has failed, so it can never
// override an earlier candidate that fits.
func (n *Negotiator) EnableDetection() {
	n.detect = true
}

// Decode negotiates an encoding for raw and returns the decoded text.
// A non-empty hint is tried before the configured candidates. Decode
// never fails: the permissive fallback accepts any byte sequence.
func (n *Negotiator) Decode(raw []byte, hint string) Decoded {
	if len(raw) == 0 {
		return Decoded{Text: "", Encoding: n.headName(hint)}
	}

	chain := n.candidates
	if hint != "" {
		if c, err := resolve(hint); err == nil {
			chain = append([]candidate{c}, chain...)
		} else {
			n.logger.Warn("ignoring unusable encoding hint", "hint", hint, "error", err)
		}
	}

	tried := make(map[string]bool, len(chain)+1)
	for _, c := range chain {
		if tried[c.name] {
			continue
		}
		tried[c.name] = true
		if text, ok := tryDecode(c, raw); ok {
			return Decoded{Text: text, Encoding: c.name}
		}
	}

	if n.detect {
		if c, ok := n.detectCandidate(raw, tried); ok {
			if text, decoded := tryDecode(c, raw); decoded {
				n.logger.Info("charset detector rescued undecodable output", "encoding", c.name)
				return Decoded{Text: text, Encoding: c.name, Exhausted: true}
			}
		}
	}

	n.logger.Warn("encoding candidates exhausted, using permissive fallback",
		"fallback", n.fallback.name, "bytes", len(raw))
	return Decoded{Text: permissiveDecode(n.fallback, raw), Encoding: n.fallback.name, Exhausted: true}
}

// headName names the encoding an empty capture is reported under
func (n *Negotiator) headName(hint string) string {
	if hint != "" {
		if c, err := resolve(hint); err == nil {
			return c.name
		}
	}
	return n.candidates[0].name
}

// detectCandidate asks the detector for one rescue candidate
func (n *Negotiator) detectCandidate(raw []byte, tried map[string]bool) (candidate, bool) {
	best, err := chardet.NewTextDetector().DetectBest(raw)
	if err != nil || best == nil {
		return candidate{}, false
	}
	if best.Confidence < detectMinConfidence {
		return candidate{}, false
	}
	c, err := resolve(best.Charset)
	if err != nil || tried[c.name] {
		return candidate{}, false
	}
	return c, true
}

// resolve maps an encoding name to a chain candidate
func resolve(name string) (candidate, error) {
	canonical := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := aliases[canonical]; ok {
		canonical = alias
	}

	// UTF-8 and ASCII are validated in place instead of transformed,
	// so legitimate replacement characters in valid input survive.
	if canonical == "utf-8" || canonical == "us-ascii" {
		return candidate{name: canonical}, nil
	}

	enc, err := ianaindex.IANA.Encoding(canonical)
	if err != nil {
		return candidate{}, fmt.Errorf("unknown encoding: %w", err)
	}
	if enc == nil {
		// The IANA index knows the name but has no decoder for it
		return candidate{}, fmt.Errorf("encoding has no decoder")
	}
	return candidate{name: canonical, enc: enc}, nil
}

// tryDecode applies one candidate strictly. Decoders substitute U+FFFD for
// bytes they cannot map, so a replacement character in the output means the
// candidate does not fit.
func tryDecode(c candidate, raw []byte) (string, bool) {
	switch c.name {
	case "utf-8":
		if utf8.Valid(raw) {
			return string(raw), true
		}
		return "", false
	case "us-ascii":
		for _, b := range raw {
			if b >= 0x80 {
				return "", false
			}
		}
		return string(raw), true
	}

	out, err := c.enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", false
	}
	if bytes.ContainsRune(out, utf8.RuneError) {
		return "", false
	}
	return string(out), true
}

// permissiveDecode never rejects input. Used only for the fallback.
func permissiveDecode(c candidate, raw []byte) string {
	out, err := c.enc.NewDecoder().Bytes(raw)
	if err != nil {
		// Unreachable for single-byte charmaps; decode byte-wise to be safe
		return decodeLatin1(raw)
	}
	return string(out)
}

// decodeLatin1 maps each byte to the code point of the same value
func decodeLatin1(raw []byte) string {
	var sb strings.Builder
	sb.Grow(len(raw))
	for _, b := range raw {
		sb.WriteRune(rune(b))
	}
	return sb.String()
}

// Supported reports whether a name resolves to a usable candidate.
// Exposed so configuration validation can reject bad candidate lists.
func Supported(name string) bool {
	_, err := resolve(name)
	return err == nil
}
