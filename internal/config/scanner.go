package config

import (
	"strings"

	"github.com/truenas/truenas-pyscstadmin/internal/scsterr"
)

type eventKind int

const (
	evOpen eventKind = iota
	evLine
	evClose
)

// event is one token the scanner hands to the recursive-descent parser:
// evOpen carries the raw header words ("HANDLER vdisk_fileio"), evLine
// carries one body line's raw content (an attribute, LUN, or reference
// line), evClose marks a '}'.
type event struct {
	kind eventKind
	line int
	text string
}

// scan tokenizes SCST configuration text into a flat stream of open/line/
// close events. It is brace-aware but otherwise line-oriented: an
// attribute's value is "rest of line" up to the first unquoted '{', '}',
// or '#' , which lets nested one-line blocks such as
// `HANDLER h { DEVICE d { filename /x } }` scan correctly alongside the
// common multi-line form.
func scan(file, text string) ([]event, error) {
	var events []event
	lines := strings.Split(text, "\n")

	for i, raw := range lines {
		lineNo := i + 1
		content, err := stripComment(file, lineNo, raw)
		if err != nil {
			return nil, err
		}

		pending := strings.Builder{}
		flush := func(kind eventKind) {
			text := strings.TrimSpace(pending.String())
			if text != "" || kind != evLine {
				events = append(events, event{kind: kind, line: lineNo, text: text})
			}
			pending.Reset()
		}

		inQuote := byte(0)
		for j := 0; j < len(content); j++ {
			c := content[j]
			switch {
			case inQuote != 0:
				pending.WriteByte(c)
				if c == inQuote {
					inQuote = 0
				}
			case c == '"' || c == '\'':
				inQuote = c
				pending.WriteByte(c)
			case c == '{':
				flush(evOpen)
			case c == '}':
				flush(evClose)
			default:
				pending.WriteByte(c)
			}
		}
		if inQuote != 0 {
			return nil, &scsterr.ParseError{
				File: file, Line: lineNo, Excerpt: raw,
				Msg: "unterminated quoted value",
			}
		}
		// End of physical line: whatever is left is body content for the
		// current block, unless it's blank.
		if strings.TrimSpace(pending.String()) != "" {
			flush(evLine)
		}
	}

	return events, nil
}

// stripComment removes a '#'-to-end-of-line comment, respecting quotes
// (a '#' inside a quoted value is literal, by design).
func stripComment(file string, lineNo int, raw string) (string, error) {
	inQuote := byte(0)
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			}
		case c == '"' || c == '\'':
			inQuote = c
		case c == '#':
			return raw[:i], nil
		}
	}
	if inQuote != 0 {
		return "", &scsterr.ParseError{
			File: file, Line: lineNo, Excerpt: raw,
			Msg: "unterminated quoted value",
		}
	}
	return raw, nil
}

// stripQuotes removes exactly one surrounding pair of ASCII double
// quotes. No escape-sequence processing: backslashes are treated as
// literal.
func stripQuotes(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}
