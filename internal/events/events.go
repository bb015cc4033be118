// Package events defines the progress events streamed to clients and their
// line-oriented wire encoding.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Kind string

const (
	KindLog      Kind = "LOG"
	KindPartial  Kind = "PARTIAL"
	KindPageDone Kind = "PAGE_DONE"
	KindProgress Kind = "PROGRESS"
	KindFinal    Kind = "FINAL"
	KindError    Kind = "ERROR"
)

// Event is one progress message. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind

	Text  string
	Page  int
	Strip int

	PageIdx    int
	PageTotal  int
	StripIdx   int
	StripTotal int
	ETASeconds int
}

func Log(format string, args ...any) Event {
	return Event{Kind: KindLog, Text: fmt.Sprintf(format, args...)}
}

func Partial(page, strip int, text string) Event {
	return Event{Kind: KindPartial, Page: page, Strip: strip, Text: text}
}

func PageDone(page int, text string) Event {
	return Event{Kind: KindPageDone, Page: page, Text: text}
}

func Progress(pageIdx, pageTotal, stripIdx, stripTotal, eta int) Event {
	return Event{
		Kind:       KindProgress,
		PageIdx:    pageIdx,
		PageTotal:  pageTotal,
		StripIdx:   stripIdx,
		StripTotal: stripTotal,
		ETASeconds: eta,
	}
}

func Final(text string) Event {
	return Event{Kind: KindFinal, Text: text}
}

func Error(text string) Event {
	return Event{Kind: KindError, Text: text}
}

// Encode renders the event payload, e.g. "PARTIAL: 2:3:some\ntext".
func Encode(e Event) string {
	switch e.Kind {
	case KindLog:
		return "LOG: " + e.Text
	case KindPartial:
		return fmt.Sprintf("PARTIAL: %d:%d:%s", e.Page, e.Strip, EscapeNewlines(e.Text))
	case KindPageDone:
		return fmt.Sprintf("PAGE_DONE: %d:%s", e.Page, jsonString(e.Text))
	case KindProgress:
		return fmt.Sprintf("PROGRESS: %d/%d,%d/%d,%d", e.PageIdx, e.PageTotal, e.StripIdx, e.StripTotal, e.ETASeconds)
	case KindFinal:
		return "FINAL: " + jsonString(e.Text)
	case KindError:
		return "ERROR: " + e.Text
	}
	return "LOG: " + e.Text
}

// Frame wraps an encoded payload as an SSE message. Payload lines that still
// contain newlines (multi-line LOG/ERROR diagnostics) become consecutive
// data: lines, which SSE clients rejoin with "\n".
func Frame(payload string) string {
	payload = strings.ReplaceAll(payload, "\r\n", "\n")
	var b strings.Builder
	for _, line := range strings.Split(payload, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.String()
}

// EscapeNewlines replaces line breaks with a literal backslash-n.
func EscapeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.ReplaceAll(s, "\n", `\n`)
}

func jsonString(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimRight(buf.String(), "\n")
}

// Decode parses an encoded payload back into an Event.
func Decode(payload string) (Event, error) {
	kind, rest, ok := strings.Cut(payload, ": ")
	if !ok {
		return Event{}, fmt.Errorf("malformed event %q", truncate(payload, 60))
	}

	switch Kind(kind) {
	case KindLog:
		return Event{Kind: KindLog, Text: rest}, nil
	case KindError:
		return Event{Kind: KindError, Text: rest}, nil

	case KindPartial:
		parts := strings.SplitN(rest, ":", 3)
		if len(parts) != 3 {
			return Event{}, fmt.Errorf("malformed PARTIAL %q", truncate(rest, 60))
		}
		page, err1 := strconv.Atoi(parts[0])
		strip, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			return Event{}, fmt.Errorf("malformed PARTIAL position %q", truncate(rest, 60))
		}
		return Event{Kind: KindPartial, Page: page, Strip: strip, Text: strings.ReplaceAll(parts[2], `\n`, "\n")}, nil

	case KindPageDone:
		pageStr, body, ok := strings.Cut(rest, ":")
		if !ok {
			return Event{}, fmt.Errorf("malformed PAGE_DONE %q", truncate(rest, 60))
		}
		page, err := strconv.Atoi(pageStr)
		if err != nil {
			return Event{}, fmt.Errorf("malformed PAGE_DONE page: %w", err)
		}
		var text string
		if err := json.Unmarshal([]byte(body), &text); err != nil {
			return Event{}, fmt.Errorf("malformed PAGE_DONE text: %w", err)
		}
		return Event{Kind: KindPageDone, Page: page, Text: text}, nil

	case KindProgress:
		var e Event
		e.Kind = KindProgress
		_, err := fmt.Sscanf(rest, "%d/%d,%d/%d,%d", &e.PageIdx, &e.PageTotal, &e.StripIdx, &e.StripTotal, &e.ETASeconds)
		if err != nil {
			return Event{}, fmt.Errorf("malformed PROGRESS %q: %w", rest, err)
		}
		return e, nil

	case KindFinal:
		var text string
		if err := json.Unmarshal([]byte(rest), &text); err != nil {
			return Event{}, fmt.Errorf("malformed FINAL: %w", err)
		}
		return Event{Kind: KindFinal, Text: text}, nil
	}
	return Event{}, fmt.Errorf("unknown event kind %q", kind)
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
