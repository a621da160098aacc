// Package parser turns raw conversation JSONL bytes into a structured
// conversation record with ordered turns. It is pure: no I/O, no clock,
// deterministic output for a given input.
package parser

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/asheshgoplani/chronicle/internal/store"
)

// AutomatedMarker is the structural sentinel identifying a conversation
// started by the heartbeat analyzer. The marker must appear as a complete
// line of the first user turn; prose that merely contains the word
// "heartbeat" never classifies. The tag form was chosen over a bare word
// precisely because a bare-substring check misfired in the past.
const AutomatedMarker = "<analysis-heartbeat/>"

// PreviewMaxLen caps the stored preview snippet.
const PreviewMaxLen = 200

// ParseError reports a malformed line. Parsing is all-or-nothing: the
// caller gets either a complete record or this error, never a partial.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parser: line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// rawEntry is one JSONL line of a session log.
type rawEntry struct {
	Type      string      `json:"type"`
	Summary   string      `json:"summary"`
	Timestamp string      `json:"timestamp"`
	CWD       string      `json:"cwd"`
	UUID      string      `json:"uuid"`
	Message   *rawMessage `json:"message"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// contentBlock is one element of the array-of-blocks content encoding.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Parse converts raw log bytes into a conversation and its turns.
// Empty input yields a record with zero turns, not an error. The id is
// assigned by the caller (derived from the file name) and is not read
// from the content.
func Parse(id string, raw []byte) (*store.Conversation, []store.Turn, error) {
	conv := &store.Conversation{
		ID:     id,
		Origin: store.OriginManual,
	}

	var turns []store.Turn
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var entry rawEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, nil, &ParseError{Line: lineNo, Err: err}
		}

		switch entry.Type {
		case "summary":
			if entry.Summary != "" {
				conv.Title = entry.Summary
			}
			continue
		case "user", "assistant":
		default:
			// Tool results, progress events and unknown entry kinds
			// carry no conversational text
			continue
		}

		if entry.Message == nil {
			continue
		}

		text, err := extractText(entry.Message.Content)
		if err != nil {
			return nil, nil, &ParseError{Line: lineNo, Err: err}
		}
		if strings.TrimSpace(text) == "" {
			continue
		}

		role := "agent"
		if entry.Type == "user" {
			role = "user"
		}

		turnID := entry.UUID
		if turnID == "" {
			turnID = fmt.Sprintf("line-%d", lineNo)
		}

		turn := store.Turn{
			ConversationID: id,
			TurnID:         turnID,
			Role:           role,
			Content:        text,
		}
		if entry.Timestamp != "" {
			ts, err := time.Parse(time.RFC3339, entry.Timestamp)
			if err != nil {
				return nil, nil, &ParseError{Line: lineNo, Err: fmt.Errorf("bad timestamp: %w", err)}
			}
			turn.Timestamp = ts.UTC()
		}

		if conv.GroupKey == "" && entry.CWD != "" {
			conv.GroupKey = entry.CWD
		}
		turns = append(turns, turn)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, &ParseError{Line: lineNo, Err: err}
	}

	finalize(conv, turns)
	return conv, turns, nil
}

// finalize fills derived record fields from the accumulated turns.
func finalize(conv *store.Conversation, turns []store.Turn) {
	conv.TurnCount = len(turns)

	for _, t := range turns {
		if !t.Timestamp.IsZero() {
			conv.StartedAt = t.Timestamp
			break
		}
	}
	conv.LastActivityAt = conv.StartedAt
	for i := len(turns) - 1; i >= 0; i-- {
		if !turns[i].Timestamp.IsZero() {
			conv.LastActivityAt = turns[i].Timestamp
			break
		}
	}

	firstUser := ""
	for _, t := range turns {
		if t.Role == "user" {
			firstUser = t.Content
			break
		}
	}
	conv.Preview = makePreview(firstUser)

	if isAutomated(firstUser) {
		conv.Origin = store.OriginAutomated
	}
}

// isAutomated reports whether the first user turn carries the structural
// marker: the sentinel tag standing alone on one of its lines. Substring
// hits inside prose do not count.
func isAutomated(firstUserTurn string) bool {
	for _, line := range strings.Split(firstUserTurn, "\n") {
		if strings.TrimSpace(line) == AutomatedMarker {
			return true
		}
	}
	return false
}

// makePreview truncates the first user turn to a display snippet,
// dropping the marker line so automated previews show the prompt itself.
func makePreview(firstUserTurn string) string {
	lines := strings.Split(firstUserTurn, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == AutomatedMarker {
			continue
		}
		kept = append(kept, line)
	}
	preview := strings.TrimSpace(strings.Join(kept, "\n"))
	runes := []rune(preview)
	if len(runes) > PreviewMaxLen {
		preview = string(runes[:PreviewMaxLen]) + "…"
	}
	return preview
}

// extractText handles both content encodings: a bare string, or an array
// of typed blocks from which the text blocks are concatenated.
func extractText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("content is neither string nor block array: %w", err)
	}

	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n"), nil
}
