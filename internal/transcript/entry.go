package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind tags a parsed log line.
type Kind int

const (
	KindMetadata Kind = iota
	KindTurn
	KindMalformed
	// KindToolUse is a turn that only invokes tools. It carries tool names
	// and file references but no text.
	KindToolUse
)

func (k Kind) String() string {
	switch k {
	case KindTurn:
		return "turn"
	case KindMalformed:
		return "malformed"
	case KindToolUse:
		return "tool_use"
	default:
		return "metadata"
	}
}

// Entry is one log line after parsing. Only KindTurn entries carry text;
// KindToolUse entries carry only Tools and Files.
type Entry struct {
	Kind      Kind
	Role      string
	Text      string
	Timestamp time.Time
	SessionID string
	Tools     []string // tool names invoked in this turn
	Files     []string // file paths named in tool inputs
	Err       error    // set for KindMalformed
}

type rawRecord struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	SessionID string          `json:"sessionId"`
	IsMeta    bool            `json:"isMeta"`
	Message   *rawMessage     `json:"message"`
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type rawBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// fileInputKeys are tool input fields that name a file.
var fileInputKeys = []string{"file_path", "path", "notebook_path"}

// Parse decodes a single line. Lines that are not valid JSON are malformed;
// valid records without conversational text are metadata.
func Parse(line []byte) Entry {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Entry{Kind: KindMetadata}
	}

	var rec rawRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return Entry{Kind: KindMalformed, Err: fmt.Errorf("invalid record: %w", err)}
	}

	entry := Entry{Kind: KindMetadata, SessionID: rec.SessionID}
	if rec.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, rec.Timestamp); err == nil {
			entry.Timestamp = ts
		}
	}
	if rec.IsMeta {
		return entry
	}

	role := rec.Type
	content := rec.Content
	if rec.Message != nil {
		if rec.Message.Role != "" {
			role = rec.Message.Role
		}
		content = rec.Message.Content
	} else if rec.Role != "" {
		role = rec.Role
	}
	if rec.Type != "" && rec.Type != "user" && rec.Type != "assistant" {
		return entry
	}
	if role != "user" && role != "assistant" {
		return entry
	}
	entry.Role = role

	text, tools, files, err := decodeContent(content)
	if err != nil {
		return Entry{Kind: KindMalformed, Err: err}
	}
	entry.Tools = tools
	entry.Files = files
	entry.Text = strings.TrimSpace(text)
	if entry.Text == "" {
		if len(tools) > 0 || len(files) > 0 {
			entry.Kind = KindToolUse
		}
		// Tool results and empty turns count toward the offset only.
		return entry
	}
	entry.Kind = KindTurn
	return entry
}

func decodeContent(raw json.RawMessage) (text string, tools, files []string, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil, nil, nil
	}

	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return "", nil, nil, fmt.Errorf("invalid content string: %w", err)
		}
		return text, nil, nil, nil
	}

	var blocks []rawBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", nil, nil, fmt.Errorf("invalid content blocks: %w", err)
	}

	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if t := strings.TrimSpace(b.Text); t != "" {
				parts = append(parts, t)
			}
		case "tool_use":
			if b.Name != "" {
				tools = append(tools, b.Name)
			}
			for _, key := range fileInputKeys {
				if v, ok := b.Input[key].(string); ok && v != "" {
					files = append(files, v)
				}
			}
		}
	}
	return strings.Join(parts, "\n\n"), tools, files, nil
}
