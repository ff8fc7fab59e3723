package sessiondir

import (
	"encoding/json"
)

// Record kinds in a pi session log. Anything we do not recognize decodes to
// kindOther instead of failing, so logs carrying new record types still list.
const (
	kindOther = iota
	kindHeader
	kindMessage
	kindSessionInfo
)

// record is the tagged projection of one log line. Only the fields the
// listing needs are carried; everything else in the line is ignored.
type record struct {
	kind      int
	id        string
	cwd       string
	timestamp string
	name      string
	role      string
	text      string
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type rawRecord struct {
	Type      string      `json:"type"`
	ID        string      `json:"id"`
	Cwd       string      `json:"cwd"`
	Timestamp string      `json:"timestamp"`
	Name      string      `json:"name"`
	Message   *rawMessage `json:"message"`
}

// decodeRecord parses one log line. Malformed JSON and unknown types come
// back as kindOther with ok=false/true respectively; callers skip rather
// than abort.
func decodeRecord(line []byte) (record, bool) {
	var raw rawRecord
	if err := json.Unmarshal(line, &raw); err != nil {
		return record{}, false
	}
	rec := record{id: raw.ID, cwd: raw.Cwd, timestamp: raw.Timestamp, name: raw.Name}
	switch raw.Type {
	case "session":
		rec.kind = kindHeader
	case "message":
		rec.kind = kindMessage
		if raw.Message != nil {
			rec.role = raw.Message.Role
			rec.text = contentText(raw.Message.Content)
		}
	case "session_info":
		rec.kind = kindSessionInfo
	default:
		rec.kind = kindOther
	}
	return rec, true
}

// contentText flattens a message content field to plain text. pi writes
// content either as a bare string or as a list of typed parts; text parts
// are concatenated, everything else is dropped.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var out string
	for _, p := range parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}
