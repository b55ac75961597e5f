// ABOUTME: OneBot v11 inbound event model and message text helpers
// ABOUTME: The message field may be a plain string or a list of typed segments

package onebot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Event is an inbound OneBot v11 event. Only the fields the relay reads are
// decoded; message is kept raw because it is either a string or a segment list.
type Event struct {
	PostType    string          `json:"post_type"`
	MessageType string          `json:"message_type"`
	MessageID   int64           `json:"message_id"`
	GroupID     int64           `json:"group_id"`
	UserID      int64           `json:"user_id"`
	SelfID      *int64          `json:"self_id,omitempty"`
	Message     json.RawMessage `json:"message"`
	RawMessage  string          `json:"raw_message"`
}

// Segment is one element of an array-form message.
type Segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// ParseEvent decodes a webhook body. Numeric ids may arrive as JSON numbers or
// numeric strings.
func ParseEvent(body []byte) (*Event, error) {
	var raw struct {
		PostType    string          `json:"post_type"`
		MessageType string          `json:"message_type"`
		MessageID   json.RawMessage `json:"message_id"`
		GroupID     json.RawMessage `json:"group_id"`
		UserID      json.RawMessage `json:"user_id"`
		SelfID      json.RawMessage `json:"self_id"`
		Message     json.RawMessage `json:"message"`
		RawMessage  json.RawMessage `json:"raw_message"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}

	ev := &Event{
		PostType:    raw.PostType,
		MessageType: raw.MessageType,
		Message:     raw.Message,
	}
	var err error
	if ev.MessageID, err = parseID(raw.MessageID); err != nil {
		return nil, fmt.Errorf("message_id: %w", err)
	}
	if ev.GroupID, err = parseID(raw.GroupID); err != nil {
		return nil, fmt.Errorf("group_id: %w", err)
	}
	if ev.UserID, err = parseID(raw.UserID); err != nil {
		return nil, fmt.Errorf("user_id: %w", err)
	}
	if isPresent(raw.SelfID) {
		id, err := parseID(raw.SelfID)
		if err != nil {
			return nil, fmt.Errorf("self_id: %w", err)
		}
		ev.SelfID = &id
	}
	if isPresent(raw.RawMessage) {
		_ = json.Unmarshal(raw.RawMessage, &ev.RawMessage)
	}
	return ev, nil
}

// IsGroupMessage reports whether the event is a group chat message.
func (e *Event) IsGroupMessage() bool {
	return e.PostType == "message" && e.MessageType == "group"
}

// Segments returns the array-form message segments. A string-form message
// or malformed elements yield no segments.
func (e *Event) Segments() []Segment {
	if !bytes.HasPrefix(bytes.TrimSpace(e.Message), []byte("[")) {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(e.Message, &items); err != nil {
		return nil
	}
	segments := make([]Segment, 0, len(items))
	for _, item := range items {
		var seg Segment
		if err := json.Unmarshal(item, &seg); err != nil || seg.Type == "" {
			continue
		}
		segments = append(segments, seg)
	}
	return segments
}

// Text returns the concatenated text segments when there are any, otherwise
// a non-blank string message, otherwise raw_message; always trimmed.
func (e *Event) Text() string {
	var parts []string
	for _, seg := range e.Segments() {
		if seg.Type != "text" || seg.Data == nil {
			continue
		}
		if v, ok := seg.Data["text"]; ok && v != nil {
			parts = append(parts, fmt.Sprint(v))
		}
	}
	if len(parts) > 0 {
		return strings.TrimSpace(strings.Join(parts, ""))
	}

	var s string
	if json.Unmarshal(e.Message, &s) == nil && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(e.RawMessage)
}

// MentionsSelf reports whether the message @-mentions selfID, either as an
// "at" segment or as a CQ code in raw_message.
func (e *Event) MentionsSelf(selfID int64) bool {
	if selfID == 0 {
		return false
	}
	want := strconv.FormatInt(selfID, 10)
	for _, seg := range e.Segments() {
		if seg.Type != "at" || seg.Data == nil {
			continue
		}
		if qq, ok := seg.Data["qq"]; ok && idString(qq) == want {
			return true
		}
	}
	return strings.Contains(e.RawMessage, "[CQ:at,qq="+want+"]")
}

// EffectiveSelfID returns the event's self_id, or fallback when absent.
func (e *Event) EffectiveSelfID(fallback int64) int64 {
	if e.SelfID != nil && *e.SelfID != 0 {
		return *e.SelfID
	}
	return fallback
}

func isPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// parseID accepts a JSON number or numeric string; absent means zero.
func parseID(raw json.RawMessage) (int64, error) {
	if !isPresent(raw) {
		return 0, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.ParseInt(n.String(), 10, 64)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("not a number: %s", raw)
	}
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

// idString renders a segment id value without float formatting.
func idString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
