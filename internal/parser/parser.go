// Package parser extracts index metadata and searchable text from session documents.
package parser

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/starford/chatshelf/internal/apperr"
)

// UntitledSession is the title used when a session has neither a title
// nor a user message.
const UntitledSession = "Untitled session"

const maxDerivedTitle = 80

// Result holds the metadata parsed from a session document. Timestamps are
// zero when the document does not carry them.
type Result struct {
	ID           string
	Title        string
	Tags         []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MessageCount int
}

// Parse extracts metadata from raw session bytes without decoding the
// message bodies. id is used for error context only.
func Parse(id string, data []byte) (*Result, error) {
	if !gjson.ValidBytes(data) {
		return nil, &apperr.ValidationError{ID: id, Reason: "malformed JSON"}
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, &apperr.ValidationError{ID: id, Reason: "document is not an object"}
	}

	res := &Result{}

	if v := root.Get("id"); v.Exists() && v.Type != gjson.Null {
		if v.Type != gjson.String {
			return nil, &apperr.ValidationError{ID: id, Field: "id", Reason: "must be a string"}
		}
		res.ID = v.Str
	}

	msgs := root.Get("messages")
	if msgs.Exists() && msgs.Type != gjson.Null {
		if !msgs.IsArray() {
			return nil, &apperr.ValidationError{ID: id, Field: "messages", Reason: "must be an array"}
		}
		res.MessageCount = int(msgs.Get("#").Int())
	}

	tags, err := extractTags(id, root)
	if err != nil {
		return nil, err
	}
	res.Tags = tags

	if res.CreatedAt, err = extractTime(id, root, "createdAt", "created_at"); err != nil {
		return nil, err
	}
	if res.UpdatedAt, err = extractTime(id, root, "updatedAt", "updated_at"); err != nil {
		return nil, err
	}

	res.Title = deriveTitle(root)
	return res, nil
}

// MessageText concatenates the textual content of every message, one per
// line. Structured content parts contribute their "text" fields.
func MessageText(data []byte) string {
	var b strings.Builder
	gjson.GetBytes(data, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		switch {
		case content.Type == gjson.String:
			appendLine(&b, content.Str)
		case content.IsArray():
			content.ForEach(func(_, part gjson.Result) bool {
				if t := part.Get("text"); t.Type == gjson.String {
					appendLine(&b, t.Str)
				}
				return true
			})
		}
		return true
	})
	return b.String()
}

func appendLine(b *strings.Builder, s string) {
	if s == "" {
		return
	}
	if b.Len() > 0 {
		b.WriteByte('\n')
	}
	b.WriteString(s)
}

// extractTags returns the deduplicated, trimmed tag list in document order.
func extractTags(id string, root gjson.Result) ([]string, error) {
	raw := root.Get("tags")
	if !raw.Exists() || raw.Type == gjson.Null {
		return []string{}, nil
	}
	if !raw.IsArray() {
		return nil, &apperr.ValidationError{ID: id, Field: "tags", Reason: "must be an array"}
	}
	seen := make(map[string]struct{})
	out := []string{}
	raw.ForEach(func(_, v gjson.Result) bool {
		if v.Type != gjson.String {
			return true
		}
		t := strings.TrimSpace(v.Str)
		if t == "" {
			return true
		}
		if _, dup := seen[t]; !dup {
			seen[t] = struct{}{}
			out = append(out, t)
		}
		return true
	})
	return out, nil
}

// extractTime reads the first present key as an RFC 3339 string or a
// Unix millisecond number.
func extractTime(id string, root gjson.Result, keys ...string) (time.Time, error) {
	for _, k := range keys {
		v := root.Get(k)
		if !v.Exists() {
			continue
		}
		switch v.Type {
		case gjson.Null:
			return time.Time{}, nil
		case gjson.String:
			if v.Str == "" {
				return time.Time{}, nil
			}
			t, err := time.Parse(time.RFC3339Nano, v.Str)
			if err != nil {
				return time.Time{}, &apperr.ValidationError{ID: id, Field: k, Reason: "not an RFC 3339 timestamp"}
			}
			return t, nil
		case gjson.Number:
			return time.UnixMilli(v.Int()).UTC(), nil
		default:
			return time.Time{}, &apperr.ValidationError{ID: id, Field: k, Reason: "must be a timestamp"}
		}
	}
	return time.Time{}, nil
}

// deriveTitle returns the "title" field if present, otherwise the first
// user message truncated, otherwise UntitledSession.
func deriveTitle(root gjson.Result) string {
	if t := root.Get("title"); t.Type == gjson.String {
		if s := strings.TrimSpace(t.Str); s != "" {
			return s
		}
	}
	first := root.Get(`messages.#(role=="user").content`)
	if first.Type == gjson.String {
		if s := firstLine(first.Str); s != "" {
			return truncate(s, maxDerivedTitle)
		}
	}
	return UntitledSession
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	return s
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
