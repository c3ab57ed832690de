package index

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tidwall/gjson"

	"github.com/starford/chatshelf/internal/apperr"
	"github.com/starford/chatshelf/internal/models"
)

// decodeIndex validates raw index bytes. File-level problems return a
// CorruptIndexError; entry-level problems drop that entry and are returned
// in dropped.
func decodeIndex(path string, data []byte) (f *models.IndexFile, dropped []error, err error) {
	if !gjson.ValidBytes(data) {
		return nil, nil, &apperr.CorruptIndexError{Path: path, Reason: "malformed JSON"}
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, nil, &apperr.CorruptIndexError{Path: path, Reason: "top level is not an object"}
	}

	version := root.Get("version")
	if version.Type != gjson.String {
		return nil, nil, &apperr.CorruptIndexError{Path: path, Reason: "missing version"}
	}
	if version.Str != models.IndexVersion {
		return nil, nil, &apperr.CorruptIndexError{Path: path, Reason: fmt.Sprintf("unsupported version %q", version.Str)}
	}

	lastUpdated, err := parseTimestamp(root.Get("lastUpdated"))
	if err != nil {
		return nil, nil, &apperr.CorruptIndexError{Path: path, Reason: "bad lastUpdated", Err: err}
	}

	entries := root.Get("entries")
	if !entries.IsArray() {
		return nil, nil, &apperr.CorruptIndexError{Path: path, Reason: "entries is not an array"}
	}

	f = models.NewIndexFile()
	f.LastUpdated = lastUpdated
	i := 0
	entries.ForEach(func(_, raw gjson.Result) bool {
		e, verr := decodeEntry(i, raw)
		i++
		if verr != nil {
			dropped = append(dropped, verr)
			return true
		}
		f.Entries[e.ID] = e
		return true
	})
	return f, dropped, nil
}

func decodeEntry(pos int, raw gjson.Result) (models.IndexEntry, error) {
	ref := fmt.Sprintf("entries[%d]", pos)
	invalid := func(field, reason string) error {
		return &apperr.ValidationError{ID: ref, Field: field, Reason: reason}
	}

	if !raw.IsObject() {
		return models.IndexEntry{}, invalid("", "not an object")
	}

	var e models.IndexEntry

	id := raw.Get("id")
	if id.Type != gjson.String || id.Str == "" {
		return e, invalid("id", "must be a non-empty string")
	}
	e.ID = id.Str
	ref = e.ID

	switch title := raw.Get("title"); title.Type {
	case gjson.String:
		e.Title = title.Str
	case gjson.Null:
	default:
		return e, invalid("title", "must be a string")
	}

	e.Tags = []string{}
	tags := raw.Get("tags")
	if tags.Exists() && tags.Type != gjson.Null {
		if !tags.IsArray() {
			return e, invalid("tags", "must be an array")
		}
		ok := true
		tags.ForEach(func(_, t gjson.Result) bool {
			if t.Type != gjson.String {
				ok = false
				return false
			}
			e.Tags = append(e.Tags, t.Str)
			return true
		})
		if !ok {
			return e, invalid("tags", "must contain only strings")
		}
	}

	var err error
	if e.CreatedAt, err = parseTimestamp(raw.Get("createdAt")); err != nil {
		return e, invalid("createdAt", err.Error())
	}
	if e.UpdatedAt, err = parseTimestamp(raw.Get("updatedAt")); err != nil {
		return e, invalid("updatedAt", err.Error())
	}

	size, err := nonNegativeInt(raw.Get("size"), true)
	if err != nil {
		return e, invalid("size", err.Error())
	}
	e.Size = size

	count, err := nonNegativeInt(raw.Get("messageCount"), false)
	if err != nil {
		return e, invalid("messageCount", err.Error())
	}
	e.MessageCount = int(count)
	return e, nil
}

func parseTimestamp(v gjson.Result) (time.Time, error) {
	if v.Type != gjson.String {
		return time.Time{}, errors.New("missing timestamp")
	}
	t, err := time.Parse(time.RFC3339Nano, v.Str)
	if err != nil {
		return time.Time{}, errors.New("not an RFC 3339 timestamp")
	}
	return t, nil
}

func nonNegativeInt(v gjson.Result, required bool) (int64, error) {
	if !v.Exists() && !required {
		return 0, nil
	}
	if v.Type != gjson.Number {
		return 0, errors.New("must be a number")
	}
	if v.Num < 0 || v.Num != math.Trunc(v.Num) || v.Num > math.MaxInt64 {
		return 0, errors.New("must be a non-negative integer")
	}
	return v.Int(), nil
}
