package protocol

import (
	"strconv"
	"strings"

	"github.com/a-essam23/go-courier/internal/apperr"
	"github.com/tidwall/gjson"
)

// fields wraps a parsed JSON object with typed, validating accessors.
type fields struct {
	root   gjson.Result
	prefix string
}

func parseObject(frame []byte) (fields, error) {
	if !gjson.ValidBytes(frame) {
		return fields{}, apperr.ErrMalformed
	}
	root := gjson.ParseBytes(frame)
	if !root.IsObject() {
		return fields{}, apperr.ErrMalformed
	}
	return fields{root: root}, nil
}

func (f fields) sub(path string) fields {
	return fields{root: f.root.Get(path), prefix: f.name(path) + "."}
}

func (f fields) name(path string) string { return f.prefix + path }

// str returns a required, non-empty string.
func (f fields) str(path string) (string, error) {
	v := f.root.Get(path)
	if v.Type != gjson.String || strings.TrimSpace(v.Str) == "" {
		return "", apperr.Missing(f.name(path))
	}
	return v.Str, nil
}

func (f fields) optional(path string) string {
	v := f.root.Get(path)
	if v.Type != gjson.String {
		return ""
	}
	return v.Str
}

// id returns a required identifier given as a JSON string or number.
func (f fields) id(path string) (string, error) {
	id, ok := asID(f.root.Get(path))
	if !ok {
		return "", apperr.Missing(f.name(path))
	}
	return id, nil
}

func (f fields) optionalID(path string) string {
	id, _ := asID(f.root.Get(path))
	return id
}

func (f fields) idList(path string) ([]string, error) {
	v := f.root.Get(path)
	if !v.Exists() || v.Type == gjson.Null {
		return nil, nil
	}
	if !v.IsArray() {
		return nil, apperr.With(apperr.ErrMissingField, "%s must be an array of ids", f.name(path))
	}
	var out []string
	for _, item := range v.Array() {
		id, ok := asID(item)
		if !ok {
			return nil, apperr.With(apperr.ErrMissingField, "%s must contain only ids", f.name(path))
		}
		out = append(out, id)
	}
	return out, nil
}

// messageID returns a required positive integer id.
func (f fields) messageID(path string) (int64, error) {
	v := f.root.Get(path)
	var (
		n   int64
		err error
	)
	switch v.Type {
	case gjson.Number:
		n, err = strconv.ParseInt(v.Raw, 10, 64)
	case gjson.String:
		n, err = strconv.ParseInt(strings.TrimSpace(v.Str), 10, 64)
	default:
		return 0, apperr.Missing(f.name(path))
	}
	if err != nil || n <= 0 {
		return 0, apperr.With(apperr.ErrMissingField, "%s must be a positive integer", f.name(path))
	}
	return n, nil
}

// optionalInt returns a non-negative integer, or zero when absent.
func (f fields) optionalInt(path string) (int, error) {
	v := f.root.Get(path)
	if !v.Exists() || v.Type == gjson.Null {
		return 0, nil
	}
	if v.Type != gjson.Number {
		return 0, apperr.With(apperr.ErrMissingField, "%s must be a number", f.name(path))
	}
	n, err := strconv.Atoi(v.Raw)
	if err != nil || n < 0 {
		return 0, apperr.With(apperr.ErrMissingField, "%s must be a non-negative integer", f.name(path))
	}
	return n, nil
}

// raw returns a required JSON value verbatim. Signaling payloads are opaque.
func (f fields) raw(path string) ([]byte, error) {
	v := f.root.Get(path)
	if !v.Exists() || v.Type == gjson.Null {
		return nil, apperr.Missing(f.name(path))
	}
	return []byte(v.Raw), nil
}

func (f fields) content(path string) (Content, error) {
	v := f.root.Get(path)
	if !v.IsObject() {
		return Content{}, apperr.Missing(f.name(path))
	}
	c := f.sub(path)
	content := Content{
		Type:          c.optional("type"),
		Body:          c.optional("body"),
		AttachmentURL: c.optional("attachmentUrl"),
	}
	if err := content.Validate(); err != nil {
		return Content{}, err
	}
	return content, nil
}

func asID(v gjson.Result) (string, bool) {
	switch v.Type {
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		return s, s != ""
	case gjson.Number:
		return v.Raw, true
	}
	return "", false
}

// KindOf extracts the kind of a chat frame without validating the rest. Used
// to correlate error replies when decoding fails.
func KindOf(frame []byte) string {
	return gjson.GetBytes(frame, "kind").String()
}

// EventOf is KindOf for the signaling channel.
func EventOf(frame []byte) string {
	return gjson.GetBytes(frame, "event").String()
}
