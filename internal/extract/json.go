package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/zjsxply/coding-agent-kit-sub000/internal/telemetry"
)

// Object is a decoded JSON object with strict typed accessors. Every
// accessor fails with telemetry.ErrUnusable on a wrong type, so extractors
// can bail out on the first violation.
type Object map[string]json.RawMessage

// ParseObject decodes data, which must hold exactly one JSON object.
func ParseObject(data []byte) (Object, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, telemetry.Unusable("not a JSON object")
	}
	var obj Object
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, telemetry.Unusable("decode object: %v", err)
	}
	return obj, nil
}

// AsObject decodes a raw value that must be an object
func AsObject(raw json.RawMessage, what string) (Object, error) {
	obj, err := ParseObject(raw)
	if err != nil {
		return nil, telemetry.Unusable("%s: expected object", what)
	}
	return obj, nil
}

// Has reports whether key is present and not null
func (o Object) Has(key string) bool {
	raw, ok := o[key]
	return ok && !isNull(raw)
}

// String returns a required string field.
func (o Object) String(key string) (string, error) {
	s, ok, err := o.OptString(key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", telemetry.Unusable("%s: missing", key)
	}
	return s, nil
}

// OptString returns a string field; absent or null reports ok=false.
func (o Object) OptString(key string) (string, bool, error) {
	raw, ok := o[key]
	if !ok || isNull(raw) {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false, telemetry.Unusable("%s: expected string", key)
	}
	return s, true, nil
}

// Int returns a required non-negative integer field.
func (o Object) Int(key string) (int, error) {
	n, ok, err := o.OptInt(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, telemetry.Unusable("%s: missing", key)
	}
	return n, nil
}

// OptInt returns a non-negative integer field; absent or null reports ok=false.
func (o Object) OptInt(key string) (int, bool, error) {
	raw, ok := o[key]
	if !ok || isNull(raw) {
		return 0, false, nil
	}
	n, err := parseCount(raw)
	if err != nil {
		return 0, false, telemetry.Unusable("%s: %v", key, err)
	}
	return n, true, nil
}

// FirstInt returns the first present key among keys as a count.
func (o Object) FirstInt(keys ...string) (int, error) {
	for _, key := range keys {
		n, ok, err := o.OptInt(key)
		if err != nil {
			return 0, err
		}
		if ok {
			return n, nil
		}
	}
	return 0, telemetry.Unusable("%s: missing", strings.Join(keys, "|"))
}

// OptFloat returns a non-negative number field; absent or null reports ok=false.
func (o Object) OptFloat(key string) (float64, bool, error) {
	raw, ok := o[key]
	if !ok || isNull(raw) {
		return 0, false, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false, telemetry.Unusable("%s: expected number", key)
	}
	if f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, telemetry.Unusable("%s: invalid number %v", key, f)
	}
	return f, true, nil
}

// OptBool returns a boolean field; absent or null reports ok=false.
func (o Object) OptBool(key string) (bool, bool, error) {
	raw, ok := o[key]
	if !ok || isNull(raw) {
		return false, false, nil
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, false, telemetry.Unusable("%s: expected boolean", key)
	}
	return b, true, nil
}

// Object returns a required nested object.
func (o Object) Object(key string) (Object, error) {
	obj, ok, err := o.OptObject(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, telemetry.Unusable("%s: missing", key)
	}
	return obj, nil
}

// OptObject returns a nested object; absent or null reports ok=false.
func (o Object) OptObject(key string) (Object, bool, error) {
	raw, ok := o[key]
	if !ok || isNull(raw) {
		return nil, false, nil
	}
	obj, err := AsObject(raw, key)
	if err != nil {
		return nil, false, err
	}
	return obj, true, nil
}

// Array returns a required array field.
func (o Object) Array(key string) ([]json.RawMessage, error) {
	arr, ok, err := o.OptArray(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, telemetry.Unusable("%s: missing", key)
	}
	return arr, nil
}

// OptArray returns an array field; absent or null reports ok=false.
func (o Object) OptArray(key string) ([]json.RawMessage, bool, error) {
	raw, ok := o[key]
	if !ok || isNull(raw) {
		return nil, false, nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return nil, false, telemetry.Unusable("%s: expected array", key)
	}
	return arr, true, nil
}

// Objects decodes every element of an array field as an object.
func (o Object) Objects(key string) ([]Object, error) {
	arr, ok, err := o.OptArray(key)
	if err != nil || !ok {
		return nil, err
	}
	out := make([]Object, 0, len(arr))
	for i, raw := range arr {
		obj, err := AsObject(raw, key+"["+strconv.Itoa(i)+"]")
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

// Lines decodes a JSON Lines stream. Lines that do not start with '{' are
// treated as plain text and skipped; a line that starts like an object but
// does not decode fails the whole stream.
func Lines(text string) ([]Object, error) {
	var out []Object
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] != '{' {
			continue
		}
		obj, err := ParseObject([]byte(line))
		if err != nil {
			return nil, telemetry.Unusable("line %d: not a valid JSON object", i+1)
		}
		out = append(out, obj)
	}
	return out, nil
}

// Payloads returns the objects in text: the whole text when it is one JSON
// object or an array of objects, otherwise every object line.
func Payloads(text string) []Object {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	switch trimmed[0] {
	case '{':
		if obj, err := ParseObject([]byte(trimmed)); err == nil {
			return []Object{obj}
		}
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &arr); err == nil {
			out := make([]Object, 0, len(arr))
			for _, raw := range arr {
				if obj, err := ParseObject(raw); err == nil {
					out = append(out, obj)
				}
			}
			return out
		}
	}
	var out []Object
	for _, line := range strings.Split(text, "\n") {
		if obj, err := ParseObject([]byte(line)); err == nil {
			out = append(out, obj)
		}
	}
	return out
}

// LastJSONValue scans text for embedded JSON objects or arrays and returns
// the last one that decodes.
func LastJSONValue(text string) (json.RawMessage, bool) {
	var last json.RawMessage
	for i := 0; i < len(text); {
		if text[i] != '{' && text[i] != '[' {
			i++
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text[i:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			i++
			continue
		}
		last = raw
		i += int(dec.InputOffset())
	}
	return last, last != nil
}

// CleanText removes terminal escape sequences and carriage returns from
// captured output.
func CleanText(s string) string {
	s = ansi.Strip(s)
	return strings.ReplaceAll(s, "\r", "")
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

func parseCount(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == '"' {
		return 0, fmt.Errorf("expected number")
	}
	var num json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&num); err != nil {
		return 0, fmt.Errorf("expected number")
	}
	if n, err := num.Int64(); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative count %d", n)
		}
		return int(n), nil
	}
	f, err := num.Float64()
	if err != nil || f != math.Trunc(f) {
		return 0, fmt.Errorf("expected integer, got %s", num)
	}
	if f < 0 {
		return 0, fmt.Errorf("negative count %s", num)
	}
	return int(f), nil
}
