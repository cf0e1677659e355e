package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrEmptyLine    = errors.New("empty line")
	ErrMissingField = errors.New("missing required field")
	ErrInvalidFrame = errors.New("invalid frame")
)

// Encode renders a single frame terminated by '\n'. JSON string escaping
// guarantees the delimiter never appears inside the object.
func Encode(msgType, data string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(Envelope{Type: msgType, Data: data}); err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", msgType, err)
	}
	return buf.Bytes(), nil
}

// ParseLine parses one frame without its trailing delimiter. Both type and
// data must be present and string typed. Keys match exactly; "Type" or
// "DATA" are unrelated fields.
func ParseLine(line []byte) (Envelope, error) {
	if len(bytes.TrimSpace(line)) == 0 {
		return Envelope{}, ErrEmptyLine
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	msgType, err := stringField(fields, "type")
	if err != nil {
		return Envelope{}, err
	}
	data, err := stringField(fields, "data")
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, Data: data}, nil
}

func stringField(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("%w: %s is not a string", ErrInvalidFrame, key)
	}
	return v, nil
}
