package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"piper-nodes/internal/node"
)

// parseInputs merges --inputs-json (inline JSON or @file) with repeated
// --input key=value pairs. Pairs win over the JSON document.
func parseInputs(pairs []string, rawJSON string) (node.Inputs, error) {
	inputs := node.Inputs{}
	if raw := strings.TrimSpace(rawJSON); raw != "" {
		data := []byte(raw)
		if strings.HasPrefix(raw, "@") {
			content, err := os.ReadFile(strings.TrimPrefix(raw, "@"))
			if err != nil {
				return nil, fmt.Errorf("read inputs file: %w", err)
			}
			data = content
		}
		if err := json.Unmarshal(data, &inputs); err != nil {
			return nil, fmt.Errorf("decode inputs json: %w", err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q, expected key=value", pair)
		}
		inputs[key] = parseValue(value)
	}
	return inputs, nil
}

// parseValue keeps numbers, booleans, arrays and objects typed; anything
// else is taken verbatim as a string.
func parseValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw
	}
	switch trimmed[0] {
	case '{', '[', 't', 'f', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var v any
		dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
		if err := dec.Decode(&v); err == nil && !dec.More() {
			return v
		}
	}
	return raw
}
