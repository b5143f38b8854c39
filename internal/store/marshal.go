package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/northstaraokeystone/gov-os/internal/ir"
)

// marshalPayload converts a receipt payload to canonical JSON TEXT, the exact
// bytes its payload digest was computed over.
func marshalPayload(payload ir.IRObject) (string, error) {
	data, err := ir.MarshalCanonical(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// marshalCitations converts citations to a JSON array TEXT. Nil is stored as
// "[]" so rows never hold null.
func marshalCitations(citations []string) (string, error) {
	if citations == nil {
		citations = []string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false) // citations are URIs; keep & and < verbatim
	if err := enc.Encode(citations); err != nil {
		return "", fmt.Errorf("marshal citations: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalPayload parses canonical JSON TEXT to an IRObject.
// ir.IRObject.UnmarshalJSON keeps integers above 2^53 exact.
func unmarshalPayload(data string) (ir.IRObject, error) {
	if data == "" || data == "{}" {
		return ir.IRObject{}, nil
	}
	var obj ir.IRObject
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return obj, nil
}

func unmarshalCitations(data string) ([]string, error) {
	var out []string
	if data == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("unmarshal citations: %w", err)
	}
	return out, nil
}
