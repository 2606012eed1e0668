package vault

import (
	"bytes"
	"encoding/json"
)

// EnvelopeVersion is the format version stamped on new envelopes.
const EnvelopeVersion = 1

// Envelope is the persisted form of one encrypted field.
type Envelope struct {
	Data        string `json:"data"`
	IV          string `json:"iv"`
	Tag         string `json:"tag"`
	KeyID       string `json:"keyId,omitempty"`
	Version     int    `json:"version"`
	EncryptedAt string `json:"encryptedAt"`
}

// String returns the serialized text form stored alongside the owning record.
func (e Envelope) String() string {
	b, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	return string(b)
}

// IsEnvelope reports whether value has the shape of an encrypted envelope:
// string-typed data, iv, tag and encryptedAt fields. Text and byte values are
// parsed as JSON first. It never returns an error.
func IsEnvelope(value any) bool {
	_, ok := asEnvelope(value)
	return ok
}

func asEnvelope(value any) (Envelope, bool) {
	switch v := value.(type) {
	case Envelope:
		return v, true
	case *Envelope:
		if v == nil {
			return Envelope{}, false
		}
		return *v, true
	case string:
		return parseEnvelope([]byte(v))
	case []byte:
		return parseEnvelope(v)
	case json.RawMessage:
		return parseEnvelope(v)
	case map[string]any:
		return envelopeFromMap(v)
	default:
		return Envelope{}, false
	}
}

func parseEnvelope(raw []byte) (Envelope, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, false
	}
	var m map[string]any
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return Envelope{}, false
	}
	return envelopeFromMap(m)
}

func envelopeFromMap(m map[string]any) (Envelope, bool) {
	var env Envelope
	var ok bool
	if env.Data, ok = m["data"].(string); !ok {
		return Envelope{}, false
	}
	if env.IV, ok = m["iv"].(string); !ok {
		return Envelope{}, false
	}
	if env.Tag, ok = m["tag"].(string); !ok {
		return Envelope{}, false
	}
	if env.EncryptedAt, ok = m["encryptedAt"].(string); !ok {
		return Envelope{}, false
	}
	env.KeyID, _ = m["keyId"].(string)
	if v, isNum := m["version"].(float64); isNum {
		env.Version = int(v)
	}
	return env, true
}
