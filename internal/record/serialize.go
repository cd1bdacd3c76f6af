package record

import (
	"encoding/json"
	"fmt"
)

// wireRecord is the envelope for one record on the wire: the class tag,
// the primary key, and all signed fields (plus signature and signed_by).
type wireRecord struct {
	Model  string          `json:"model"`
	PK     string          `json:"pk"`
	Fields json.RawMessage `json:"fields"`
}

// Serialize renders records as a JSON array of {model, pk, fields}
// envelopes. References inside fields are already id strings, so the
// output is self-contained and independently verifiable per record.
func Serialize(models []Model) (string, error) {
	envelopes := make([]wireRecord, 0, len(models))
	for _, m := range models {
		fields, err := json.Marshal(m)
		if err != nil {
			return "", fmt.Errorf("marshalling %s %s: %w", m.ModelTag(), m.GetBase().ID, err)
		}
		envelopes = append(envelopes, wireRecord{
			Model:  m.ModelTag(),
			PK:     m.GetBase().ID,
			Fields: fields,
		})
	}

	out, err := json.Marshal(envelopes)
	if err != nil {
		return "", fmt.Errorf("marshalling batch: %w", err)
	}
	return string(out), nil
}

// Deserialize parses a JSON batch back into record instances using the
// registry's factories.
//
// Parameters:
//   - reg: Registry resolving wire tags to record types
//   - data: JSON array of {model, pk, fields} envelopes
//
// Returns:
//   - []Model: Parsed records, in batch order
//   - error: If the envelope is malformed or a tag is unknown
func Deserialize(reg *Registry, data []byte) ([]Model, error) {
	var envelopes []wireRecord
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return nil, fmt.Errorf("parsing batch: %w", err)
	}

	models := make([]Model, 0, len(envelopes))
	for _, env := range envelopes {
		m, err := reg.New(env.Model)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(env.Fields, m); err != nil {
			return nil, fmt.Errorf("parsing %s %s: %w", env.Model, env.PK, err)
		}
		m.GetBase().ID = env.PK
		models = append(models, m)
	}

	return models, nil
}

// DeserializeOne parses a single {model, pk, fields} envelope. The
// session handshake carries the client's device record this way.
func DeserializeOne(reg *Registry, data []byte) (Model, error) {
	var env wireRecord
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing record: %w", err)
	}

	m, err := reg.New(env.Model)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(env.Fields, m); err != nil {
		return nil, fmt.Errorf("parsing %s %s: %w", env.Model, env.PK, err)
	}
	m.GetBase().ID = env.PK
	return m, nil
}

// SerializeOne renders a single record envelope.
func SerializeOne(m Model) ([]byte, error) {
	fields, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s %s: %w", m.ModelTag(), m.GetBase().ID, err)
	}
	out, err := json.Marshal(wireRecord{
		Model:  m.ModelTag(),
		PK:     m.GetBase().ID,
		Fields: fields,
	})
	if err != nil {
		return nil, fmt.Errorf("marshalling envelope: %w", err)
	}
	return out, nil
}
