package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/nexus/pkg/consensus"
)

var payloadSchemas = map[consensus.ProposalType]string{
	consensus.TypeNodeAdmission: `{
		"type": "object",
		"required": ["node_id"],
		"properties": {
			"node_id": {"type": "string", "minLength": 1, "maxLength": 128},
			"endpoint": {"type": "string", "maxLength": 512}
		}
	}`,
	consensus.TypeParameterChange: `{
		"type": "object",
		"required": ["parameters"],
		"properties": {
			"parameters": {"type": "object", "minProperties": 1}
		}
	}`,
	consensus.TypeSystemUpdate:   `{"type": "object"}`,
	consensus.TypeSecurityUpdate: `{"type": "object"}`,
	consensus.TypeEmergency:      `{"type": "object"}`,
	consensus.TypeGeneral:        `{"type": "object"}`,
}

// PayloadValidator checks proposal payloads against a JSON Schema per
// proposal type.
type PayloadValidator struct {
	schemas map[consensus.ProposalType]*jsonschema.Schema
}

// NewPayloadValidator compiles the built-in schemas.
func NewPayloadValidator() (*PayloadValidator, error) {
	v := &PayloadValidator{schemas: make(map[consensus.ProposalType]*jsonschema.Schema, len(payloadSchemas))}
	for typ, src := range payloadSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://nexus.schemas.local/proposals/%s.schema.json", strings.ToLower(string(typ)))
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("payload schema %s: %w", typ, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("payload schema %s: %w", typ, err)
		}
		v.schemas[typ] = compiled
	}
	return v, nil
}

// Validate rejects unknown types and payloads that do not match the type's
// schema. An empty payload is validated as {}.
func (v *PayloadValidator) Validate(typ consensus.ProposalType, payload json.RawMessage) error {
	schema, ok := v.schemas[typ]
	if !ok {
		return fmt.Errorf("%w: unknown proposal type %q", consensus.ErrInvalidProposal, typ)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: payload is not JSON: %v", consensus.ErrInvalidProposal, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s payload: %v", consensus.ErrInvalidProposal, typ, err)
	}
	return nil
}
