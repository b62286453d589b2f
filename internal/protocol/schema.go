package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBaseURL = "https://labelcenter.local/schemas/"

// Inbound message types and the schema each must satisfy before it is decoded.
var inboundSchemas = map[string]string{
	TypeHello:      "hello.schema.json",
	TypeSubmit:     "submit.schema.json",
	TypeReadField:  "read_field.schema.json",
	TypeListLabels: "list_labels.schema.json",
}

// Validator checks raw inbound messages against the embedded JSON Schemas.
// It is safe for concurrent use once constructed.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7

	ents, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	for _, e := range ents {
		raw, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBaseURL+e.Name(), bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", e.Name(), err)
		}
	}

	v := &Validator{schemas: map[string]*jsonschema.Schema{}}
	for typ, name := range inboundSchemas {
		s, err := c.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		v.schemas[typ] = s
	}
	return v, nil
}

// Validate checks raw against the schema registered for msgType.
func (v *Validator) Validate(msgType string, raw []byte) error {
	s, ok := v.schemas[msgType]
	if !ok {
		return fmt.Errorf("no schema for message type %q", msgType)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return s.Validate(doc)
}

// ValidateIntent checks a standalone intent document (as found in tick logs).
func (v *Validator) ValidateIntent(raw []byte) error {
	wrapped, err := json.Marshal(map[string]any{
		"type":             TypeSubmit,
		"protocol_version": Version,
		"req_id":           "-",
		"intent":           json.RawMessage(raw),
	})
	if err != nil {
		return err
	}
	return v.Validate(TypeSubmit, wrapped)
}
