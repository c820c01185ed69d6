// Package protocol defines the JSON wire frames and validates inbound ones
// against embedded JSON schemas.
package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaSuffix = ".schema.json"

// Validator holds one compiled schema per inbound message type.
// ARCHITECTURAL DISCOVERY: The set of schema files doubles as the set of
// known inbound types, so adding a message means adding one file
type Validator struct {
	schemas  map[string]*jsonschema.Schema
	maxBytes int
}

// NewValidator compiles every embedded schema. maxBytes bounds accepted
// frames; zero disables the check.
func NewValidator(maxBytes int) (*Validator, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), schemaSuffix) {
			continue
		}
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		if err := c.AddResource(e.Name(), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add %s: %w", e.Name(), err)
		}
		names = append(names, e.Name())
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(names)), maxBytes: maxBytes}
	for _, name := range names {
		s, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		v.schemas[strings.TrimSuffix(name, schemaSuffix)] = s
	}
	return v, nil
}

// Known reports whether msgType has a schema.
func (v *Validator) Known(msgType string) bool {
	_, ok := v.schemas[msgType]
	return ok
}

// Types returns the number of known inbound types.
func (v *Validator) Types() int { return len(v.schemas) }

// Decode parses the envelope of raw and validates the whole frame against
// its type's schema.
// FUNCTIONAL DISCOVERY: Unknown types return the envelope together with
// ErrUnknownType so callers can log the type and move on
func (v *Validator) Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if v.maxBytes > 0 && len(raw) > v.maxBytes {
		return env, ErrFrameTooLarge
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return env, fmt.Errorf("%w: frame is not an object", ErrMalformedFrame)
	}
	env.Type, _ = obj["type"].(string)
	env.UUID, _ = obj["uuid"].(string)
	env.Raw = raw
	if env.Type == "" {
		return env, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	s, ok := v.schemas[env.Type]
	if !ok {
		return env, ErrUnknownType
	}
	if err := s.Validate(doc); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return env, nil
}
