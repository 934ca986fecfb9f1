package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema names, one per request body plus the EVENT frame.
const (
	SchemaSyncRequest      = "sync_request"
	SchemaHeartbeatRequest = "heartbeat_request"
	SchemaReconnectRequest = "reconnect_request"
	SchemaCloseRequest     = "close_session_request"
	SchemaSubscribeRequest = "subscribe_request"
	SchemaEvent            = "event"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBaseURL = "mem://protocol/schemas/"

// Schemas holds the compiled JSON Schemas keyed by name.
type Schemas struct {
	byName map[string]*jsonschema.Schema
}

func LoadSchemas() (*Schemas, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		file := e.Name()
		b, err := schemaFS.ReadFile(path.Join("schemas", file))
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBaseURL+file, bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", file, err)
		}
		names = append(names, file)
	}

	out := &Schemas{byName: make(map[string]*jsonschema.Schema, len(names))}
	for _, file := range names {
		s, err := c.Compile(schemaBaseURL + file)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", file, err)
		}
		out.byName[strings.TrimSuffix(file, ".schema.json")] = s
	}
	return out, nil
}

// MustLoadSchemas panics when the embedded schemas do not compile.
func MustLoadSchemas() *Schemas {
	s, err := LoadSchemas()
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schemas) Names() []string {
	out := make([]string, 0, len(s.byName))
	for n := range s.byName {
		out = append(out, n)
	}
	return out
}

// Validate checks raw JSON against the named schema.
func (s *Schemas) Validate(name string, raw []byte) error {
	sch, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		return err
	}
	return nil
}
