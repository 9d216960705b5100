package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const maxBody = 1 << 20

// Request body schemas, keyed by name.
var bodySchemas = map[string]string{
	"proposal": `{
		"type": "object",
		"required": ["ledger_ref", "group", "proposer"],
		"properties": {
			"ledger_ref":  {"type": "string", "minLength": 1, "maxLength": 128},
			"group":       {"type": "string", "minLength": 1, "maxLength": 128},
			"proposer":    {"type": "string", "minLength": 1, "maxLength": 128},
			"title":       {"type": "string", "maxLength": 512},
			"description": {"type": "string", "maxLength": 8192}
		}
	}`,
	"vote": `{
		"type": "object",
		"required": ["voter", "option"],
		"properties": {
			"voter":  {"type": "string", "minLength": 1, "maxLength": 128},
			"option": {"type": "string"}
		}
	}`,
	"loan": `{
		"type": "object",
		"required": ["borrower"],
		"properties": {
			"borrower": {"type": "string", "minLength": 1, "maxLength": 128}
		}
	}`,
	"exam": `{
		"type": "object",
		"required": ["credits"],
		"properties": {
			"credits": {"type": "integer", "minimum": 1}
		}
	}`,
	"mark": `{
		"type": "object",
		"required": ["student", "credits"],
		"properties": {
			"student": {"type": "string", "minLength": 1, "maxLength": 128},
			"credits": {"type": "integer", "minimum": 1}
		}
	}`,
	"enrolment": `{
		"type": "object",
		"required": ["student"],
		"properties": {
			"student": {"type": "string", "minLength": 1, "maxLength": 128}
		}
	}`,
	"verbalization": `{
		"type": "object",
		"required": ["student", "mark"],
		"properties": {
			"student": {"type": "string", "minLength": 1, "maxLength": 128},
			"mark": {"type": "integer", "minimum": 0, "maximum": 31}
		}
	}`,
}

type schemaSet map[string]*jsonschema.Schema

func compileSchemas() (schemaSet, error) {
	set := make(schemaSet, len(bodySchemas))
	for name, doc := range bodySchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://quorum.schemas.local/api/%s.schema.json", name)
		if err := c.AddResource(url, strings.NewReader(doc)); err != nil {
			return nil, fmt.Errorf("load %s schema: %w", name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		set[name] = compiled
	}
	return set, nil
}

var errBody = errors.New("invalid request body")

// decode reads the body, validates it against the named schema and
// unmarshals it into dst.
func (set schemaSet) decode(w http.ResponseWriter, r *http.Request, name string, dst any) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		return fmt.Errorf("%w: %v", errBody, err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", errBody, err)
	}
	if err := set[name].Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", errBody, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: %v", errBody, err)
	}
	return nil
}
