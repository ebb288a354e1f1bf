package tabsync

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// stateDocumentSchema is the wire-level contract for persisted documents.
// Typed validation in record.go catches what the decoder can express; the
// schema additionally rejects malformed documents coming out of the store
// before they reach the engine.
const stateDocumentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tabs", "timestamp", "saveId", "transactionId", "writerInstanceId"],
  "properties": {
    "tabs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "position", "size"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "url": {"type": "string"},
          "title": {"type": "string"},
          "position": {
            "type": "object",
            "required": ["left", "top"],
            "properties": {
              "left": {"type": "number", "minimum": 0},
              "top": {"type": "number", "minimum": 0}
            }
          },
          "size": {
            "type": "object",
            "required": ["width", "height"],
            "properties": {
              "width": {"type": "number", "exclusiveMinimum": 0},
              "height": {"type": "number", "exclusiveMinimum": 0}
            }
          },
          "zIndex": {"type": "integer"},
          "minimized": {"type": "boolean"},
          "soloedOnTabs": {"type": "array", "items": {"type": "string"}},
          "mutedOnTabs": {"type": "array", "items": {"type": "string"}},
          "ownerId": {"type": ["integer", "string", "null"]},
          "scopeId": {"type": ["string", "null"]},
          "permanent": {"type": "boolean"}
        }
      }
    },
    "timestamp": {"type": "integer", "exclusiveMinimum": 0},
    "saveId": {"type": "string", "minLength": 1},
    "transactionId": {"type": "string", "minLength": 1},
    "writerInstanceId": {"type": "string", "minLength": 1},
    "writerOwnerId": {"type": ["integer", "string", "null"]}
  }
}`

const stateDocumentSchemaURL = "tabsync://state-document.schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func documentSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(stateDocumentSchema))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(stateDocumentSchemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile(stateDocumentSchemaURL)
	})
	return compiledSchema, schemaErr
}

// ValidateDocumentBytes checks a serialized document against the schema.
func ValidateDocumentBytes(raw []byte) error {
	schema, err := documentSchema()
	if err != nil {
		return fmt.Errorf("compile state document schema: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &StructuralError{Reason: err.Error()}
	}
	if err := schema.Validate(instance); err != nil {
		return &StructuralError{Reason: err.Error()}
	}
	return nil
}
