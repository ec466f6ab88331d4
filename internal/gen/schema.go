package gen

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema names accepted by Validate. Every external-generation output is
// checked against one of these before the pipeline trusts it.
const (
	SchemaOutline       = "outline"
	SchemaStoryPlan     = "story_plan"
	SchemaSlideDeck     = "slide_deck"
	SchemaQualityReport = "quality_report"
)

var schemaSources = map[string]string{
	SchemaOutline: `{
		"type": "object",
		"required": ["topic", "objectives", "sections"],
		"properties": {
			"topic": {"type": "string", "minLength": 1},
			"audience": {"type": "string"},
			"objectives": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
			"sections": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["id", "title"],
					"properties": {
						"id": {"type": "string", "minLength": 1},
						"title": {"type": "string", "minLength": 1},
						"summary": {"type": "string"}
					}
				}
			}
		}
	}`,
	SchemaStoryPlan: `{
		"type": "object",
		"required": ["premise", "turns"],
		"properties": {
			"premise": {"type": "string", "minLength": 1},
			"setting": {"type": "string"},
			"turns": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["id", "section_id", "beat", "tension"],
					"properties": {
						"id": {"type": "string", "minLength": 1},
						"section_id": {"type": "string", "minLength": 1},
						"beat": {"type": "string", "minLength": 1},
						"tension": {"enum": ["low", "medium", "high"]}
					}
				}
			}
		}
	}`,
	SchemaSlideDeck: `{
		"type": "object",
		"required": ["title", "slides"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"slides": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["id", "section_id", "title", "body"],
					"properties": {
						"id": {"type": "string", "minLength": 1},
						"section_id": {"type": "string", "minLength": 1},
						"turn_id": {"type": "string"},
						"title": {"type": "string", "minLength": 1},
						"body": {"type": "string"},
						"bullets": {"type": "array", "items": {"type": "string"}},
						"speaker_notes": {"type": "string"},
						"citations": {"type": "array", "items": {"type": "string"}}
					}
				}
			}
		}
	}`,
	SchemaQualityReport: `{
		"type": "object",
		"required": ["mean", "sub_scores"],
		"properties": {
			"mean": {"type": "number", "minimum": 0, "maximum": 10},
			"sub_scores": {"type": "object", "additionalProperties": {"type": "number"}},
			"findings": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["id", "type", "priority"],
					"properties": {
						"id": {"type": "string", "minLength": 1},
						"type": {"type": "string", "minLength": 1},
						"priority": {"enum": ["must", "should", "nice"]},
						"target_ids": {"type": "array", "items": {"type": "string"}},
						"note": {"type": "string"}
					}
				}
			}
		}
	}`,
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func compiledSchemas() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		out := make(map[string]*jsonschema.Schema, len(schemaSources))
		for name, src := range schemaSources {
			url := name + ".json"
			if err := c.AddResource(url, strings.NewReader(src)); err != nil {
				compileErr = fmt.Errorf("add schema %s: %w", name, err)
				return
			}
			sch, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			out[name] = sch
		}
		compiled = out
	})
	return compiled, compileErr
}

// Validate checks raw JSON output against a named schema. A non-nil error
// means the content cannot be trusted as that type.
func Validate(schemaName string, raw []byte) error {
	schemas, err := compiledSchemas()
	if err != nil {
		return err
	}
	sch, ok := schemas[schemaName]
	if !ok {
		return fmt.Errorf("unknown schema: %q", schemaName)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("output is not valid JSON: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("output failed %s schema: %w", schemaName, err)
	}
	return nil
}
