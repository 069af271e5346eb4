// inputs.go — Run-input validation.
// Defaults are applied first, then the merged inputs are checked against
// a JSON schema generated from the pack's input declarations. Unknown
// fields are rejected; every violation is reported in one error.
package pack

import (
	"github.com/xeipuuv/gojsonschema"
)

// ApplyInputs merges defaults into the provided inputs and validates
// the result against the pack's input schema. The returned map is a
// fresh copy; the caller's map is not mutated.
func (p *Pack) ApplyInputs(provided map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(provided)+len(p.Doc.Inputs))
	for k, v := range provided {
		merged[k] = v
	}
	for name, field := range p.Doc.Inputs {
		if _, ok := merged[name]; !ok && field.Default != nil {
			merged[name] = field.Default
		}
	}

	schema := p.inputSchema()
	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(merged),
	)
	if err != nil {
		return nil, classify(&SchemaError{Problems: []string{err.Error()}})
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			problems = append(problems, "inputs: "+re.String())
		}
		return nil, classify(&SchemaError{Problems: problems})
	}
	return merged, nil
}

// inputSchema builds the JSON-schema document for this pack's inputs.
func (p *Pack) inputSchema() map[string]any {
	properties := make(map[string]any, len(p.Doc.Inputs))
	var required []string
	for name, field := range p.Doc.Inputs {
		typ := field.Type
		switch typ {
		case "string", "number", "boolean":
		default:
			typ = "string"
		}
		properties[name] = map[string]any{"type": typ}
		if field.Required {
			required = append(required, name)
		}
	}
	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
