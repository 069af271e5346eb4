// loader.go — Pack loading.
// Reads the manifest, flow document, and private secrets file; JSON is
// the native encoding, YAML variants are accepted and normalized to
// JSON before decoding so the rest of the pipeline sees one shape.
package pack

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// manifestSchema is the structural contract for taskpack.json.
const manifestSchema = `{
  "type": "object",
  "required": ["id", "name", "version", "kind"],
  "properties": {
    "id": {"type": "string", "pattern": "^[A-Za-z0-9._-]+$"},
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "kind": {"type": "string", "enum": ["json-dsl"]},
    "browser": {
      "type": "object",
      "properties": {
        "engine": {"type": "string", "enum": ["default", "stealth"]},
        "persistence": {"type": "string", "enum": ["none", "session", "profile"]}
      },
      "additionalProperties": false
    },
    "auth": {"type": "object"},
    "secrets": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "required": {"type": "boolean"}
        },
        "additionalProperties": false
      }
    }
  }
}`

// Load reads and validates a pack directory. The returned pack is
// immutable for the duration of a run.
func Load(dir string) (*Pack, error) {
	manifestBytes, err := readDocument(dir, ManifestFile)
	if err != nil {
		return nil, err
	}
	if err := checkManifestSchema(manifestBytes); err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, classify(&SchemaError{Problems: []string{err.Error()}})
	}

	flowBytes, err := readDocument(dir, FlowFile)
	if err != nil {
		return nil, err
	}
	var doc FlowDoc
	if err := json.Unmarshal(flowBytes, &doc); err != nil {
		return nil, classify(&SchemaError{Problems: []string{"flow document: " + err.Error()}})
	}

	secrets, err := loadSecrets(dir, manifest.Secrets)
	if err != nil {
		return nil, err
	}

	p := &Pack{Dir: dir, Manifest: manifest, Doc: doc, Secrets: secrets}
	if err := ValidateFlow(p); err != nil {
		return nil, err
	}
	return p, nil
}

// checkManifestSchema runs the manifest bytes through the JSON schema,
// aggregating every violation into one SchemaError.
func checkManifestSchema(manifestBytes []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(manifestSchema),
		gojsonschema.NewBytesLoader(manifestBytes),
	)
	if err != nil {
		return classify(&SchemaError{Problems: []string{err.Error()}})
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			problems = append(problems, re.String())
		}
		return classify(&SchemaError{Problems: problems})
	}
	return nil
}

// readDocument reads name (or its .yaml/.yml variant) from dir,
// returning canonical JSON bytes.
func readDocument(dir, name string) ([]byte, error) {
	jsonPath := filepath.Join(dir, name)
	if data, err := os.ReadFile(jsonPath); err == nil {
		return data, nil
	}

	base := strings.TrimSuffix(name, ".json")
	for _, ext := range []string{".yaml", ".yml"} {
		path := filepath.Join(dir, base+ext)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		jsonBytes, err := yamlToJSON(data)
		if err != nil {
			return nil, classify(&SchemaError{Problems: []string{
				fmt.Sprintf("%s: %v", base+ext, err)}})
		}
		return jsonBytes, nil
	}
	return nil, classify(&MissingFileError{Path: jsonPath})
}

// yamlToJSON re-encodes a YAML document as JSON so downstream decoding
// is uniform.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(normalizeYAML(doc))
}

// normalizeYAML converts map[any]any trees (yaml.v3 emits string keys,
// but nested tagged nodes can still surface any-keyed maps) into
// JSON-encodable map[string]any trees.
func normalizeYAML(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return v
	}
}
