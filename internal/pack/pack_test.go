package pack

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/showrun/showrun/internal/types"
)

// writePack materializes a pack directory from file name → content.
func writePack(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

const validManifest = `{
  "id": "demo.extract",
  "name": "Demo",
  "version": "1.0.0",
  "kind": "json-dsl"
}`

const validFlow = `{
  "collectibles": [
    {"name": "page_title", "type": "string"}
  ],
  "flow": [
    {"id": "nav", "type": "navigate", "params": {"url": "https://example.com"}},
    {"id": "title", "type": "extract_title", "params": {"out": "page_title"}}
  ]
}`

// ============================================
// Loader Tests
// ============================================

func TestLoadValidPack(t *testing.T) {
	t.Parallel()
	dir := writePack(t, map[string]string{
		ManifestFile: validManifest,
		FlowFile:     validFlow,
	})
	p, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Manifest.ID != "demo.extract" {
		t.Errorf("manifest id = %q", p.Manifest.ID)
	}
	if len(p.Doc.Flow) != 2 {
		t.Errorf("flow steps = %d, want 2", len(p.Doc.Flow))
	}
	if types.KindOf(err) != "" {
		t.Error("valid pack must not classify as an error")
	}
}

func TestLoadMissingManifest(t *testing.T) {
	t.Parallel()
	dir := writePack(t, map[string]string{FlowFile: validFlow})
	_, err := Load(dir)
	var missing *MissingFileError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingFileError, got %v", err)
	}
	if types.KindOf(err) != types.KindValidation {
		t.Error("loader errors must classify as validation")
	}
}

func TestLoadMissingFlow(t *testing.T) {
	t.Parallel()
	dir := writePack(t, map[string]string{ManifestFile: validManifest})
	_, err := Load(dir)
	var missing *MissingFileError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingFileError, got %v", err)
	}
}

func TestLoadManifestSchemaErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		manifest string
	}{
		{"missing version", `{"id":"a","name":"A","kind":"json-dsl"}`},
		{"bad id pattern", `{"id":"a b","name":"A","version":"1","kind":"json-dsl"}`},
		{"bad kind", `{"id":"a","name":"A","version":"1","kind":"lua"}`},
		{"bad persistence", `{"id":"a","name":"A","version":"1","kind":"json-dsl","browser":{"persistence":"forever"}}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := writePack(t, map[string]string{
				ManifestFile: tc.manifest,
				FlowFile:     validFlow,
			})
			_, err := Load(dir)
			var schemaErr *SchemaError
			if !errors.As(err, &schemaErr) {
				t.Fatalf("expected SchemaError, got %v", err)
			}
		})
	}
}

func TestLoadYAMLManifest(t *testing.T) {
	t.Parallel()
	dir := writePack(t, map[string]string{
		"taskpack.yaml": "id: demo.yaml\nname: Demo\nversion: 1.0.0\nkind: json-dsl\n",
		FlowFile:        validFlow,
	})
	p, err := Load(dir)
	if err != nil {
		t.Fatalf("Load yaml manifest: %v", err)
	}
	if p.Manifest.ID != "demo.yaml" {
		t.Errorf("manifest id = %q", p.Manifest.ID)
	}
}

// ============================================
// Flow Validation Tests
// ============================================

func TestValidateFlowAggregatesProblems(t *testing.T) {
	t.Parallel()
	dir := writePack(t, map[string]string{
		ManifestFile: validManifest,
		FlowFile: `{
		  "collectibles": [{"name": "page_title", "type": "string"}],
		  "flow": [
		    {"id": "a", "type": "navigate", "params": {}},
		    {"id": "a", "type": "extract_title", "params": {"out": "undeclared"}},
		    {"id": "b", "type": "teleport", "params": {}}
		  ]
		}`,
	})
	_, err := Load(dir)
	var flowErr *FlowValidationError
	if !errors.As(err, &flowErr) {
		t.Fatalf("expected FlowValidationError, got %v", err)
	}
	wantSubstrings := []string{
		`requires param "url"`,
		"duplicate id",
		`out "undeclared" is not a declared collectible`,
		`unknown kind "teleport"`,
	}
	for _, want := range wantSubstrings {
		found := false
		for _, p := range flowErr.Problems {
			if strings.Contains(p, want) {
				found = true
			}
		}
		if !found {
			t.Errorf("problems missing %q: %v", want, flowErr.Problems)
		}
	}
}

func TestValidateRequestIDReferences(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		flowDoc string
		wantErr bool
	}{
		{
			"template after saveAs ok",
			`{"collectibles":[],"flow":[
			  {"id":"find","type":"network_find","params":{"where":{"urlIncludes":"/api/"},"saveAs":"req"}},
			  {"id":"replay","type":"network_replay","params":{"requestId":"{{vars.req}}"}}
			]}`,
			false,
		},
		{
			"template before saveAs rejected",
			`{"collectibles":[],"flow":[
			  {"id":"replay","type":"network_replay","params":{"requestId":"{{vars.req}}"}},
			  {"id":"find","type":"network_find","params":{"where":{"urlIncludes":"/api/"},"saveAs":"req"}}
			]}`,
			true,
		},
		{
			"literal id allowed",
			`{"collectibles":[],"flow":[
			  {"id":"replay","type":"network_replay","params":{"requestId":"net-7"}}
			]}`,
			false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := writePack(t, map[string]string{
				ManifestFile: validManifest,
				FlowFile:     tc.flowDoc,
			})
			_, err := Load(dir)
			if tc.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateBadJMESPath(t *testing.T) {
	t.Parallel()
	dir := writePack(t, map[string]string{
		ManifestFile: validManifest,
		FlowFile: `{
		  "collectibles":[{"name":"c","type":"string"}],
		  "flow":[
		    {"id":"x","type":"network_extract","params":{"fromVar":"raw","as":"json","path":"results[*","out":"c"}}
		  ]
		}`,
	})
	_, err := Load(dir)
	var flowErr *FlowValidationError
	if !errors.As(err, &flowErr) {
		t.Fatalf("expected FlowValidationError, got %v", err)
	}
	if !strings.Contains(flowErr.Error(), "bad JMESPath") {
		t.Errorf("missing JMESPath problem: %v", flowErr)
	}
}

func TestValidateUnknownWhereKeyThroughLoad(t *testing.T) {
	t.Parallel()
	dir := writePack(t, map[string]string{
		ManifestFile: validManifest,
		FlowFile: `{
		  "collectibles":[],
		  "flow":[
		    {"id":"f","type":"network_find","params":{"where":{"host":"x"},"saveAs":"r"}}
		  ]
		}`,
	})
	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "unknown network_find.where key") {
		t.Fatalf("unknown where key not rejected: %v", err)
	}
}

// ============================================
// Secrets Tests
// ============================================

func TestLoadRequiredSecretMissing(t *testing.T) {
	t.Parallel()
	manifest := `{
	  "id": "s", "name": "S", "version": "1", "kind": "json-dsl",
	  "secrets": [{"name": "API_TOKEN", "required": true}]
	}`
	dir := writePack(t, map[string]string{
		ManifestFile: manifest,
		FlowFile:     `{"collectibles":[],"flow":[]}`,
	})
	_, err := Load(dir)
	var missing *MissingRequiredSecretError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingRequiredSecretError, got %v", err)
	}
	if missing.Name != "API_TOKEN" {
		t.Errorf("missing secret name = %q", missing.Name)
	}
}

func TestLoadSecretsPresent(t *testing.T) {
	t.Parallel()
	manifest := `{
	  "id": "s", "name": "S", "version": "1", "kind": "json-dsl",
	  "secrets": [{"name": "API_TOKEN", "required": true}]
	}`
	dir := writePack(t, map[string]string{
		ManifestFile: manifest,
		FlowFile:     `{"collectibles":[],"flow":[]}`,
		SecretsFile:  `{"version":1,"secrets":{"API_TOKEN":"tok-123456"}}`,
	})
	p, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Secrets["API_TOKEN"] != "tok-123456" {
		t.Error("secret value not loaded")
	}
}

func TestWriteSecretsPermissions(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := WriteSecrets(dir, map[string]string{"K": "v"}); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(dir, SecretsFile))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("secrets file mode = %o, want 600", perm)
	}
}

// ============================================
// Input Tests
// ============================================

func inputsPack(t *testing.T) *Pack {
	t.Helper()
	dir := writePack(t, map[string]string{
		ManifestFile: validManifest,
		FlowFile: `{
		  "inputs": {
		    "batch": {"type": "string", "required": true},
		    "limit": {"type": "number", "default": 10},
		    "dryRun": {"type": "boolean", "default": false}
		  },
		  "collectibles": [],
		  "flow": []
		}`,
	})
	p, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestApplyInputsDefaults(t *testing.T) {
	t.Parallel()
	p := inputsPack(t)
	got, err := p.ApplyInputs(map[string]any{"batch": "S25"})
	if err != nil {
		t.Fatalf("ApplyInputs: %v", err)
	}
	if got["batch"] != "S25" {
		t.Error("provided input lost")
	}
	if got["limit"] != 10 && got["limit"] != float64(10) {
		t.Errorf("default not applied: %v", got["limit"])
	}
	if got["dryRun"] != false {
		t.Errorf("boolean default not applied: %v", got["dryRun"])
	}
}

func TestApplyInputsFailures(t *testing.T) {
	t.Parallel()
	p := inputsPack(t)
	tests := []struct {
		name     string
		provided map[string]any
	}{
		{"missing required", map[string]any{}},
		{"unknown field", map[string]any{"batch": "S25", "bogus": 1}},
		{"type mismatch", map[string]any{"batch": 42}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := p.ApplyInputs(tc.provided); err == nil {
				t.Error("expected validation failure")
			}
		})
	}
}

func TestApplyInputsDoesNotMutateCaller(t *testing.T) {
	t.Parallel()
	p := inputsPack(t)
	provided := map[string]any{"batch": "S25"}
	if _, err := p.ApplyInputs(provided); err != nil {
		t.Fatal(err)
	}
	if len(provided) != 1 {
		t.Error("caller map mutated")
	}
}
