// pack.go — The task-pack data model.
// A pack is a directory holding a manifest (taskpack.json), a flow
// document (flow.json), and optionally a private secrets file and a
// snapshot file. Once loaded and validated it is immutable for the
// duration of a run.
package pack

import (
	"regexp"

	"github.com/showrun/showrun/internal/flow"
)

// File names inside a pack directory. YAML variants of the manifest and
// flow documents are also accepted.
const (
	ManifestFile  = "taskpack.json"
	FlowFile      = "flow.json"
	SecretsFile   = ".secrets.json"
	SnapshotsFile = "snapshots.json"
)

// IDPattern constrains pack ids.
var IDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Manifest is the parsed taskpack.json.
type Manifest struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Version     string           `json:"version"`
	Description string           `json:"description,omitempty"`
	Kind        string           `json:"kind"` // "json-dsl"
	Browser     *BrowserSettings `json:"browser,omitempty"`
	Auth        *AuthConfig      `json:"auth,omitempty"`
	Secrets     []SecretDecl     `json:"secrets,omitempty"`
}

// BrowserSettings selects the driver engine and persistence mode.
type BrowserSettings struct {
	Engine      string `json:"engine,omitempty"`      // default | stealth
	Persistence string `json:"persistence,omitempty"` // none | session | profile
}

// SecretDecl declares a secret the pack expects in its private store.
type SecretDecl struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// AuthGuard is the proactive logged-in assertion, off unless configured.
type AuthGuard struct {
	Selector    string `json:"selector,omitempty"`
	URLIncludes string `json:"urlIncludes,omitempty"`
}

// AuthPolicy is the reactive auth-failure classifier, on by default.
// A response is an auth failure when its URL matches one of the
// configured patterns (if any are set) and its status is in StatusCodes.
type AuthPolicy struct {
	URLIncludes []string `json:"urlIncludes,omitempty"`
	URLRegex    []string `json:"urlRegex,omitempty"`
	StatusCodes []int    `json:"statusCodes,omitempty"` // default {401, 403}
	Disabled    bool     `json:"disabled,omitempty"`
}

// AuthConfig groups the guard, the policy, and the recovery sub-flow.
type AuthConfig struct {
	Guard                     *AuthGuard  `json:"guard,omitempty"`
	Policy                    *AuthPolicy `json:"policy,omitempty"`
	Recovery                  []flow.Step `json:"recovery,omitempty"`
	MaxRecoveriesPerRun       int         `json:"maxRecoveriesPerRun,omitempty"`       // default 1
	MaxStepRetryAfterRecovery int         `json:"maxStepRetryAfterRecovery,omitempty"` // default 1
	CooldownMs                int         `json:"cooldownMs,omitempty"`
}

// InputField is one entry of the inputs schema.
type InputField struct {
	Type        string `json:"type"` // string | number | boolean
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// CollectibleDecl declares one named, typed output.
type CollectibleDecl struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string | number | boolean
	Description string `json:"description,omitempty"`
}

// FlowDoc is the parsed flow.json.
type FlowDoc struct {
	Inputs       map[string]InputField `json:"inputs,omitempty"`
	Collectibles []CollectibleDecl     `json:"collectibles,omitempty"`
	Flow         []flow.Step           `json:"flow"`
}

// Pack is a fully loaded, validated task pack.
type Pack struct {
	Dir      string
	Manifest Manifest
	Doc      FlowDoc
	Secrets  map[string]string
}

// DeclaredCollectibles returns the declared collectible names as a set.
func (p *Pack) DeclaredCollectibles() map[string]CollectibleDecl {
	out := make(map[string]CollectibleDecl, len(p.Doc.Collectibles))
	for _, c := range p.Doc.Collectibles {
		out[c.Name] = c
	}
	return out
}
