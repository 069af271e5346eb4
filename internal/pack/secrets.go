// secrets.go — The pack-private secret store.
// Secrets live in .secrets.json inside the pack directory, permissioned
// 0600 on POSIX. Values never leave this package except through the
// template engine's secret root.
package pack

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
)

// secretsFileLayout is the on-disk shape of .secrets.json.
type secretsFileLayout struct {
	Version int               `json:"version"`
	Secrets map[string]string `json:"secrets"`
}

// loadSecrets reads the private store and checks declared required
// secrets are present. An absent file is fine when nothing is required.
func loadSecrets(dir string, decls []SecretDecl) (map[string]string, error) {
	path := filepath.Join(dir, SecretsFile)
	data, err := os.ReadFile(path) // #nosec G304 -- path rooted in the pack dir
	if err != nil {
		if os.IsNotExist(err) {
			return checkRequired(nil, decls)
		}
		return nil, classify(err)
	}

	var layout secretsFileLayout
	if err := json.Unmarshal(data, &layout); err != nil {
		return nil, classify(&SchemaError{Problems: []string{"secrets file: " + err.Error()}})
	}
	return checkRequired(layout.Secrets, decls)
}

func checkRequired(secrets map[string]string, decls []SecretDecl) (map[string]string, error) {
	if secrets == nil {
		secrets = map[string]string{}
	}
	for _, d := range decls {
		if !d.Required {
			continue
		}
		if v, ok := secrets[d.Name]; !ok || v == "" {
			return nil, classify(&MissingRequiredSecretError{Name: d.Name})
		}
	}
	return secrets, nil
}

// WriteSecrets persists the store with owner-only permissions. Used by
// secret-management collaborators, not by the run path.
func WriteSecrets(dir string, secrets map[string]string) error {
	layout := secretsFileLayout{Version: 1, Secrets: secrets}
	data, err := json.MarshalIndent(layout, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, SecretsFile)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	if runtime.GOOS != "windows" {
		// WriteFile only applies the mode on create; enforce on rewrite.
		return os.Chmod(path, 0o600)
	}
	return nil
}
