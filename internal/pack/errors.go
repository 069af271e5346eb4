// errors.go — The loader/validator failure surface.
// Each failure mode gets its own type so hosts can branch with
// errors.As; every one of them also classifies as KindValidation so the
// exit-code mapping stays a one-liner.
package pack

import (
	"fmt"
	"strings"

	"github.com/showrun/showrun/internal/types"
)

// MissingFileError reports an absent manifest or flow document.
type MissingFileError struct {
	Path string
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("pack file missing: %s", e.Path)
}

// SchemaError reports structural problems in the manifest.
type SchemaError struct {
	Problems []string
}

func (e *SchemaError) Error() string {
	return "manifest schema: " + strings.Join(e.Problems, "; ")
}

// FlowValidationError aggregates every problem found in a flow so pack
// authors fix them in one round trip.
type FlowValidationError struct {
	Problems []string
}

func (e *FlowValidationError) Error() string {
	return fmt.Sprintf("flow validation failed (%d problems): %s",
		len(e.Problems), strings.Join(e.Problems, "; "))
}

// MissingRequiredSecretError reports a declared required secret with no
// value in the pack's private store.
type MissingRequiredSecretError struct {
	Name string
}

func (e *MissingRequiredSecretError) Error() string {
	return fmt.Sprintf("required secret %q not set", e.Name)
}

// classify wraps a loader error so types.KindOf reports validation.
func classify(err error) error {
	return types.Wrap(types.KindValidation, err, "pack")
}
