// compat.go — The HTTP-only pre-flight check.
// A flow runs without a browser only when every network_replay step
// has a fresh snapshot and no DOM-coupled kind appears anywhere. The
// check explains its verdict so hosts can surface why a browser was
// launched.
package snapshot

import (
	"fmt"
	"time"

	"github.com/showrun/showrun/internal/flow"
)

// Compat is the pre-flight verdict.
type Compat struct {
	OK bool
	// Reasons lists, for an incompatible flow, everything that blocked
	// HTTP-only mode.
	Reasons []string
}

// CheckCompat decides whether the flow can run HTTP-only against the
// store as of now.
func CheckCompat(steps []flow.Step, store *Store, now time.Time) Compat {
	var reasons []string
	for i := range steps {
		step := &steps[i]
		if !flow.HTTPOnlyCompatible(step.Type) {
			reasons = append(reasons, fmt.Sprintf("step %s: kind %s needs a browser", step.ID, step.Type))
			continue
		}
		if step.Type != flow.KindNetworkReplay {
			continue
		}
		snap, ok := store.Get(step.ID)
		if !ok {
			reasons = append(reasons, fmt.Sprintf("step %s: no snapshot", step.ID))
			continue
		}
		if snap.Stale(now) {
			reasons = append(reasons, fmt.Sprintf("step %s: snapshot is stale", step.ID))
		}
	}
	return Compat{OK: len(reasons) == 0, Reasons: reasons}
}
