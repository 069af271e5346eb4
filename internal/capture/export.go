// export.go — Opaque entry serialization for the snapshot facility.
// Export/Import round-trip an entry so get and find treat the imported
// copy identically to the original. Request headers are excluded by the
// entry's own serialization rules, so an exported blob is safe to store.
package capture

import (
	"encoding/json"
	"strconv"

	"github.com/showrun/showrun/internal/types"
)

// Export serializes one entry. The blob is opaque to callers.
func (c *Capture) Export(id string) ([]byte, error) {
	entry, ok := c.get(id)
	if !ok {
		return nil, types.Errorf(types.KindNetworkRequestNotFound, "no captured entry %q", id)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(entry)
}

// Import inserts a previously exported entry into the buffer. The entry
// keeps its original id unless that id is already live, in which case a
// fresh one is assigned.
func (c *Capture) Import(blob []byte) (*types.NetworkEntry, error) {
	var entry types.NetworkEntry
	if err := json.Unmarshal(blob, &entry); err != nil {
		return nil, types.Wrap(types.KindValidation, err, "bad exported entry")
	}
	if entry.ID == "" {
		return nil, types.Errorf(types.KindValidation, "exported entry has no id")
	}

	c.mu.Lock()
	if _, taken := c.byID[entry.ID]; taken {
		c.idCounter++
		entry.ID = "net-" + strconv.FormatInt(c.idCounter, 10)
	}
	c.mu.Unlock()

	c.buf.Append(&entry)
	c.mu.Lock()
	c.byID[entry.ID] = &entry
	c.mu.Unlock()
	return &entry, nil
}
