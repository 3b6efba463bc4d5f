package cpra

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/carbocation/pfx"
)

// manifestSuffix is appended to a stream's path to name its manifest.
const manifestSuffix = ".json"

// Manifest records which original sources a merged stream covers, which
// version of each source it was built from and under which reading options.
// A merged stream without a manifest is never trusted.
type Manifest struct {
	Sources    []string               `json:"sources"`
	Stamps     map[string]SourceStamp `json:"stamps,omitempty"`
	Options    string                 `json:"options,omitempty"`
	Generation int                    `json:"generation"`
	Records    int64                  `json:"records"`

	// Complete is set once the stream it describes has been written.
	Complete bool `json:"complete,omitempty"`
}

func manifestPath(streamPath string) string {
	return streamPath + manifestSuffix
}

func writeManifest(streamPath string, m Manifest) error {
	sort.Strings(m.Sources)
	return WriteJSONAtomic(manifestPath(streamPath), m)
}

func readManifest(streamPath string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(manifestPath(streamPath))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, pfx.Err(err)
	}
	sort.Strings(m.Sources)
	return m, nil
}

// removeStream deletes a merged stream and then its manifest.
func removeStream(streamPath string) error {
	if err := os.Remove(streamPath); err != nil && !os.IsNotExist(err) {
		return pfx.Err(err)
	}
	if err := os.Remove(manifestPath(streamPath)); err != nil && !os.IsNotExist(err) {
		return pfx.Err(err)
	}
	return nil
}

func sameSources(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
