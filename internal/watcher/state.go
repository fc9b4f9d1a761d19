package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pibrain/pibrain/internal/transcript"
)

// fileState tracks one observed transcript file across events and sweeps.
type fileState struct {
	FirstSeen time.Time `json:"firstSeen"`
	LastEvent time.Time `json:"lastEvent"`
	LastSize  int64     `json:"lastSize"`

	// Fingerprint identifies the parent-pointer chain tail last swept, so an
	// idle file is re-examined only after it actually grew.
	Fingerprint string `json:"fingerprint"`

	// Computer is the spoke name (or hostname) resolved for this path.
	Computer string `json:"computer"`
}

// persistedState is the snapshot written between daemon runs.
type persistedState struct {
	Files map[string]*fileState `json:"files"`
}

// stateBasename names the snapshot file inside the state directory.
const stateBasename = "watcher-state"

// chainFingerprint hashes the tail of the root→leaf entry chain. Any new
// entry on the active branch changes the leaf id and therefore the digest.
func chainFingerprint(s *transcript.Session) string {
	leaf := s.Leaf()
	if leaf == nil {
		return ""
	}

	path, err := s.PathTo(leaf.ID)
	if err != nil {
		path = []*transcript.Entry{leaf}
	}

	tail := path
	if len(tail) > 16 {
		tail = tail[len(tail)-16:]
	}

	ids := make([]string, len(tail))
	for i, e := range tail {
		ids[i] = e.ID
	}

	sum := sha256.Sum256([]byte(strings.Join(ids, "\x00")))

	return hex.EncodeToString(sum[:8])
}
