package segment

import (
	"crypto/sha256"
	"encoding/hex"
)

// nodeIDPrefix namespaces knowledge-node ids.
const nodeIDPrefix = "kn-"

// nodeIDHexLen is the number of hex characters kept from the digest.
const nodeIDHexLen = 16

// NodeID derives the deterministic knowledge-node id for a segment. It is a
// pure function of the session file path and the segment's start and end
// entry ids: re-deriving for the same inputs yields identical output, so
// reanalysis updates the existing node instead of creating a duplicate.
func NodeID(sessionPath, startID, endID string) string {
	h := sha256.New()
	h.Write([]byte(sessionPath))
	h.Write([]byte{0})
	h.Write([]byte(startID))
	h.Write([]byte{0})
	h.Write([]byte(endID))

	return nodeIDPrefix + hex.EncodeToString(h.Sum(nil))[:nodeIDHexLen]
}
