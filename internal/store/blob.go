package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// blobPath returns the content-addressed path for a node version:
// <blobDir>/YYYY/MM/<id>-v<version>.json, bucketed by observed-at month.
// Historical versions are retained for audit; each reanalysis writes a new
// -v<n>.json next to its predecessors.
func (s *Store) blobPath(n *Node) string {
	t := n.Metadata.ObservedAt
	if t.IsZero() {
		t = s.now()
	}

	return filepath.Join(s.blobDir,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", int(t.Month())),
		fmt.Sprintf("%s-v%d.json", n.ID, n.Version))
}

// writeBlob writes the node JSON to a temporary file and renames it into
// place. Returns the final path. The caller removes the file if the
// surrounding transaction fails.
func (s *Store) writeBlob(n *Node) (string, error) {
	path := s.blobPath(n)

	mkdirErr := os.MkdirAll(filepath.Dir(path), 0o755)
	if mkdirErr != nil {
		return "", fmt.Errorf("create blob dir: %w", mkdirErr)
	}

	data, marshalErr := json.MarshalIndent(n, "", "  ")
	if marshalErr != nil {
		return "", fmt.Errorf("marshal node: %w", marshalErr)
	}

	tmp, tmpErr := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if tmpErr != nil {
		return "", fmt.Errorf("create blob temp: %w", tmpErr)
	}

	_, writeErr := tmp.Write(data)
	if writeErr == nil {
		writeErr = tmp.Sync()
	}

	closeErr := tmp.Close()

	if writeErr != nil || closeErr != nil {
		os.Remove(tmp.Name())

		if writeErr == nil {
			writeErr = closeErr
		}

		return "", fmt.Errorf("write blob: %w", writeErr)
	}

	renameErr := os.Rename(tmp.Name(), path)
	if renameErr != nil {
		os.Remove(tmp.Name())

		return "", fmt.Errorf("rename blob: %w", renameErr)
	}

	return path, nil
}

// readBlob loads and decodes one node blob file.
func readBlob(path string) (*Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: blob %s", ErrNotFound, path)
		}

		return nil, internalErr("read blob", err)
	}

	var n Node

	decodeErr := json.Unmarshal(data, &n)
	if decodeErr != nil {
		return nil, internalErr("decode blob "+path, decodeErr)
	}

	return &n, nil
}

// walkBlobs visits every node blob under the blob tree, newest version of
// each node last (lexicographic order guarantees -v2 sorts after -v1 only up
// to v9; versions are compared numerically by the caller where it matters).
func (s *Store) walkBlobs(visit func(path string) error) error {
	return filepath.WalkDir(s.blobDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}

		return visit(path)
	})
}
