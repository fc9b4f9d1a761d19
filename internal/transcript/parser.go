package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
)

// Scanner buffer sizing. Assistant messages carrying tool output can reach
// tens of megabytes on a single line.
const (
	initialScanBufSize = 64 * 1024
	maxLineSize        = 64 * 1024 * 1024
)

// Parse error sentinels.
var (
	// ErrMissingHeader indicates the first record is absent or is not a
	// self-declared session header.
	ErrMissingHeader = errors.New("transcript: first record is not a session header")
	// ErrDuplicateEntry indicates two entries in one file share an id.
	ErrDuplicateEntry = errors.New("transcript: duplicate entry id")
	// ErrOrphanEntry indicates a non-root entry whose parent is not in the file.
	ErrOrphanEntry = errors.New("transcript: entry references missing parent")
	// ErrMalformedEntry indicates an unparsable record before the final line.
	ErrMalformedEntry = errors.New("transcript: malformed entry")
)

// ParseFile reads a transcript file and builds a Session.
// The parser is tolerant of a single trailing partial record (discarded with
// a warning); malformed records anywhere else are fatal.
func ParseFile(path string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	session, parseErr := parse(f, path)
	if parseErr != nil {
		return nil, parseErr
	}

	return session, nil
}

// parse consumes line-delimited entries from r. Blank lines are skipped.
func parse(r io.Reader, path string) (*Session, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialScanBufSize), maxLineSize)

	var (
		lines   []string
		lineNos []int
		lineNo  int
	)

	for scanner.Scan() {
		lineNo++

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		lines = append(lines, line)
		lineNos = append(lineNos, lineNo)
	}

	scanErr := scanner.Err()
	if scanErr != nil {
		return nil, fmt.Errorf("read transcript %s: %w", path, scanErr)
	}

	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrMissingHeader, path)
	}

	entries, err := decodeLines(lines, lineNos, path)
	if err != nil {
		return nil, err
	}

	return buildSession(path, entries)
}

// decodeLines unmarshals each line into an Entry. The final line is allowed
// to be a partial write; it is dropped with a warning instead of failing.
func decodeLines(lines []string, lineNos []int, path string) ([]*Entry, error) {
	entries := make([]*Entry, 0, len(lines))

	for i, line := range lines {
		var e Entry

		decodeErr := json.Unmarshal([]byte(line), &e)
		if decodeErr != nil || e.ID == "" {
			if i == len(lines)-1 {
				slog.Warn("discarding partial trailing record",
					"path", path, "line", lineNos[i])

				break
			}

			return nil, fmt.Errorf("%w: %s line %d", ErrMalformedEntry, path, lineNos[i])
		}

		e.Raw = json.RawMessage(line)
		entries = append(entries, &e)
	}

	return entries, nil
}

// buildSession validates tree invariants and derives children and leaf.
func buildSession(path string, entries []*Entry) (*Session, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingHeader, path)
	}

	header := entries[0]
	if header.Kind != KindSessionInfo || !header.Header {
		return nil, fmt.Errorf("%w: %s", ErrMissingHeader, path)
	}

	byID := make(map[string]*Entry, len(entries))
	for _, e := range entries {
		if _, dup := byID[e.ID]; dup {
			return nil, fmt.Errorf("%w: %s id %s", ErrDuplicateEntry, path, e.ID)
		}

		byID[e.ID] = e
	}

	children := make(map[string][]*Entry)

	for _, e := range entries {
		if e.IsRoot() {
			continue
		}

		if _, ok := byID[e.ParentID]; !ok {
			return nil, fmt.Errorf("%w: %s entry %s parent %s", ErrOrphanEntry, path, e.ID, e.ParentID)
		}

		children[e.ParentID] = append(children[e.ParentID], e)
	}

	for _, kids := range children {
		sortEntries(kids)
	}

	session := &Session{
		Path:     path,
		Header:   header,
		Entries:  entries,
		byID:     byID,
		children: children,
	}
	session.leaf = session.findLeaf()

	return session, nil
}

// sortEntries orders siblings ascending by timestamp, then by id.
func sortEntries(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}

		return entries[i].ID < entries[j].ID
	})
}
