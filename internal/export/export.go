// Package export produces portable snapshots of the knowledge graph for
// backup or migration to another hub.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pierrec/lz4/v4"
	"gopkg.in/yaml.v3"

	"github.com/pibrain/pibrain/internal/store"
)

// Format selects the snapshot encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Snapshot is the exported document: every node blob plus every edge.
type Snapshot struct {
	ExportedAt time.Time     `json:"exportedAt"`
	NodeCount  int           `json:"nodeCount"`
	EdgeCount  int           `json:"edgeCount"`
	Nodes      []*store.Node `json:"nodes"`
	Edges      []store.Edge  `json:"edges"`
}

// Options controls one export run.
type Options struct {
	Format Format

	// Compress wraps the output in an lz4 frame.
	Compress bool
}

// Write collects the full graph and encodes it to w. Archived nodes are
// included; a snapshot is a backup, not a view.
func Write(ctx context.Context, s *store.Store, w io.Writer, opts Options) (*Snapshot, error) {
	snap, err := collect(ctx, s)
	if err != nil {
		return nil, err
	}

	out := w

	var lzw *lz4.Writer

	if opts.Compress {
		lzw = lz4.NewWriter(w)
		out = lzw
	}

	encodeErr := encode(out, snap, opts.Format)
	if encodeErr != nil {
		return nil, encodeErr
	}

	if lzw != nil {
		closeErr := lzw.Close()
		if closeErr != nil {
			return nil, fmt.Errorf("flush lz4 frame: %w", closeErr)
		}
	}

	return snap, nil
}

// Read decodes a snapshot previously produced by Write.
func Read(r io.Reader, format Format, compressed bool) (*Snapshot, error) {
	if compressed {
		r = lz4.NewReader(r)
	}

	var snap Snapshot

	switch format {
	case FormatYAML:
		// YAML carries the same camelCase keys as JSON, so decode through
		// the JSON field tags.
		var doc any

		err := yaml.NewDecoder(r).Decode(&doc)
		if err != nil {
			return nil, fmt.Errorf("decode yaml snapshot: %w", err)
		}

		raw, marshalErr := json.Marshal(doc)
		if marshalErr != nil {
			return nil, fmt.Errorf("convert yaml snapshot: %w", marshalErr)
		}

		unmarshalErr := json.Unmarshal(raw, &snap)
		if unmarshalErr != nil {
			return nil, fmt.Errorf("decode yaml snapshot: %w", unmarshalErr)
		}
	default:
		err := json.NewDecoder(r).Decode(&snap)
		if err != nil {
			return nil, fmt.Errorf("decode json snapshot: %w", err)
		}
	}

	return &snap, nil
}

func collect(ctx context.Context, s *store.Store) (*Snapshot, error) {
	ids, idErr := s.AllNodeIDs(ctx)
	if idErr != nil {
		return nil, idErr
	}

	nodes := make([]*store.Node, 0, len(ids))

	for _, id := range ids {
		node, getErr := s.GetNode(ctx, id)
		if getErr != nil {
			return nil, fmt.Errorf("load node %s: %w", id, getErr)
		}

		nodes = append(nodes, node)
	}

	edges, edgeErr := s.AllEdges(ctx)
	if edgeErr != nil {
		return nil, edgeErr
	}

	return &Snapshot{
		ExportedAt: time.Now().UTC(),
		NodeCount:  len(nodes),
		EdgeCount:  len(edges),
		Nodes:      nodes,
		Edges:      edges,
	}, nil
}

func encode(w io.Writer, snap *Snapshot, format Format) error {
	switch format {
	case FormatYAML:
		// Round-trip through JSON so the YAML document carries the same
		// camelCase keys, including node pass-through fields.
		raw, marshalErr := json.Marshal(snap)
		if marshalErr != nil {
			return fmt.Errorf("encode yaml snapshot: %w", marshalErr)
		}

		var doc any

		unmarshalErr := json.Unmarshal(raw, &doc)
		if unmarshalErr != nil {
			return fmt.Errorf("encode yaml snapshot: %w", unmarshalErr)
		}

		enc := yaml.NewEncoder(w)

		encErr := enc.Encode(doc)
		if encErr != nil {
			return fmt.Errorf("encode yaml snapshot: %w", encErr)
		}

		return enc.Close()
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		encErr := enc.Encode(snap)
		if encErr != nil {
			return fmt.Errorf("encode json snapshot: %w", encErr)
		}

		return nil
	}
}
