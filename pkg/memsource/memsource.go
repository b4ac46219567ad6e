// Package memsource provides minimal in-memory DataSource and NDJSON
// SourceParser adapters. Concrete source/parser adapters are outside the
// engine's scope; this package exists so tests and examples have
// something concrete to drive the engine with.
package memsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/vnykmshr/batchflow/pkg/engine"
)

// Source is a fixed in-memory byte source, chunked by line. It supports
// repeated reads (Countable reports true), which count() and preview()
// both rely on.
type Source struct {
	data []byte
	meta engine.SourceMetadata
}

// New builds a Source over data, chunked one line at a time.
func New(data []byte) *Source {
	return &Source{data: data}
}

// NewWithMetadata builds a Source carrying the given metadata.
func NewWithMetadata(data []byte, meta engine.SourceMetadata) *Source {
	return &Source{data: data, meta: meta}
}

// Read streams data one line at a time over the returned channel.
func (s *Source) Read(ctx context.Context) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)
		for _, line := range bytes.Split(s.data, []byte("\n")) {
			if len(line) == 0 {
				continue
			}
			select {
			case chunks <- line:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()

	return chunks, errs
}

// Sample returns a bounded prefix of the source's bytes.
func (s *Source) Sample(_ context.Context, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = 4096
	}
	if maxBytes >= len(s.data) {
		return s.data, nil
	}
	return s.data[:maxBytes], nil
}

// Metadata returns the metadata supplied at construction.
func (s *Source) Metadata() engine.SourceMetadata { return s.meta }

// Countable always returns true: an in-memory byte slice can always be
// re-read from the start.
func (s *Source) Countable() bool { return true }

// NDJSONParser parses one newline-delimited JSON object per chunk.
type NDJSONParser struct{}

// Parse unmarshals chunk as a single JSON object.
func (NDJSONParser) Parse(chunk []byte) ([]map[string]interface{}, error) {
	trimmed := bytes.TrimSpace(chunk)
	if len(trimmed) == 0 {
		return nil, nil
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, fmt.Errorf("ndjson parse error: %w", err)
	}
	return []map[string]interface{}{raw}, nil
}
