/*
Copyright 2026 NoneBot Team
SPDX-License-Identifier: Apache-2.0
*/

package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
)

// Paths maps each publish kind to its store file, relative to the working
// tree root of the registry repository.
type Paths struct {
	Adapters string
	Bots     string
	Drivers  string
	Plugins  string
}

// DefaultPaths matches the file layout of the registry repository.
func DefaultPaths() Paths {
	return Paths{
		Adapters: "adapters.json",
		Bots:     "bots.json",
		Drivers:  "drivers.json",
		Plugins:  "plugins.json",
	}
}

// For returns the store file for the given kind.
func (p Paths) For(kind Kind) string {
	switch kind {
	case KindAdapter:
		return p.Adapters
	case KindBot:
		return p.Bots
	case KindDriver:
		return p.Drivers
	case KindPlugin:
		return p.Plugins
	}
	return ""
}

// Store performs load-modify-dump cycles on the store files under a single
// root directory. The caller serializes access within a workflow run; there
// is no cross-run concurrency because the orchestrator holds the workspace
// lock while a store file is open.
type Store struct {
	root  string
	paths Paths
}

// New returns a Store rooted at dir.
func New(dir string, paths Paths) *Store {
	return &Store{root: dir, paths: paths}
}

func (s *Store) file(kind Kind) string {
	return filepath.Join(s.root, filepath.FromSlash(s.paths.For(kind)))
}

// Load parses the store file for kind, tolerating the trailing comma after
// the last element. A missing file loads as an empty store.
func (s *Store) Load(kind Kind) ([]Entry, error) {
	data, err := os.ReadFile(s.file(kind))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s store: %w", kind, err)
	}
	return Parse(kind, data)
}

// Parse decodes a store file body into typed entries.
func Parse(kind Kind, data []byte) ([]Entry, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(jsonc.ToJSON(data), &raws); err != nil {
		return nil, fmt.Errorf("parsing %s store: %w", kind, err)
	}

	entries := make([]Entry, 0, len(raws))
	for i, raw := range raws {
		e, err := parseEntry(kind, raw)
		if err != nil {
			return nil, fmt.Errorf("parsing %s store entry %d: %w", kind, i, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func parseEntry(kind Kind, raw json.RawMessage) (Entry, error) {
	switch kind {
	case KindBot:
		var e Bot
		return e, json.Unmarshal(raw, &e)
	case KindAdapter:
		var e Adapter
		return e, json.Unmarshal(raw, &e)
	case KindDriver:
		var e Driver
		return e, json.Unmarshal(raw, &e)
	case KindPlugin:
		var e Plugin
		return e, json.Unmarshal(raw, &e)
	}
	return nil, fmt.Errorf("unknown store kind %q", kind)
}

// Dump writes the store file for kind as a whole-file replacement: two-space
// indent, a trailing comma after the last element, and a final newline.
func (s *Store) Dump(kind Kind, entries []Entry) error {
	data, err := Marshal(entries)
	if err != nil {
		return err
	}
	return os.WriteFile(s.file(kind), data, 0o644)
}

// Marshal renders entries in the canonical store file form. Marshal of the
// result of Parse reproduces a canonical input byte for byte.
func Marshal(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("[\n")
	for _, e := range entries {
		body, err := marshalEntry(e)
		if err != nil {
			return nil, err
		}
		var indented bytes.Buffer
		if err := json.Indent(&indented, body, "  ", "  "); err != nil {
			return nil, err
		}
		buf.WriteString("  ")
		buf.Write(indented.Bytes())
		buf.WriteString(",\n")
	}
	buf.WriteString("]\n")
	return buf.Bytes(), nil
}

func marshalEntry(e Entry) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("encoding %s entry: %w", e.EntryKind(), err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Upsert appends e when its natural key is absent and replaces the matching
// entry in place otherwise. Existing order is preserved either way.
func Upsert(entries []Entry, e Entry) []Entry {
	for i, existing := range entries {
		if existing.Key() == e.Key() {
			out := make([]Entry, len(entries))
			copy(out, entries)
			out[i] = e
			return out
		}
	}
	return append(append([]Entry(nil), entries...), e)
}

// Remove deletes the single entry matching key. It returns the input
// unchanged when no entry matches.
func Remove(entries []Entry, key Key) []Entry {
	for i, existing := range entries {
		if existing.Key() == key {
			out := make([]Entry, 0, len(entries)-1)
			out = append(out, entries[:i]...)
			return append(out, entries[i+1:]...)
		}
	}
	return entries
}

// UpsertEntry loads, upserts, and dumps in one step.
func (s *Store) UpsertEntry(e Entry) error {
	entries, err := s.Load(e.EntryKind())
	if err != nil {
		return err
	}
	return s.Dump(e.EntryKind(), Upsert(entries, e))
}

// RemoveEntry loads, removes key, and dumps in one step.
func (s *Store) RemoveEntry(kind Kind, key Key) error {
	entries, err := s.Load(kind)
	if err != nil {
		return err
	}
	return s.Dump(kind, Remove(entries, key))
}

// Snapshot is an in-memory view of every store file, keyed by kind.
type Snapshot map[Kind][]Entry

// Snapshot loads all four store files.
func (s *Store) Snapshot() (Snapshot, error) {
	sn := make(Snapshot, len(Kinds))
	for _, kind := range Kinds {
		entries, err := s.Load(kind)
		if err != nil {
			return nil, err
		}
		sn[kind] = entries
	}
	return sn, nil
}

// Find returns the snapshot entry with the given natural key, or nil.
func (sn Snapshot) Find(kind Kind, key Key) Entry {
	return Find(sn[kind], key)
}

// Find returns the entry with the given natural key, or nil.
func Find(entries []Entry, key Key) Entry {
	for _, e := range entries {
		if e.Key() == key {
			return e
		}
	}
	return nil
}

// FindByHomepage returns the first entry whose homepage matches. Bots match
// on their homepage key half; PyPI-backed kinds match on the homepage field.
func FindByHomepage(entries []Entry, homepage string) Entry {
	for _, e := range entries {
		switch v := e.(type) {
		case Bot:
			if v.Homepage == homepage {
				return e
			}
		case Adapter:
			if v.Homepage == homepage {
				return e
			}
		case Driver:
			if v.Homepage == homepage {
				return e
			}
		case Plugin:
			if v.Homepage == homepage {
				return e
			}
		}
	}
	return nil
}
