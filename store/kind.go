/*
Copyright 2026 NoneBot Team
SPDX-License-Identifier: Apache-2.0
*/

// Package store reads and writes the registry's checked-in JSON store files.
//
// A store file is an ordered JSON array of entries, one file per publish
// kind. Files are written with a trailing comma after the last element and a
// final newline so that two branches appending different entries merge
// without conflict. Reads tolerate the trailing comma.
package store

import "fmt"

// Kind identifies which store file an entry belongs to. The values double as
// the GitHub label names used to route issues and pull requests.
type Kind string

const (
	KindBot     Kind = "Bot"
	KindAdapter Kind = "Adapter"
	KindDriver  Kind = "Driver"
	KindPlugin  Kind = "Plugin"
)

// Kinds lists every publish kind in a stable order.
var Kinds = []Kind{KindAdapter, KindBot, KindDriver, KindPlugin}

// KindFromLabel maps a GitHub label name to a publish kind.
func KindFromLabel(name string) (Kind, bool) {
	switch Kind(name) {
	case KindBot, KindAdapter, KindDriver, KindPlugin:
		return Kind(name), true
	}
	return "", false
}

func (k Kind) String() string { return string(k) }

// Key is the natural key of a store entry. Bots key on (name, homepage);
// every PyPI-backed kind keys on (project_link, module_name).
type Key struct {
	First  string
	Second string
}

func (k Key) String() string { return fmt.Sprintf("%s:%s", k.First, k.Second) }
