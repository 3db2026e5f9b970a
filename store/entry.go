/*
Copyright 2026 NoneBot Team
SPDX-License-Identifier: Apache-2.0
*/

package store

// Tag is a short colored label attached to an entry. Color is always the
// seven-character #RRGGBB form.
type Tag struct {
	Label string `json:"label"`
	Color string `json:"color"`
}

// Entry is implemented by every store entry type. Key returns the natural
// key used for duplicate detection and removal; EntryKind selects the store
// file the entry lives in.
type Entry interface {
	Key() Key
	EntryKind() Kind
}

// Bot is a published bot. Bots are not PyPI distributions, so they key on
// name plus homepage.
type Bot struct {
	Name       string `json:"name"`
	Desc       string `json:"desc"`
	Author     string `json:"author"`
	AuthorID   int64  `json:"author_id"`
	Homepage   string `json:"homepage"`
	Tags       []Tag  `json:"tags"`
	IsOfficial bool   `json:"is_official"`
}

func (b Bot) Key() Key        { return Key{First: b.Name, Second: b.Homepage} }
func (b Bot) EntryKind() Kind { return KindBot }

// Adapter is a published protocol adapter distribution.
type Adapter struct {
	ModuleName  string `json:"module_name"`
	ProjectLink string `json:"project_link"`
	Name        string `json:"name"`
	Desc        string `json:"desc"`
	Author      string `json:"author"`
	AuthorID    int64  `json:"author_id"`
	Homepage    string `json:"homepage"`
	Tags        []Tag  `json:"tags"`
	IsOfficial  bool   `json:"is_official"`
}

func (a Adapter) Key() Key        { return Key{First: a.ProjectLink, Second: a.ModuleName} }
func (a Adapter) EntryKind() Kind { return KindAdapter }

// Driver is a published driver distribution. Time and Version come from the
// latest PyPI release at validation time.
type Driver struct {
	ModuleName  string `json:"module_name"`
	ProjectLink string `json:"project_link"`
	Name        string `json:"name"`
	Desc        string `json:"desc"`
	Author      string `json:"author"`
	AuthorID    int64  `json:"author_id"`
	Homepage    string `json:"homepage"`
	Tags        []Tag  `json:"tags"`
	IsOfficial  bool   `json:"is_official"`
	Time        string `json:"time"`
	Version     string `json:"version"`
}

func (d Driver) Key() Key        { return Key{First: d.ProjectLink, Second: d.ModuleName} }
func (d Driver) EntryKind() Kind { return KindDriver }

// Plugin is a published plugin distribution together with the outcome of its
// last load test. SupportedAdapters is nil when the plugin works with every
// adapter; the JSON field is emitted as an explicit null in that case.
type Plugin struct {
	ModuleName        string    `json:"module_name"`
	ProjectLink       string    `json:"project_link"`
	Name              string    `json:"name"`
	Desc              string    `json:"desc"`
	Author            string    `json:"author"`
	AuthorID          int64     `json:"author_id"`
	Homepage          string    `json:"homepage"`
	Tags              []Tag     `json:"tags"`
	IsOfficial        bool      `json:"is_official"`
	Type              string    `json:"type"`
	SupportedAdapters *[]string `json:"supported_adapters"`
	Valid             bool      `json:"valid"`
	Time              string    `json:"time"`
	Version           string    `json:"version"`
	SkipTest          bool      `json:"skip_test"`
}

func (p Plugin) Key() Key        { return Key{First: p.ProjectLink, Second: p.ModuleName} }
func (p Plugin) EntryKind() Kind { return KindPlugin }
