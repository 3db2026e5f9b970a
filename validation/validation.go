/*
Copyright 2026 NoneBot Team
SPDX-License-Identifier: Apache-2.0
*/

// Package validation checks publish submissions against the store rules and
// produces either a store entry or a list of localized errors.
package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/nonebot/noneflow/pypi"
	"github.com/nonebot/noneflow/sandbox"
	"github.com/nonebot/noneflow/store"
)

// NameMaxLength bounds entry names, measured in runes.
const NameMaxLength = 50

// MaxTags bounds the tag list.
const MaxTags = 3

// MaxTagLabel bounds a single tag label, measured in runes.
const MaxTagLabel = 10

// PluginTypes are the accepted plugin type values.
var PluginTypes = []string{"application", "library"}

var (
	moduleNamePattern = regexp.MustCompile(`(?i)^([A-Z]|[A-Z][A-Z0-9._-]*[A-Z0-9])$`)
	homepagePattern   = regexp.MustCompile(`^https?://\S+$`)
	docsPattern       = regexp.MustCompile(`^/docs/\S+$`)
	hexColorPattern   = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)
)

// PyPI is the package index surface the validators need. *pypi.Client
// implements it.
type PyPI interface {
	Project(ctx context.Context, link string) (*pypi.Project, error)
	CheckURL(ctx context.Context, url string) (int, string)
}

// Context carries the environment a validation runs against.
type Context struct {
	// Store is a snapshot of the registry, used for duplicate detection
	// and the adapter list.
	Store store.Snapshot
	// PyPI resolves project links and probes homepages.
	PyPI PyPI
	// Outcome is the sandbox result for plugin submissions. Nil when the
	// test was skipped or not applicable.
	Outcome *sandbox.Outcome
	// SkipTest marks plugin submissions that bypass the sandbox.
	SkipTest bool
}

// Fields are the raw form values of a submission.
type Fields struct {
	Name        string
	Desc        string
	Homepage    string
	ProjectLink string
	ModuleName  string
	Tags        string

	// Plugin metadata from the issue form, consulted only for skip-test
	// submissions. Tested plugins take these from the sandbox outcome.
	Type              string
	SupportedAdapters string

	Author   string
	AuthorID int64
}

// Result is the outcome of validating one submission.
type Result struct {
	Kind store.Kind
	// Name is the best-effort display name, present even on failure.
	Name string
	// Entry is the store entry to publish. Nil when validation failed.
	Entry store.Entry
	// Errors lists every failure found.
	Errors []Error
}

// Valid reports whether the submission produced a publishable entry.
func (r *Result) Valid() bool {
	return r.Entry != nil && len(r.Errors) == 0
}

// ResolveAdapter expands the shorthand adapter notation, e.g. "~onebot.v11"
// to "nonebot.adapters.onebot.v11".
func ResolveAdapter(name string) string {
	if rest, ok := strings.CutPrefix(name, "~"); ok {
		return "nonebot.adapters." + rest
	}
	return name
}

// Bot validates a bot submission.
func Bot(ctx context.Context, c Context, f Fields) *Result {
	r := &Result{Kind: store.KindBot, Name: f.Name}

	name := r.checkName(f.Name)
	homepage := r.checkHomepage(ctx, c, f.Homepage, false)
	tags := r.checkTags(f.Tags)
	if f.Desc == "" {
		r.Errors = append(r.Errors, missingError("desc"))
	}

	if name != "" && homepage != "" {
		if c.Store.Find(store.KindBot, store.Key{First: name, Second: homepage}) != nil {
			r.Errors = append(r.Errors, Error{
				Loc:     []string{"name"},
				Kind:    KindDuplication,
				Message: fmt.Sprintf("名称 %s 加主页 %s 的值与商店重复", name, homepage),
				Ctx:     map[string]any{"name": name, "homepage": homepage},
			})
		}
	}

	if len(r.Errors) > 0 {
		return r
	}
	r.Entry = store.Bot{
		Name:     name,
		Desc:     f.Desc,
		Author:   f.Author,
		AuthorID: f.AuthorID,
		Homepage: homepage,
		Tags:     tags,
	}
	return r
}

// Adapter validates an adapter submission.
func Adapter(ctx context.Context, c Context, f Fields) *Result {
	r := &Result{Kind: store.KindAdapter, Name: displayName(f)}

	name := r.checkName(f.Name)
	homepage := r.checkHomepage(ctx, c, f.Homepage, false)
	tags := r.checkTags(f.Tags)
	if f.Desc == "" {
		r.Errors = append(r.Errors, missingError("desc"))
	}
	moduleName := r.checkModuleName(f.ModuleName, false)
	project := r.checkProjectLink(ctx, c, f.ProjectLink)
	r.checkDuplication(c, store.KindAdapter, moduleName, project)

	if len(r.Errors) > 0 {
		return r
	}
	r.Entry = store.Adapter{
		ModuleName:  moduleName,
		ProjectLink: project.Name,
		Name:        name,
		Desc:        f.Desc,
		Author:      f.Author,
		AuthorID:    f.AuthorID,
		Homepage:    homepage,
		Tags:        tags,
	}
	return r
}

// Driver validates a driver submission. Built-in drivers use a "~" module
// prefix, an empty or "nonebot2[...]" project link, and a "/docs/" homepage.
func Driver(ctx context.Context, c Context, f Fields) *Result {
	r := &Result{Kind: store.KindDriver, Name: displayName(f)}

	name := r.checkName(f.Name)
	homepage := r.checkHomepage(ctx, c, f.Homepage, true)
	tags := r.checkTags(f.Tags)
	if f.Desc == "" {
		r.Errors = append(r.Errors, missingError("desc"))
	}
	moduleName := r.checkModuleName(f.ModuleName, true)

	var project *pypi.Project
	if builtinDriverLink(f.ProjectLink) {
		// Built-in drivers version with nonebot2 itself.
		project = r.lookupProject(ctx, c, "nonebot2")
		if project != nil {
			project = &pypi.Project{
				Name:       f.ProjectLink,
				Version:    project.Version,
				UploadTime: project.UploadTime,
			}
		}
	} else {
		project = r.checkProjectLink(ctx, c, f.ProjectLink)
	}
	r.checkDuplication(c, store.KindDriver, moduleName, project)

	if len(r.Errors) > 0 {
		return r
	}
	r.Entry = store.Driver{
		ModuleName:  moduleName,
		ProjectLink: project.Name,
		Name:        name,
		Desc:        f.Desc,
		Author:      f.Author,
		AuthorID:    f.AuthorID,
		Homepage:    homepage,
		Tags:        tags,
		Time:        project.UploadTime,
		Version:     project.Version,
	}
	return r
}

// Plugin validates a plugin submission. Metadata comes from the sandbox
// outcome, or from the issue form when the test is skipped.
func Plugin(ctx context.Context, c Context, f Fields) *Result {
	r := &Result{Kind: store.KindPlugin, Name: displayName(f)}

	tags := r.checkTags(f.Tags)
	moduleName := r.checkModuleName(f.ModuleName, false)
	project := r.checkProjectLink(ctx, c, f.ProjectLink)
	r.checkDuplication(c, store.KindPlugin, moduleName, project)

	loaded := c.Outcome != nil && c.Outcome.Load
	if !loaded && !c.SkipTest {
		var output string
		if c.Outcome != nil {
			output = c.Outcome.Output
		}
		r.Errors = append(r.Errors, Error{
			Loc:     []string{"load"},
			Kind:    KindPluginTest,
			Message: "插件无法正常加载",
			Ctx:     map[string]any{"output": output},
		})
	}

	meta := r.pluginMetadata(c, f)
	var name, homepage, typ string
	var supported *[]string
	if meta != nil {
		name = r.checkName(meta.Name)
		if name != "" {
			r.Name = name
		}
		if meta.Desc == "" {
			r.Errors = append(r.Errors, missingError("desc"))
		}
		if meta.Homepage != nil {
			homepage = r.checkHomepage(ctx, c, *meta.Homepage, false)
		} else {
			r.Errors = append(r.Errors, missingError("homepage"))
		}
		typ = r.checkPluginType(meta.Type)
		supported = r.checkSupportedAdapters(c, meta.SupportedAdapters)
	}

	if len(r.Errors) > 0 {
		return r
	}

	version := project.Version
	timestamp := project.UploadTime
	if c.Outcome != nil && c.Outcome.Version != "" {
		version = c.Outcome.Version
	}
	r.Entry = store.Plugin{
		ModuleName:        moduleName,
		ProjectLink:       project.Name,
		Name:              name,
		Desc:              meta.Desc,
		Author:            f.Author,
		AuthorID:          f.AuthorID,
		Homepage:          homepage,
		Tags:              tags,
		Type:              typ,
		SupportedAdapters: supported,
		Valid:             true,
		Time:              timestamp,
		Version:           version,
		SkipTest:          c.SkipTest,
	}
	return r
}

func displayName(f Fields) string {
	if f.Name != "" {
		return f.Name
	}
	return f.ProjectLink
}

func builtinDriverLink(link string) bool {
	return link == "" || strings.HasPrefix(link, "nonebot2[")
}

func (r *Result) checkName(name string) string {
	if name == "" {
		r.Errors = append(r.Errors, missingError("name"))
		return ""
	}
	if len([]rune(name)) > NameMaxLength {
		r.Errors = append(r.Errors, tooLongError(NameMaxLength, name, "name"))
		return ""
	}
	return name
}

func (r *Result) checkHomepage(ctx context.Context, c Context, homepage string, allowDocs bool) string {
	homepage = strings.TrimSpace(homepage)
	if homepage == "" {
		r.Errors = append(r.Errors, missingError("homepage"))
		return ""
	}
	if allowDocs && docsPattern.MatchString(homepage) {
		return homepage
	}
	if !homepagePattern.MatchString(homepage) {
		r.Errors = append(r.Errors, Error{
			Loc:     []string{"homepage"},
			Kind:    KindHomepage,
			Message: "项目主页无法访问",
			Input:   homepage,
			Ctx:     map[string]any{"status_code": 0, "msg": "不是合法的网址"},
		})
		return ""
	}
	if status, msg := c.PyPI.CheckURL(ctx, homepage); status != 200 {
		r.Errors = append(r.Errors, Error{
			Loc:     []string{"homepage"},
			Kind:    KindHomepage,
			Message: "项目主页无法访问",
			Input:   homepage,
			Ctx:     map[string]any{"status_code": status, "msg": msg},
		})
		return ""
	}
	return homepage
}

func (r *Result) checkTags(raw string) []store.Tag {
	if raw == "" {
		r.Errors = append(r.Errors, missingError("tags"))
		return nil
	}
	var decoded []struct {
		Label string `json:"label"`
		Color string `json:"color"`
	}
	if err := json.Unmarshal(jsonc.ToJSON([]byte(raw)), &decoded); err != nil {
		r.Errors = append(r.Errors, Error{
			Loc:     []string{"tags"},
			Kind:    KindJSONType,
			Message: "JSON 格式不合法",
			Input:   raw,
		})
		return nil
	}
	if len(decoded) > MaxTags {
		r.Errors = append(r.Errors, Error{
			Loc:     []string{"tags"},
			Kind:    KindTooLong,
			Message: fmt.Sprintf("列表长度不能超过 %d 个元素", MaxTags),
			Input:   raw,
			Ctx:     map[string]any{"max_length": MaxTags},
		})
		return nil
	}

	tags := make([]store.Tag, 0, len(decoded))
	ok := true
	for i, t := range decoded {
		label := strings.TrimPrefix(t.Label, "t:")
		if len([]rune(label)) > MaxTagLabel {
			r.Errors = append(r.Errors, tooLongError(MaxTagLabel, label, "tags", fmt.Sprint(i), "label"))
			ok = false
			continue
		}
		color, err := normalizeColor(t.Color)
		if err != nil {
			r.Errors = append(r.Errors, Error{
				Loc:     []string{"tags", fmt.Sprint(i), "color"},
				Kind:    KindColor,
				Message: "颜色格式不正确",
				Input:   t.Color,
			})
			ok = false
			continue
		}
		tags = append(tags, store.Tag{Label: label, Color: color})
	}
	if !ok {
		return nil
	}
	return tags
}

// normalizeColor expands a hex color to its lowercase long form.
func normalizeColor(color string) (string, error) {
	if !hexColorPattern.MatchString(color) {
		return "", fmt.Errorf("invalid color %q", color)
	}
	color = strings.ToLower(color)
	if len(color) == 4 {
		return "#" + strings.Repeat(string(color[1]), 2) +
			strings.Repeat(string(color[2]), 2) +
			strings.Repeat(string(color[3]), 2), nil
	}
	return color, nil
}

func (r *Result) checkModuleName(name string, allowBuiltin bool) string {
	if name == "" {
		r.Errors = append(r.Errors, missingError("module_name"))
		return ""
	}
	if allowBuiltin && strings.HasPrefix(name, "~") {
		return name
	}
	if !moduleNamePattern.MatchString(name) {
		r.Errors = append(r.Errors, Error{
			Loc:     []string{"module_name"},
			Kind:    KindModuleName,
			Message: "包名不符合规范",
			Input:   name,
		})
		return ""
	}
	return name
}

// checkProjectLink validates the link format, resolves it on PyPI, and
// returns the project under its canonical name. Returns a zero project on
// failure so later steps can still run.
func (r *Result) checkProjectLink(ctx context.Context, c Context, link string) *pypi.Project {
	if link == "" {
		r.Errors = append(r.Errors, missingError("project_link"))
		return &pypi.Project{}
	}
	if !pypi.NamePattern.MatchString(link) {
		r.Errors = append(r.Errors, Error{
			Loc:     []string{"project_link"},
			Kind:    KindProjectLinkName,
			Message: "PyPI 项目名不符合规范",
			Input:   link,
		})
		return &pypi.Project{}
	}
	project := r.lookupProject(ctx, c, link)
	if project == nil {
		return &pypi.Project{}
	}
	return project
}

func (r *Result) lookupProject(ctx context.Context, c Context, link string) *pypi.Project {
	project, err := c.PyPI.Project(ctx, link)
	if err != nil {
		if errors.Is(err, pypi.ErrNotFound) {
			r.Errors = append(r.Errors, Error{
				Loc:     []string{"project_link"},
				Kind:    KindProjectLinkNotFound,
				Message: "PyPI 项目名不存在",
				Input:   link,
			})
		} else {
			r.Errors = append(r.Errors, Error{
				Loc:     []string{"project_link"},
				Kind:    KindProjectLinkNotFound,
				Message: fmt.Sprintf("PyPI 项目信息获取失败: %v", err),
				Input:   link,
			})
		}
		return nil
	}
	return project
}

func (r *Result) checkDuplication(c Context, kind store.Kind, moduleName string, project *pypi.Project) {
	if moduleName == "" || project == nil || project.Name == "" {
		return
	}
	if c.Store.Find(kind, store.Key{First: project.Name, Second: moduleName}) != nil {
		r.Errors = append(r.Errors, Error{
			Loc:     []string{"project_link"},
			Kind:    KindDuplication,
			Message: fmt.Sprintf("PyPI 项目名 %s 加包名 %s 的值与商店重复", project.Name, moduleName),
			Ctx:     map[string]any{"project_link": project.Name, "module_name": moduleName},
		})
	}
}

// pluginMetadata picks the metadata source: the sandbox outcome, or the
// issue form for skip-test submissions. A missing source is itself an error.
func (r *Result) pluginMetadata(c Context, f Fields) *sandbox.Metadata {
	if c.SkipTest {
		meta := &sandbox.Metadata{Name: f.Name, Desc: f.Desc}
		if f.Homepage != "" {
			meta.Homepage = &f.Homepage
		}
		if f.Type != "" {
			meta.Type = &f.Type
		}
		if f.SupportedAdapters != "" {
			var adapters []string
			if err := json.Unmarshal(jsonc.ToJSON([]byte(f.SupportedAdapters)), &adapters); err != nil {
				r.Errors = append(r.Errors, Error{
					Loc:     []string{"supported_adapters"},
					Kind:    KindJSONType,
					Message: "JSON 格式不合法",
					Input:   f.SupportedAdapters,
				})
			} else {
				meta.SupportedAdapters = &adapters
			}
		}
		return meta
	}
	if c.Outcome == nil || c.Outcome.Metadata == nil {
		loaded := c.Outcome != nil && c.Outcome.Load
		r.Errors = append(r.Errors, Error{
			Loc:     []string{"metadata"},
			Kind:    KindPluginMetadata,
			Message: "无法获取到插件元数据",
			Ctx:     map[string]any{"load": loaded},
		})
		return nil
	}
	return c.Outcome.Metadata
}

func (r *Result) checkPluginType(typ *string) string {
	if typ == nil || *typ == "" {
		r.Errors = append(r.Errors, missingError("type"))
		return ""
	}
	for _, valid := range PluginTypes {
		if *typ == valid {
			return *typ
		}
	}
	r.Errors = append(r.Errors, Error{
		Loc:     []string{"type"},
		Kind:    KindPluginType,
		Message: "插件类型只能是 application 或 library",
		Input:   *typ,
	})
	return ""
}

// checkSupportedAdapters resolves shorthand names, deduplicates, sorts, and
// requires every adapter to exist in the store. Nil means all adapters.
func (r *Result) checkSupportedAdapters(c Context, adapters *[]string) *[]string {
	if adapters == nil {
		return nil
	}

	known := make(map[string]bool)
	for _, e := range c.Store[store.KindAdapter] {
		if a, ok := e.(store.Adapter); ok {
			known[a.ModuleName] = true
		}
	}

	seen := make(map[string]bool)
	var resolved, missing []string
	for _, name := range *adapters {
		name = ResolveAdapter(name)
		if seen[name] {
			continue
		}
		seen[name] = true
		resolved = append(resolved, name)
		if !known[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		r.Errors = append(r.Errors, Error{
			Loc:     []string{"supported_adapters"},
			Kind:    KindSupportedAdaptersMissing,
			Message: fmt.Sprintf("适配器 %s 不存在", strings.Join(missing, ", ")),
			Ctx:     map[string]any{"missing_adapters": missing},
		})
		return nil
	}
	sort.Strings(resolved)
	return &resolved
}
