/*
Copyright 2026 NoneBot Team
SPDX-License-Identifier: Apache-2.0
*/

// Package comment renders the bot's result comment on publish issues and
// keeps exactly one such comment per issue up to date.
package comment

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"

	"github.com/nonebot/noneflow/store"
	"github.com/nonebot/noneflow/validation"
)

// Marker identifies the bot's own comment. It is always the last line of the
// rendered body.
const Marker = "<!-- NONEFLOW -->"

// Field names shown to users, in Chinese like the issue forms.
var locNames = map[string]string{
	"name":               "名称",
	"desc":               "描述",
	"project_link":       "PyPI 项目名",
	"module_name":        "import 包名",
	"tags":               "标签",
	"homepage":           "项目仓库/主页链接",
	"type":               "插件类型",
	"supported_adapters": "插件支持的适配器",
	"metadata":           "插件测试元数据",
	"author_id":          "作者",
	"load":               "插件是否成功加载",
}

// HistoryEntry is one prior test run recorded in the comment.
type HistoryEntry struct {
	OK        bool
	RunURL    string
	Timestamp string
}

// NewHistoryEntry stamps a run with the local registry time zone.
func NewHistoryEntry(ok bool, runURL string, now time.Time) HistoryEntry {
	loc, err := time.LoadLocation("Asia/Shanghai")
	if err != nil {
		loc = time.UTC
	}
	return HistoryEntry{
		OK:        ok,
		RunURL:    runURL,
		Timestamp: now.In(loc).Format("2006-01-02 15:04:05 MST"),
	}
}

var historyLine = regexp.MustCompile(`<li>(✅|⚠️) <a href="?([^">\s]+)"?>([^<]+)</a></li>`)

// ParseHistory recovers the history entries from an existing comment body,
// oldest first.
func ParseHistory(body string) []HistoryEntry {
	_, block, ok := strings.Cut(body, "<summary>历史测试</summary>")
	if !ok {
		return nil
	}
	if end := strings.Index(block, "</details>"); end >= 0 {
		block = block[:end]
	}

	var entries []HistoryEntry
	for _, m := range historyLine.FindAllStringSubmatch(block, -1) {
		entries = append(entries, HistoryEntry{
			OK:        m[1] == "✅",
			RunURL:    m[2],
			Timestamp: m[3],
		})
	}
	return entries
}

// Input is everything one comment rendering needs.
type Input struct {
	Result *validation.Result
	// RunURL is the workflow run behind the current result. Empty when no
	// test ran.
	RunURL string
	// History lists prior runs, oldest first. The current run is appended
	// by Render when RunURL is set.
	History []HistoryEntry
	Now     time.Time
}

var tmpl = template.Must(template.New("comment").Parse(`# 📃 商店发布检查结果

> {{.Kind}}: {{.Name}}

{{if .Valid}}**✅ 所有测试通过，一切准备就绪！**
{{else}}**⚠️ 在发布检查过程中，我们发现以下问题：**

<pre><code>{{range .Errors}}<li>⚠️ {{.}}</li>{{end}}</code></pre>
{{end}}
{{if .Checks}}
<details>
<summary>详情</summary>
<pre><code>{{range .Checks}}<li>✅ {{.}}</li>{{end}}</code></pre>
</details>
{{end}}
{{if .History}}
<details>
<summary>历史测试</summary>
<pre><code>{{range .History}}<li>{{if .OK}}✅{{else}}⚠️{{end}} <a href="{{.RunURL}}">{{.Timestamp}}</a></li>{{end}}</code></pre>
</details>
{{end}}
---

💡 如需修改信息，请直接修改 issue，机器人会自动更新检查结果。
{{if .Plugin}}💡 当插件加载测试失败时，请发布新版本后勾选插件测试勾选框重新运行插件测试。
{{end}}
💪 Powered by [NoneFlow](https://github.com/nonebot/noneflow)

` + Marker + "\n"))

type renderData struct {
	Kind    store.Kind
	Name    string
	Valid   bool
	Plugin  bool
	Errors  []string
	Checks  []string
	History []HistoryEntry
}

// Render produces the full comment body. Output is deterministic for a
// given input, so the reconciler can compare bodies byte for byte.
func Render(in Input) (string, error) {
	r := in.Result
	data := renderData{
		Kind:    r.Kind,
		Name:    r.Name,
		Valid:   r.Valid(),
		Plugin:  r.Kind == store.KindPlugin,
		History: in.History,
	}

	for _, e := range r.Errors {
		data.Errors = append(data.Errors, errorLine(e))
	}
	data.Checks = checkLines(r, in.RunURL)

	if in.RunURL != "" {
		data.History = append(data.History, NewHistoryEntry(data.Valid, in.RunURL, in.Now))
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("rendering comment: %w", err)
	}
	return b.String(), nil
}

func errorLine(e validation.Error) string {
	parts := make([]string, 0, len(e.Loc))
	for _, loc := range e.Loc {
		if name, ok := locNames[loc]; ok {
			parts = append(parts, name)
		} else {
			parts = append(parts, loc)
		}
	}
	return fmt.Sprintf("%s: %s", strings.Join(parts, " > "), e.Message)
}

// checkLines summarizes the validated entry for the details block.
func checkLines(r *validation.Result, runURL string) []string {
	if r.Entry == nil {
		return nil
	}

	var lines []string
	homepage := func(url string) {
		if url != "" {
			lines = append(lines, fmt.Sprintf(`项目 <a href="%s">主页</a> 返回状态码 200。`, url))
		}
	}
	project := func(link, version string) {
		if link != "" {
			lines = append(lines, fmt.Sprintf(`项目 <a href="https://pypi.org/project/%s/">%s</a> 已发布至 PyPI。`, link, link))
		}
		if version != "" {
			lines = append(lines, fmt.Sprintf("当前版本 %s。", version))
		}
	}
	tags := func(ts []store.Tag) {
		if len(ts) == 0 {
			return
		}
		labels := make([]string, 0, len(ts))
		for _, t := range ts {
			labels = append(labels, fmt.Sprintf("%s-%s", t.Label, t.Color))
		}
		lines = append(lines, fmt.Sprintf("标签: %s。", strings.Join(labels, ", ")))
	}

	switch e := r.Entry.(type) {
	case store.Bot:
		homepage(e.Homepage)
		tags(e.Tags)
	case store.Adapter:
		project(e.ProjectLink, "")
		homepage(e.Homepage)
		tags(e.Tags)
	case store.Driver:
		project(e.ProjectLink, e.Version)
		if strings.HasPrefix(e.Homepage, "http") {
			homepage(e.Homepage)
		}
		tags(e.Tags)
	case store.Plugin:
		project(e.ProjectLink, e.Version)
		homepage(e.Homepage)
		lines = append(lines, fmt.Sprintf("插件类型: %s。", e.Type))
		if e.SupportedAdapters == nil {
			lines = append(lines, "插件支持的适配器: 所有。")
		} else {
			lines = append(lines, fmt.Sprintf("插件支持的适配器: %s。", strings.Join(*e.SupportedAdapters, ", ")))
		}
		if e.SkipTest {
			lines = append(lines, "插件加载测试已跳过。")
		} else if runURL != "" {
			lines = append(lines, fmt.Sprintf(`插件 <a href="%s">加载测试</a> 通过。`, runURL))
		}
		tags(e.Tags)
	}
	return lines
}

var removeTmpl = template.Must(template.New("remove").Parse(`# 📃 商店移除检查结果

> {{.Kind}}: Remove {{.Name}}

{{if .Valid}}**✅ 所有检查通过，一切准备就绪！**
{{else}}**⚠️ 在移除检查过程中，我们发现以下问题：**

<pre><code>{{range .Errors}}<li>⚠️ {{.}}</li>{{end}}</code></pre>
{{end}}
---

💡 如需修改信息，请直接修改 issue，机器人会自动更新检查结果。
💪 Powered by [NoneFlow](https://github.com/nonebot/noneflow)

` + Marker + "\n"))

// RenderRemove produces the comment body for a removal request. The removal
// pipeline has no test history, so the template omits the details blocks.
func RenderRemove(kind store.Kind, name string, errs []validation.Error) (string, error) {
	data := renderData{
		Kind:  kind,
		Name:  name,
		Valid: len(errs) == 0,
	}
	for _, e := range errs {
		data.Errors = append(data.Errors, errorLine(e))
	}

	var b strings.Builder
	if err := removeTmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("rendering remove comment: %w", err)
	}
	return b.String(), nil
}

// API is the comment surface of githubops.Ops.
type API interface {
	ListComments(ctx context.Context, number int) ([]*github.IssueComment, error)
	CreateComment(ctx context.Context, number int, body string) error
	UpdateComment(ctx context.Context, commentID int64, body string) error
}

// Find returns the bot's comment on the issue, or nil.
func Find(comments []*github.IssueComment) *github.IssueComment {
	for _, c := range comments {
		if strings.Contains(c.GetBody(), Marker) {
			return c
		}
	}
	return nil
}

// Reconcile ensures the issue carries exactly one up-to-date bot comment.
// An existing comment is edited in place; an identical body is left alone.
func Reconcile(ctx context.Context, api API, number int, body string) error {
	log := clog.FromContext(ctx).With("issue", number)

	comments, err := api.ListComments(ctx, number)
	if err != nil {
		return err
	}
	existing := Find(comments)
	if existing == nil {
		log.Info("creating result comment")
		return api.CreateComment(ctx, number, body)
	}
	if existing.GetBody() == body {
		log.Debug("result comment already up to date")
		return nil
	}
	log.Info("updating result comment")
	return api.UpdateComment(ctx, existing.GetID(), body)
}
