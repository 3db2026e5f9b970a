/*
Copyright 2026 NoneBot Team
SPDX-License-Identifier: Apache-2.0
*/

package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-github/v84/github"

	"github.com/nonebot/noneflow/comment"
	"github.com/nonebot/noneflow/gitws"
	"github.com/nonebot/noneflow/pypi"
	"github.com/nonebot/noneflow/sandbox"
	"github.com/nonebot/noneflow/store"
)

type dispatchCall struct {
	slug      string
	eventType string
	payload   any
}

// fakeGitHub implements GitHub against in-memory state.
type fakeGitHub struct {
	issues   map[int]*github.Issue
	comments map[int][]*github.IssueComment
	pulls    []*github.PullRequest

	closed     map[int]string
	merged     []int
	drafted    []string
	readied    []string
	artifacts  map[int64]int64
	dispatches []dispatchCall

	nextComment int64
	nextPull    int
}

func newFakeGitHub() *fakeGitHub {
	return &fakeGitHub{
		issues:    map[int]*github.Issue{},
		comments:  map[int][]*github.IssueComment{},
		closed:    map[int]string{},
		artifacts: map[int64]int64{},
		nextPull:  99,
	}
}

func (f *fakeGitHub) Owner() string { return "nonebot" }
func (f *fakeGitHub) Repo() string  { return "registry" }

func (f *fakeGitHub) Issue(_ context.Context, number int) (*github.Issue, error) {
	issue, ok := f.issues[number]
	if !ok {
		return nil, fmt.Errorf("issue %d not found", number)
	}
	return issue, nil
}

func (f *fakeGitHub) UpdateIssueBody(_ context.Context, number int, body string) error {
	f.issues[number].Body = github.Ptr(body)
	return nil
}

func (f *fakeGitHub) UpdateIssueTitle(_ context.Context, number int, title string) error {
	f.issues[number].Title = github.Ptr(title)
	return nil
}

func (f *fakeGitHub) CloseIssue(_ context.Context, number int, reason string) error {
	f.closed[number] = reason
	f.issues[number].State = github.Ptr("closed")
	return nil
}

func (f *fakeGitHub) AddLabels(_ context.Context, number int, labels []string) error {
	for _, pr := range f.pulls {
		if pr.GetNumber() != number {
			continue
		}
		for _, l := range labels {
			pr.Labels = append(pr.Labels, &github.Label{Name: github.Ptr(l)})
		}
	}
	return nil
}

func (f *fakeGitHub) ListComments(_ context.Context, number int) ([]*github.IssueComment, error) {
	return f.comments[number], nil
}

func (f *fakeGitHub) CreateComment(_ context.Context, number int, body string) error {
	f.nextComment++
	f.comments[number] = append(f.comments[number], &github.IssueComment{
		ID:   github.Ptr(f.nextComment),
		Body: github.Ptr(body),
	})
	return nil
}

func (f *fakeGitHub) UpdateComment(_ context.Context, commentID int64, body string) error {
	for _, comments := range f.comments {
		for _, c := range comments {
			if c.GetID() == commentID {
				c.Body = github.Ptr(body)
				return nil
			}
		}
	}
	return fmt.Errorf("comment %d not found", commentID)
}

func (f *fakeGitHub) PullByHead(_ context.Context, branch string) (*github.PullRequest, error) {
	for _, pr := range f.pulls {
		if pr.GetState() == "open" && pr.GetHead().GetRef() == branch {
			return pr, nil
		}
	}
	return nil, nil
}

func (f *fakeGitHub) OpenPullsWithLabel(_ context.Context, label string) ([]*github.PullRequest, error) {
	var out []*github.PullRequest
	for _, pr := range f.pulls {
		if pr.GetState() != "open" {
			continue
		}
		for _, l := range pr.Labels {
			if l.GetName() == label {
				out = append(out, pr)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeGitHub) CreatePull(_ context.Context, head, base, title, body string) (*github.PullRequest, error) {
	f.nextPull++
	pr := &github.PullRequest{
		Number: github.Ptr(f.nextPull),
		NodeID: github.Ptr(fmt.Sprintf("PR_node%d", f.nextPull)),
		State:  github.Ptr("open"),
		Title:  github.Ptr(title),
		Body:   github.Ptr(body),
		Draft:  github.Ptr(false),
		Head:   &github.PullRequestBranch{Ref: github.Ptr(head)},
		Base:   &github.PullRequestBranch{Ref: github.Ptr(base)},
	}
	f.pulls = append(f.pulls, pr)
	return pr, nil
}

func (f *fakeGitHub) UpdatePullTitle(_ context.Context, number int, title string) error {
	for _, pr := range f.pulls {
		if pr.GetNumber() == number {
			pr.Title = github.Ptr(title)
			return nil
		}
	}
	return fmt.Errorf("pull %d not found", number)
}

func (f *fakeGitHub) MergePull(_ context.Context, number int) error {
	f.merged = append(f.merged, number)
	return nil
}

func (f *fakeGitHub) ConvertToDraft(_ context.Context, nodeID string) error {
	f.drafted = append(f.drafted, nodeID)
	for _, pr := range f.pulls {
		if pr.GetNodeID() == nodeID {
			pr.Draft = github.Ptr(true)
		}
	}
	return nil
}

func (f *fakeGitHub) MarkReadyForReview(_ context.Context, nodeID string) error {
	f.readied = append(f.readied, nodeID)
	for _, pr := range f.pulls {
		if pr.GetNodeID() == nodeID {
			pr.Draft = github.Ptr(false)
		}
	}
	return nil
}

func (f *fakeGitHub) ArtifactID(_ context.Context, runID int64, name string) (int64, error) {
	id, ok := f.artifacts[runID]
	if !ok {
		return 0, fmt.Errorf("run %d has no artifact %q", runID, name)
	}
	return id, nil
}

func (f *fakeGitHub) Dispatch(_ context.Context, slug, eventType string, payload any) error {
	f.dispatches = append(f.dispatches, dispatchCall{slug: slug, eventType: eventType, payload: payload})
	return nil
}

type fakePyPI struct {
	projects  map[string]*pypi.Project
	deadURLs  map[string]bool
	forgotten []string
}

func (f *fakePyPI) Project(_ context.Context, link string) (*pypi.Project, error) {
	p, ok := f.projects[pypi.NormalizeName(link)]
	if !ok {
		return nil, pypi.ErrNotFound
	}
	return p, nil
}

func (f *fakePyPI) CheckURL(_ context.Context, url string) (int, string) {
	if f.deadURLs[url] {
		return 404, "Not Found"
	}
	return 200, "OK"
}

func (f *fakePyPI) Forget(link string) {
	f.forgotten = append(f.forgotten, pypi.NormalizeName(link))
}

type fakeRunner struct {
	outcome *sandbox.Outcome
	calls   int
	reqs    []sandbox.Request
}

func (f *fakeRunner) Test(_ context.Context, req sandbox.Request) (*sandbox.Outcome, error) {
	f.calls++
	f.reqs = append(f.reqs, req)
	return f.outcome, nil
}

// initOrigin sets up a local registry repository with the given store file
// contents on master.
func initOrigin(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}

	for _, name := range []string{"adapters.json", "bots.json", "drivers.json", "plugins.json"} {
		content, ok := files[name]
		if !ok {
			content = "[\n]\n"
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile %s: %v", name, err)
		}
		if _, err := wt.Add(name); err != nil {
			t.Fatalf("Add %s: %v", name, err)
		}
	}
	if _, err := wt.Commit("initial", &gogit.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("master"))); err != nil {
		t.Fatalf("SetReference: %v", err)
	}
	return dir
}

// branchFile reads a file from the tip of a branch on the origin repository.
func branchFile(t *testing.T, origin, branch, name string) string {
	t.Helper()

	repo, err := gogit.PlainOpen(origin)
	if err != nil {
		t.Fatalf("PlainOpen: %v", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		t.Fatalf("Reference %s: %v", branch, err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		t.Fatalf("CommitObject: %v", err)
	}
	file, err := commit.File(name)
	if err != nil {
		t.Fatalf("File %s: %v", name, err)
	}
	content, err := file.Contents()
	if err != nil {
		t.Fatalf("Contents: %v", err)
	}
	return content
}

func branchCommitMessage(t *testing.T, origin, branch string) string {
	t.Helper()

	repo, err := gogit.PlainOpen(origin)
	if err != nil {
		t.Fatalf("PlainOpen: %v", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		t.Fatalf("Reference %s: %v", branch, err)
	}
	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		t.Fatalf("CommitObject: %v", err)
	}
	return commit.Message
}

func newTestOrchestrator(t *testing.T, gh *fakeGitHub, origin string, runner sandbox.Runner, index *fakePyPI, cfg Config) *Orchestrator {
	t.Helper()

	ws, err := gitws.New(context.Background(), origin, t.TempDir(), "master", nil)
	if err != nil {
		t.Fatalf("gitws.New: %v", err)
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "master"
	}
	if cfg.ResultsBranch == "" {
		cfg.ResultsBranch = "results"
	}
	cfg.StorePaths = store.DefaultPaths()

	o := New(gh, ws, runner, index, cfg)
	o.now = func() time.Time { return time.Date(2023, 9, 1, 10, 30, 0, 0, time.UTC) }
	return o
}

func publishIssue(number int, kind, body string) *github.Issue {
	return &github.Issue{
		Number: github.Ptr(number),
		State:  github.Ptr("open"),
		Title:  github.Ptr("发布机器人"),
		Body:   github.Ptr(body),
		User:   &github.User{Login: github.Ptr("he0119"), ID: github.Ptr(int64(1))},
		Labels: []*github.Label{
			{Name: github.Ptr("Publish")},
			{Name: github.Ptr(kind)},
		},
	}
}

const botIssueBody = `### 机器人名称

CoolBot

### 机器人描述

基于 NoneBot2 的聊天机器人

### 机器人项目仓库/主页链接

https://bot.example.com

### 标签

[{"label": "tool", "color": "#ff0000"}]`

func TestPublishBot(t *testing.T) {
	ctx := context.Background()
	origin := initOrigin(t, nil)
	gh := newFakeGitHub()
	gh.issues[1] = publishIssue(1, "Bot", botIssueBody)

	o := newTestOrchestrator(t, gh, origin, &fakeRunner{}, &fakePyPI{}, Config{})
	if err := o.Handle(ctx, &Event{Issue: &IssueEvent{Number: 1}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	bots := branchFile(t, origin, "publish/issue1", "bots.json")
	if !strings.Contains(bots, `"name": "CoolBot"`) {
		t.Errorf("bots.json on publish/issue1 = %q, missing entry", bots)
	}
	if got, want := branchCommitMessage(t, origin, "publish/issue1"), ":beers: publish CoolBot (#1)"; got != want {
		t.Errorf("commit message = %q, want %q", got, want)
	}

	if len(gh.pulls) != 1 {
		t.Fatalf("pull count = %d, want 1", len(gh.pulls))
	}
	pr := gh.pulls[0]
	if got, want := pr.GetTitle(), "Bot: CoolBot"; got != want {
		t.Errorf("pull title = %q, want %q", got, want)
	}
	if got, want := pr.GetBody(), "resolve #1"; got != want {
		t.Errorf("pull body = %q, want %q", got, want)
	}
	if got, want := len(pr.Labels), 2; got != want {
		t.Errorf("pull labels = %d, want %d", got, want)
	}
	if got, want := gh.issues[1].GetTitle(), "Bot: CoolBot"; got != want {
		t.Errorf("issue title = %q, want %q", got, want)
	}

	comments := gh.comments[1]
	if len(comments) != 1 {
		t.Fatalf("comment count = %d, want 1", len(comments))
	}
	body := comments[0].GetBody()
	if !strings.Contains(body, "✅ 所有测试通过") {
		t.Errorf("comment missing pass banner:\n%s", body)
	}
	if !strings.HasSuffix(body, comment.Marker+"\n") {
		t.Errorf("comment does not end with marker:\n%s", body)
	}

	// A second identical run changes nothing.
	if err := o.Handle(ctx, &Event{Issue: &IssueEvent{Number: 1}}); err != nil {
		t.Fatalf("Handle again: %v", err)
	}
	if len(gh.pulls) != 1 || len(gh.comments[1]) != 1 {
		t.Errorf("second run created pulls=%d comments=%d", len(gh.pulls), len(gh.comments[1]))
	}
}

const pluginIssueBody = `### PyPI 项目名

nonebot-plugin-treehelp

### 插件 import 包名

nonebot_plugin_treehelp

### 标签

[{"label": "help", "color": "#2d7ecf"}]

### 插件测试

- [ ] 单击左侧按钮重新测试，完成时勾选框将被选中`

func TestPublishPlugin(t *testing.T) {
	ctx := context.Background()
	origin := initOrigin(t, nil)
	gh := newFakeGitHub()
	issue := publishIssue(5, "Plugin", pluginIssueBody)
	gh.issues[5] = issue

	runner := &fakeRunner{outcome: &sandbox.Outcome{
		Run:     true,
		Load:    true,
		Version: "0.5.0",
		Metadata: &sandbox.Metadata{
			Name:     "树形帮助",
			Desc:     "获取插件帮助信息",
			Homepage: github.Ptr("https://plugin.example.com"),
			Type:     github.Ptr("application"),
		},
	}}
	index := &fakePyPI{projects: map[string]*pypi.Project{
		"nonebot-plugin-treehelp": {
			Name:       "nonebot-plugin-treehelp",
			Version:    "0.5.0",
			UploadTime: "2023-09-01T00:00:00Z",
		},
	}}
	runURL := "https://github.com/nonebot/registry/actions/runs/123"

	o := newTestOrchestrator(t, gh, origin, runner, index, Config{RunURL: runURL})
	if err := o.Handle(ctx, &Event{Issue: &IssueEvent{Number: 5}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if runner.calls != 1 {
		t.Errorf("runner calls = %d, want 1", runner.calls)
	}
	if req := runner.reqs[0]; req.Version != "0.5.0" || req.Refresh {
		t.Errorf("test request = %+v, want version 0.5.0 without refresh", req)
	}

	plugins := branchFile(t, origin, "publish/issue5", "plugins.json")
	for _, want := range []string{`"module_name": "nonebot_plugin_treehelp"`, `"name": "树形帮助"`, `"version": "0.5.0"`, `"supported_adapters": null`} {
		if !strings.Contains(plugins, want) {
			t.Errorf("plugins.json missing %q:\n%s", want, plugins)
		}
	}

	body := gh.comments[5][0].GetBody()
	if !strings.Contains(body, runURL) {
		t.Errorf("comment missing run URL:\n%s", body)
	}
	history := comment.ParseHistory(body)
	if len(history) != 1 || !history[0].OK {
		t.Errorf("history = %+v, want one passing entry", history)
	}

	// The retest checkbox is rearmed after the run.
	if !strings.Contains(issue.GetBody(), "- [ ] 单击左侧按钮重新测试") {
		t.Errorf("issue body checkbox not reset:\n%s", issue.GetBody())
	}
}

func TestRetestCheckboxForcesFreshRun(t *testing.T) {
	ctx := context.Background()
	origin := initOrigin(t, nil)
	gh := newFakeGitHub()
	body := strings.Replace(pluginIssueBody, "- [ ] 单击左侧按钮重新测试", "- [x] 单击左侧按钮重新测试", 1)
	issue := publishIssue(8, "Plugin", body)
	gh.issues[8] = issue

	runner := &fakeRunner{outcome: &sandbox.Outcome{
		Run:     true,
		Load:    true,
		Version: "0.6.0",
		Metadata: &sandbox.Metadata{
			Name:     "树形帮助",
			Desc:     "获取插件帮助信息",
			Homepage: github.Ptr("https://plugin.example.com"),
			Type:     github.Ptr("application"),
		},
	}}
	index := &fakePyPI{projects: map[string]*pypi.Project{
		"nonebot-plugin-treehelp": {
			Name:       "nonebot-plugin-treehelp",
			Version:    "0.6.0",
			UploadTime: "2023-09-02T00:00:00Z",
		},
	}}

	o := newTestOrchestrator(t, gh, origin, runner, index, Config{})
	if err := o.Handle(ctx, &Event{Issue: &IssueEvent{Number: 8}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	// The checked box drops the cached metadata and bypasses the outcome
	// cache so a new release gets a real run.
	if len(index.forgotten) != 1 || index.forgotten[0] != "nonebot-plugin-treehelp" {
		t.Errorf("forgotten = %v, want [nonebot-plugin-treehelp]", index.forgotten)
	}
	if runner.calls != 1 {
		t.Fatalf("runner calls = %d, want 1", runner.calls)
	}
	if req := runner.reqs[0]; !req.Refresh || req.Version != "0.6.0" {
		t.Errorf("test request = %+v, want refresh at version 0.6.0", req)
	}

	// The box is rearmed for the next retest.
	if !strings.Contains(issue.GetBody(), "- [ ] 单击左侧按钮重新测试") {
		t.Errorf("issue body checkbox not reset:\n%s", issue.GetBody())
	}
}

func TestPublishInvalidDraftsPull(t *testing.T) {
	ctx := context.Background()
	origin := initOrigin(t, nil)
	gh := newFakeGitHub()
	// Body with every field missing.
	gh.issues[7] = publishIssue(7, "Bot", "随便写点什么")
	// An earlier valid run left an open pull request.
	pr, _ := gh.CreatePull(ctx, "publish/issue7", "master", "Bot: CoolBot", "resolve #7")

	o := newTestOrchestrator(t, gh, origin, &fakeRunner{}, &fakePyPI{}, Config{})
	if err := o.Handle(ctx, &Event{Issue: &IssueEvent{Number: 7}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(gh.drafted) != 1 || gh.drafted[0] != pr.GetNodeID() {
		t.Errorf("drafted = %v, want [%s]", gh.drafted, pr.GetNodeID())
	}
	body := gh.comments[7][0].GetBody()
	if !strings.Contains(body, "⚠️ 在发布检查过程中") {
		t.Errorf("comment missing failure banner:\n%s", body)
	}
	if !strings.Contains(body, "字段不存在") {
		t.Errorf("comment missing field errors:\n%s", body)
	}
}

func TestRemoveBot(t *testing.T) {
	ctx := context.Background()

	seeded, err := store.Marshal([]store.Entry{store.Bot{
		Name:     "CoolBot",
		Desc:     "基于 NoneBot2 的聊天机器人",
		Author:   "he0119",
		AuthorID: 1,
		Homepage: "https://bot.example.com",
		Tags:     []store.Tag{},
	}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	origin := initOrigin(t, map[string]string{"bots.json": string(seeded)})

	gh := newFakeGitHub()
	gh.issues[9] = &github.Issue{
		Number: github.Ptr(9),
		State:  github.Ptr("open"),
		Title:  github.Ptr("移除机器人"),
		Body:   github.Ptr("### 项目主页\n\nhttps://bot.example.com"),
		User:   &github.User{Login: github.Ptr("he0119"), ID: github.Ptr(int64(1))},
		Labels: []*github.Label{
			{Name: github.Ptr("Remove")},
			{Name: github.Ptr("Bot")},
		},
	}

	o := newTestOrchestrator(t, gh, origin, &fakeRunner{}, &fakePyPI{}, Config{})
	if err := o.Handle(ctx, &Event{Issue: &IssueEvent{Number: 9}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if got, want := branchFile(t, origin, "remove/issue9", "bots.json"), "[\n]\n"; got != want {
		t.Errorf("bots.json on remove/issue9 = %q, want %q", got, want)
	}
	if len(gh.pulls) != 1 {
		t.Fatalf("pull count = %d, want 1", len(gh.pulls))
	}
	if got, want := gh.pulls[0].GetTitle(), "Bot: Remove CoolBot"; got != want {
		t.Errorf("pull title = %q, want %q", got, want)
	}
	if !strings.Contains(gh.comments[9][0].GetBody(), "✅ 所有检查通过") {
		t.Errorf("comment missing pass banner:\n%s", gh.comments[9][0].GetBody())
	}
}

func TestRemoveRejectsWrongAuthor(t *testing.T) {
	ctx := context.Background()

	seeded, err := store.Marshal([]store.Entry{store.Bot{
		Name:     "CoolBot",
		AuthorID: 42,
		Homepage: "https://bot.example.com",
		Tags:     []store.Tag{},
	}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	origin := initOrigin(t, map[string]string{"bots.json": string(seeded)})

	gh := newFakeGitHub()
	gh.issues[9] = &github.Issue{
		Number: github.Ptr(9),
		State:  github.Ptr("open"),
		Body:   github.Ptr("### 项目主页\n\nhttps://bot.example.com"),
		User:   &github.User{Login: github.Ptr("intruder"), ID: github.Ptr(int64(1))},
		Labels: []*github.Label{
			{Name: github.Ptr("Remove")},
			{Name: github.Ptr("Bot")},
		},
	}

	o := newTestOrchestrator(t, gh, origin, &fakeRunner{}, &fakePyPI{}, Config{})
	if err := o.Handle(ctx, &Event{Issue: &IssueEvent{Number: 9}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(gh.pulls) != 0 {
		t.Errorf("pull count = %d, want 0", len(gh.pulls))
	}
	if !strings.Contains(gh.comments[9][0].GetBody(), "作者信息不匹配") {
		t.Errorf("comment missing author mismatch:\n%s", gh.comments[9][0].GetBody())
	}
}

func TestPullClosedMerged(t *testing.T) {
	ctx := context.Background()
	origin := initOrigin(t, nil)

	gh := newFakeGitHub()
	gh.issues[5] = &github.Issue{
		Number: github.Ptr(5),
		State:  github.Ptr("open"),
		User:   &github.User{Login: github.Ptr("he0119"), ID: github.Ptr(int64(1))},
	}
	gh.comments[5] = []*github.IssueComment{{
		ID: github.Ptr(int64(1)),
		Body: github.Ptr(`# 📃 商店发布检查结果

<details>
<summary>历史测试</summary>
<pre><code><li>✅ <a href="https://github.com/nonebot/registry/actions/runs/123">2023-09-01 18:30:00 CST</a></li></code></pre>
</details>

` + comment.Marker + "\n"),
	}}
	gh.artifacts[123] = 77

	o := newTestOrchestrator(t, gh, origin, &fakeRunner{}, &fakePyPI{}, Config{
		RegistryRepo: "nonebot/registry-data",
	})
	err := o.Handle(ctx, &Event{PullClosed: &PullClosedEvent{
		Number:  100,
		Merged:  true,
		HeadRef: "publish/issue5",
		Labels:  []string{"Publish", "Plugin"},
	}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if got, want := gh.closed[5], "completed"; got != want {
		t.Errorf("close reason = %q, want %q", got, want)
	}
	if len(gh.dispatches) != 1 {
		t.Fatalf("dispatch count = %d, want 1", len(gh.dispatches))
	}
	d := gh.dispatches[0]
	if d.slug != "nonebot/registry-data" || d.eventType != "registry_update" {
		t.Errorf("dispatch = %+v", d)
	}
	payload := fmt.Sprintf("%+v", d.payload)
	if !strings.Contains(payload, "77") {
		t.Errorf("dispatch payload missing artifact id: %s", payload)
	}
}

func TestPullClosedUnmerged(t *testing.T) {
	ctx := context.Background()
	origin := initOrigin(t, nil)

	gh := newFakeGitHub()
	gh.issues[5] = &github.Issue{
		Number: github.Ptr(5),
		State:  github.Ptr("open"),
		User:   &github.User{Login: github.Ptr("he0119"), ID: github.Ptr(int64(1))},
	}

	o := newTestOrchestrator(t, gh, origin, &fakeRunner{}, &fakePyPI{}, Config{
		RegistryRepo: "nonebot/registry-data",
	})
	err := o.Handle(ctx, &Event{PullClosed: &PullClosedEvent{
		Number:  100,
		Merged:  false,
		HeadRef: "publish/issue5",
		Labels:  []string{"Publish", "Plugin"},
	}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if got, want := gh.closed[5], "not_planned"; got != want {
		t.Errorf("close reason = %q, want %q", got, want)
	}
	if len(gh.dispatches) != 0 {
		t.Errorf("dispatch count = %d, want 0", len(gh.dispatches))
	}
}

func TestReviewApprovedMerges(t *testing.T) {
	ctx := context.Background()
	origin := initOrigin(t, nil)

	gh := newFakeGitHub()
	gh.issues[1] = publishIssue(1, "Bot", botIssueBody)
	o := newTestOrchestrator(t, gh, origin, &fakeRunner{}, &fakePyPI{}, Config{})

	err := o.Handle(ctx, &Event{Review: &ReviewEvent{
		PullNumber: 100,
		HeadRef:    "publish/issue1",
		Labels:     []string{"Publish", "Bot"},
	}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(gh.merged) != 1 || gh.merged[0] != 100 {
		t.Errorf("merged = %v, want [100]", gh.merged)
	}
	// The branch was refreshed from the source issue before the merge.
	if got, want := branchCommitMessage(t, origin, "publish/issue1"), ":beers: publish CoolBot (#1)"; got != want {
		t.Errorf("commit message = %q, want %q", got, want)
	}

	// Unmanaged labels merge nothing.
	err = o.Handle(ctx, &Event{Review: &ReviewEvent{
		PullNumber: 101,
		Labels:     []string{"bug"},
	}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(gh.merged) != 1 {
		t.Errorf("merged = %v, want [100]", gh.merged)
	}
}

func TestSkipTestViaComment(t *testing.T) {
	ctx := context.Background()

	gh := newFakeGitHub()
	body := `### PyPI 项目名

nonebot-plugin-treehelp

### 插件 import 包名

nonebot_plugin_treehelp

### 标签

[{"label": "help", "color": "#2d7ecf"}]

### 插件名称

树形帮助

### 插件描述

获取插件帮助信息

### 插件项目仓库/主页链接

https://plugin.example.com

### 插件类型

application

### 插件支持的适配器

["~onebot.v11"]`
	gh.issues[6] = publishIssue(6, "Plugin", body)
	gh.comments[6] = []*github.IssueComment{{
		ID:                github.Ptr(int64(50)),
		Body:              github.Ptr("/skip"),
		AuthorAssociation: github.Ptr("OWNER"),
		User:              &github.User{Login: github.Ptr("yanyongyu")},
	}}

	adapters, err := store.Marshal([]store.Entry{store.Adapter{
		ModuleName:  "nonebot.adapters.onebot.v11",
		ProjectLink: "nonebot-adapter-onebot",
		Name:        "OneBot V11",
		Tags:        []store.Tag{},
	}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	origin := initOrigin(t, map[string]string{"adapters.json": string(adapters)})

	runner := &fakeRunner{}
	index := &fakePyPI{projects: map[string]*pypi.Project{
		"nonebot-plugin-treehelp": {
			Name:       "nonebot-plugin-treehelp",
			Version:    "0.5.0",
			UploadTime: "2023-09-01T00:00:00Z",
		},
	}}

	o := newTestOrchestrator(t, gh, origin, runner, index, Config{})
	if err := o.Handle(ctx, &Event{Issue: &IssueEvent{Number: 6}}); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if runner.calls != 0 {
		t.Errorf("runner calls = %d, want 0", runner.calls)
	}
	plugins := branchFile(t, origin, "publish/issue6", "plugins.json")
	for _, want := range []string{`"skip_test": true`, `"nonebot.adapters.onebot.v11"`} {
		if !strings.Contains(plugins, want) {
			t.Errorf("plugins.json missing %q:\n%s", want, plugins)
		}
	}
}
