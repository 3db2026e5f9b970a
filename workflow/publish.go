/*
Copyright 2026 NoneBot Team
SPDX-License-Identifier: Apache-2.0
*/

package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"

	"github.com/nonebot/noneflow/comment"
	"github.com/nonebot/noneflow/issueform"
	"github.com/nonebot/noneflow/prflow"
	"github.com/nonebot/noneflow/pypi"
	"github.com/nonebot/noneflow/sandbox"
	"github.com/nonebot/noneflow/store"
	"github.com/nonebot/noneflow/validation"
)

// runPublish re-derives the branch, pull request, and comment of a publish
// issue from its current body.
func (o *Orchestrator) runPublish(ctx context.Context, issue *github.Issue, kind store.Kind) error {
	return o.runSubmission(ctx, issue, kind, WorkPublish)
}

// runConfig re-tests a published plugin with an updated config and rewrites
// its store entry on the results branch.
func (o *Orchestrator) runConfig(ctx context.Context, issue *github.Issue) error {
	return o.runSubmission(ctx, issue, store.KindPlugin, WorkConfig)
}

// runSubmission is the shared publish/config pipeline. The two differ only
// in the branch prefix, the target base, and the commit message.
func (o *Orchestrator) runSubmission(ctx context.Context, issue *github.Issue, kind store.Kind, work WorkKind) error {
	log := clog.FromContext(ctx)
	number := issue.GetNumber()
	body := issue.GetBody()
	author := issue.GetUser().GetLogin()

	var skipTest, retest bool
	if kind == store.KindPlugin {
		retest = issueform.TestButtonState(body) == issueform.ButtonChecked
		var err error
		if skipTest, err = o.skipTestRequested(ctx, number); err != nil {
			return err
		}
		if body, err = o.prepareTestSection(ctx, number, body, skipTest); err != nil {
			return err
		}
	}

	fields := collectFields(body, kind, skipTest, issue.GetUser())

	var outcome *sandbox.Outcome
	if kind == store.KindPlugin && !skipTest {
		// A checked retest box means the author expects a new release to be
		// picked up, so the cached metadata and outcome must not be reused.
		if retest {
			o.pypi.Forget(fields.ProjectLink)
		}
		var version string
		if proj, err := o.pypi.Project(ctx, fields.ProjectLink); err == nil {
			version = proj.Version
		}
		log.Infof("Running load test for %s", fields.ProjectLink)
		out, err := o.runner.Test(ctx, sandbox.Request{
			ProjectLink: fields.ProjectLink,
			ModuleName:  fields.ModuleName,
			Config:      issueform.ExtractConfig(body),
			Version:     version,
			Refresh:     retest,
		})
		if err != nil {
			return fmt.Errorf("running load test: %w", err)
		}
		outcome = out
	}

	base := o.cfg.BaseBranch
	if work == WorkConfig {
		base = o.cfg.ResultsBranch
	}
	lease, err := o.ws.Lease(ctx, base)
	if err != nil {
		return err
	}
	defer lease.Return()

	st := store.New(lease.Dir(), o.cfg.StorePaths)
	snapshot, err := st.Snapshot()
	if err != nil {
		return err
	}
	if kind == store.KindPlugin && skipTest {
		carryForwardMetadata(&fields, snapshot)
	}
	if work == WorkConfig || (kind == store.KindPlugin && skipTest) {
		// Updates of an existing entry must not trip the duplicate check.
		if prev := findPlugin(snapshot, fields.ProjectLink, fields.ModuleName); prev != nil {
			snapshot[store.KindPlugin] = store.Remove(snapshot[store.KindPlugin], prev.Key())
		}
	}

	result := validate(ctx, validation.Context{
		Store:    snapshot,
		PyPI:     o.pypi,
		Outcome:  outcome,
		SkipTest: skipTest,
	}, kind, fields)
	log.Infof("Validation finished: valid=%t errors=%d", result.Valid(), len(result.Errors))

	branch := BranchName(work, number)
	if result.Valid() {
		if err := lease.SwitchFresh(branch); err != nil {
			return err
		}
		if err := st.UpsertEntry(result.Entry); err != nil {
			return err
		}
		if err := lease.CommitAs(ctx, author, CommitMessage(work, result.Name, number)); err != nil {
			return err
		}
		if _, err := lease.PushIfChanged(ctx, branch); err != nil {
			return err
		}
	}

	title := prflow.TruncateTitle(fmt.Sprintf("%s: %s", kind, result.Name))
	if _, err := prflow.Reconcile(ctx, o.gh, prflow.Request{
		Branch:      branch,
		Base:        base,
		Title:       title,
		Labels:      Labels(work, kind),
		IssueNumber: number,
		Valid:       result.Valid(),
	}); err != nil {
		return err
	}
	if issue.GetTitle() != title {
		if err := o.gh.UpdateIssueTitle(ctx, number, title); err != nil {
			return err
		}
	}

	runURL := ""
	if outcome != nil {
		runURL = o.cfg.RunURL
	}
	if err := o.reconcileComment(ctx, number, result, runURL); err != nil {
		return err
	}

	if kind == store.KindPlugin && !skipTest {
		if reset := issueform.SetTestButton(body, issueform.ButtonUnchecked); reset != body {
			return o.gh.UpdateIssueBody(ctx, number, reset)
		}
	}
	return nil
}

// skipTestRequested reports whether an owner or member commented "/skip" on
// the issue.
func (o *Orchestrator) skipTestRequested(ctx context.Context, number int) (bool, error) {
	comments, err := o.gh.ListComments(ctx, number)
	if err != nil {
		return false, err
	}
	for _, c := range comments {
		if strings.TrimSpace(c.GetBody()) != "/skip" {
			continue
		}
		switch c.GetAuthorAssociation() {
		case "OWNER", "MEMBER":
			return true, nil
		}
	}
	return false, nil
}

// prepareTestSection manages the plugin-only parts of the issue body before
// validation: for skip-test submissions the metadata headings are backfilled
// so the author can fill them in; otherwise the retest checkbox is replaced
// with the in-progress notice.
func (o *Orchestrator) prepareTestSection(ctx context.Context, number int, body string, skipTest bool) (string, error) {
	if skipTest {
		updated, changed := issueform.EnsureHeadings(body, issueform.MetadataHeadings())
		if changed {
			if err := o.gh.UpdateIssueBody(ctx, number, updated); err != nil {
				return "", err
			}
		}
		return updated, nil
	}

	updated := issueform.SetTestButton(body, issueform.ButtonTesting)
	if updated != body {
		if err := o.gh.UpdateIssueBody(ctx, number, updated); err != nil {
			return "", err
		}
	}
	return updated, nil
}

// collectFields extracts the validator inputs from the issue body. Plugin
// metadata headings are only read for skip-test submissions; tested plugins
// get their metadata from the sandbox.
func collectFields(body string, kind store.Kind, skipTest bool, user *github.User) validation.Fields {
	raw := issueform.ExtractFields(body, issueform.PublishFields(kind))
	if kind == store.KindPlugin && skipTest {
		for name, heading := range issueform.MetadataFields() {
			raw[name] = issueform.ExtractField(body, heading)
		}
	}
	return validation.Fields{
		Name:              raw["name"],
		Desc:              raw["desc"],
		Homepage:          raw["homepage"],
		ProjectLink:       raw["project_link"],
		ModuleName:        raw["module_name"],
		Tags:              raw["tags"],
		Type:              raw["type"],
		SupportedAdapters: raw["supported_adapters"],
		Author:            user.GetLogin(),
		AuthorID:          user.GetID(),
	}
}

// carryForwardMetadata prefills empty form metadata from the previously
// published entry, so a skip-test resubmission does not have to repeat
// unchanged fields.
func carryForwardMetadata(f *validation.Fields, snapshot store.Snapshot) {
	if f.Name != "" || f.Desc != "" || f.Homepage != "" {
		return
	}
	prev := findPlugin(snapshot, f.ProjectLink, f.ModuleName)
	if prev == nil {
		return
	}
	f.Name = prev.Name
	f.Desc = prev.Desc
	f.Homepage = prev.Homepage
	f.Type = prev.Type
	if prev.SupportedAdapters != nil {
		if raw, err := json.Marshal(*prev.SupportedAdapters); err == nil {
			f.SupportedAdapters = string(raw)
		}
	}
}

// findPlugin matches on the normalized project link so the form may spell
// the name differently than PyPI canonicalizes it.
func findPlugin(snapshot store.Snapshot, projectLink, moduleName string) *store.Plugin {
	for _, e := range snapshot[store.KindPlugin] {
		p, ok := e.(store.Plugin)
		if !ok {
			continue
		}
		if pypi.NormalizeName(p.ProjectLink) == pypi.NormalizeName(projectLink) && p.ModuleName == moduleName {
			return &p
		}
	}
	return nil
}

// validate dispatches to the kind-specific validator.
func validate(ctx context.Context, c validation.Context, kind store.Kind, f validation.Fields) *validation.Result {
	switch kind {
	case store.KindBot:
		return validation.Bot(ctx, c, f)
	case store.KindAdapter:
		return validation.Adapter(ctx, c, f)
	case store.KindDriver:
		return validation.Driver(ctx, c, f)
	default:
		return validation.Plugin(ctx, c, f)
	}
}

// reconcileComment renders the result comment, carrying forward the test
// history from the previous comment body.
func (o *Orchestrator) reconcileComment(ctx context.Context, number int, result *validation.Result, runURL string) error {
	comments, err := o.gh.ListComments(ctx, number)
	if err != nil {
		return err
	}
	var history []comment.HistoryEntry
	if existing := comment.Find(comments); existing != nil {
		history = comment.ParseHistory(existing.GetBody())
	}

	body, err := comment.Render(comment.Input{
		Result:  result,
		RunURL:  runURL,
		History: history,
		Now:     o.now(),
	})
	if err != nil {
		return err
	}
	return comment.Reconcile(ctx, o.gh, number, body)
}
