/*
Copyright 2026 NoneBot Team
SPDX-License-Identifier: Apache-2.0
*/

package workflow

import (
	"context"
	"fmt"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"

	"github.com/nonebot/noneflow/comment"
	"github.com/nonebot/noneflow/issueform"
	"github.com/nonebot/noneflow/prflow"
	"github.com/nonebot/noneflow/store"
	"github.com/nonebot/noneflow/validation"
)

// runRemove handles a removal request: the issue names the entry by
// homepage, and the requester must be its recorded author.
func (o *Orchestrator) runRemove(ctx context.Context, issue *github.Issue, kind store.Kind) error {
	log := clog.FromContext(ctx)
	number := issue.GetNumber()
	author := issue.GetUser().GetLogin()
	authorID := issue.GetUser().GetID()

	lease, err := o.ws.Lease(ctx, o.cfg.BaseBranch)
	if err != nil {
		return err
	}
	defer lease.Return()

	st := store.New(lease.Dir(), o.cfg.StorePaths)
	entries, err := st.Load(kind)
	if err != nil {
		return err
	}

	homepage := issueform.ExtractField(issue.GetBody(), issueform.RemoveHomepageHeading)
	entry, errs := findRemovalTarget(entries, homepage, authorID)
	name := entryName(entry)
	valid := len(errs) == 0
	log.Infof("Removal check finished: valid=%t errors=%d", valid, len(errs))

	branch := BranchName(WorkRemove, number)
	if valid {
		if err := lease.SwitchFresh(branch); err != nil {
			return err
		}
		if err := st.RemoveEntry(kind, entry.Key()); err != nil {
			return err
		}
		if err := lease.CommitAs(ctx, author, CommitMessage(WorkRemove, name, number)); err != nil {
			return err
		}
		if _, err := lease.PushIfChanged(ctx, branch); err != nil {
			return err
		}
	}

	title := prflow.TruncateTitle(fmt.Sprintf("%s: Remove %s", kind, name))
	if _, err := prflow.Reconcile(ctx, o.gh, prflow.Request{
		Branch:      branch,
		Base:        o.cfg.BaseBranch,
		Title:       title,
		Labels:      Labels(WorkRemove, kind),
		IssueNumber: number,
		Valid:       valid,
	}); err != nil {
		return err
	}
	if valid && issue.GetTitle() != title {
		if err := o.gh.UpdateIssueTitle(ctx, number, title); err != nil {
			return err
		}
	}

	body, err := comment.RenderRemove(kind, name, errs)
	if err != nil {
		return err
	}
	return comment.Reconcile(ctx, o.gh, number, body)
}

// findRemovalTarget locates the store entry by homepage and checks that the
// requester is its author.
func findRemovalTarget(entries []store.Entry, homepage string, authorID int64) (store.Entry, []validation.Error) {
	if homepage == "" {
		return nil, []validation.Error{{
			Loc:     []string{"homepage"},
			Kind:    validation.KindRemoveHomepageMissing,
			Message: "主页链接未填写",
		}}
	}
	entry := store.FindByHomepage(entries, homepage)
	if entry == nil {
		return nil, []validation.Error{{
			Loc:     []string{"homepage"},
			Kind:    validation.KindRemoveNotFound,
			Message: "没有包含对应主页链接的包",
			Input:   homepage,
		}}
	}
	if entryAuthorID(entry) != authorID {
		return nil, []validation.Error{{
			Loc:     []string{"author_id"},
			Kind:    validation.KindRemoveAuthorMismatch,
			Message: "作者信息不匹配",
		}}
	}
	return entry, nil
}

func entryAuthorID(e store.Entry) int64 {
	switch v := e.(type) {
	case store.Bot:
		return v.AuthorID
	case store.Adapter:
		return v.AuthorID
	case store.Driver:
		return v.AuthorID
	case store.Plugin:
		return v.AuthorID
	}
	return 0
}

// entryName is the display name of an entry, falling back to the module
// name. Nil entries render as an empty name.
func entryName(e store.Entry) string {
	name := func(name, fallback string) string {
		if name != "" {
			return name
		}
		return fallback
	}
	switch v := e.(type) {
	case store.Bot:
		return v.Name
	case store.Adapter:
		return name(v.Name, v.ModuleName)
	case store.Driver:
		return name(v.Name, v.ModuleName)
	case store.Plugin:
		return name(v.Name, v.ModuleName)
	}
	return ""
}
