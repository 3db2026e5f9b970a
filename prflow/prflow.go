/*
Copyright 2026 NoneBot Team
SPDX-License-Identifier: Apache-2.0
*/

// Package prflow keeps the pull request of a publish branch in step with the
// latest validation result.
package prflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
)

// TitleMaxLength bounds pull request and issue titles, in runes.
const TitleMaxLength = 50

// API is the pull request surface of githubops.Ops.
type API interface {
	PullByHead(ctx context.Context, branch string) (*github.PullRequest, error)
	CreatePull(ctx context.Context, head, base, title, body string) (*github.PullRequest, error)
	UpdatePullTitle(ctx context.Context, number int, title string) error
	AddLabels(ctx context.Context, number int, labels []string) error
	ConvertToDraft(ctx context.Context, nodeID string) error
	MarkReadyForReview(ctx context.Context, nodeID string) error
}

// Request describes the desired pull request state after one pipeline run.
type Request struct {
	// Branch is the head branch, e.g. "publish/issue1".
	Branch string
	// Base is the target branch.
	Base string
	// Title is the desired title; it is truncated to TitleMaxLength.
	Title string
	// Labels are attached on creation.
	Labels []string
	// IssueNumber is the source issue the pull request resolves.
	IssueNumber int
	// Valid reports whether the submission passed validation. Invalid
	// submissions keep their pull request in draft.
	Valid bool
}

// TruncateTitle clips a title to TitleMaxLength runes.
func TruncateTitle(title string) string {
	runes := []rune(title)
	if len(runes) <= TitleMaxLength {
		return title
	}
	return string(runes[:TitleMaxLength])
}

// Reconcile creates or updates the branch's pull request. A missing pull
// request is only created for valid submissions; an existing one has its
// title refreshed and its draft state follow validity. Returns the pull
// request, or nil when none exists and none was created.
func Reconcile(ctx context.Context, api API, req Request) (*github.PullRequest, error) {
	log := clog.FromContext(ctx).With("branch", req.Branch)
	title := TruncateTitle(req.Title)

	pr, err := api.PullByHead(ctx, req.Branch)
	if err != nil {
		return nil, err
	}

	if pr == nil {
		if !req.Valid {
			log.Info("submission invalid and no pull request open, skipping")
			return nil, nil
		}
		log.Infof("opening pull request %q", title)
		body := fmt.Sprintf("resolve #%d", req.IssueNumber)
		pr, err = api.CreatePull(ctx, req.Branch, req.Base, title, body)
		if err != nil {
			// Another run may have raced us; fall through to the
			// update path on the duplicate error.
			if !strings.Contains(err.Error(), "already exists") {
				return nil, err
			}
			pr, err = api.PullByHead(ctx, req.Branch)
			if err != nil {
				return nil, err
			}
			if pr == nil {
				return nil, fmt.Errorf("pull request for %s reported existing but not found", req.Branch)
			}
		} else if len(req.Labels) > 0 {
			if err := api.AddLabels(ctx, pr.GetNumber(), req.Labels); err != nil {
				return nil, err
			}
			return pr, nil
		} else {
			return pr, nil
		}
	}

	if pr.GetTitle() != title {
		log.Infof("updating pull request title to %q", title)
		if err := api.UpdatePullTitle(ctx, pr.GetNumber(), title); err != nil {
			return nil, err
		}
	}

	switch {
	case req.Valid && pr.GetDraft():
		log.Info("marking pull request ready for review")
		if err := api.MarkReadyForReview(ctx, pr.GetNodeID()); err != nil {
			return nil, err
		}
	case !req.Valid && !pr.GetDraft():
		log.Info("converting pull request to draft")
		if err := api.ConvertToDraft(ctx, pr.GetNodeID()); err != nil {
			return nil, err
		}
	}
	return pr, nil
}
