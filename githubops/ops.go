/*
Copyright 2026 NoneBot Team
SPDX-License-Identifier: Apache-2.0
*/

// Package githubops wraps the slice of the GitHub API the workflow needs,
// bound to a single repository.
package githubops

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/go-github/v84/github"
	"github.com/shurcooL/githubv4"
)

// Close reasons accepted by the issues API.
const (
	ReasonCompleted  = "completed"
	ReasonNotPlanned = "not_planned"
)

// Ops performs GitHub operations against one repository. REST covers
// everything except the draft transitions, which only exist in GraphQL.
type Ops struct {
	client *github.Client
	gql    *githubv4.Client
	owner  string
	repo   string
}

// New binds clients to an "owner/repo" slug.
func New(client *github.Client, gql *githubv4.Client, slug string) (*Ops, error) {
	owner, repo, ok := strings.Cut(slug, "/")
	if !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("invalid repository %q, want owner/repo", slug)
	}
	return &Ops{client: client, gql: gql, owner: owner, repo: repo}, nil
}

// Owner returns the repository owner.
func (o *Ops) Owner() string { return o.owner }

// Repo returns the repository name.
func (o *Ops) Repo() string { return o.repo }

// Issue fetches one issue.
func (o *Ops) Issue(ctx context.Context, number int) (*github.Issue, error) {
	issue, _, err := o.client.Issues.Get(ctx, o.owner, o.repo, number)
	if err != nil {
		return nil, fmt.Errorf("getting issue #%d: %w", number, err)
	}
	return issue, nil
}

// UpdateIssueBody replaces the issue body.
func (o *Ops) UpdateIssueBody(ctx context.Context, number int, body string) error {
	_, _, err := o.client.Issues.Edit(ctx, o.owner, o.repo, number, &github.IssueRequest{
		Body: github.Ptr(body),
	})
	if err != nil {
		return fmt.Errorf("updating issue #%d body: %w", number, err)
	}
	return nil
}

// UpdateIssueTitle replaces the issue title.
func (o *Ops) UpdateIssueTitle(ctx context.Context, number int, title string) error {
	_, _, err := o.client.Issues.Edit(ctx, o.owner, o.repo, number, &github.IssueRequest{
		Title: github.Ptr(title),
	})
	if err != nil {
		return fmt.Errorf("updating issue #%d title: %w", number, err)
	}
	return nil
}

// CloseIssue closes the issue with the given reason, ReasonCompleted or
// ReasonNotPlanned.
func (o *Ops) CloseIssue(ctx context.Context, number int, reason string) error {
	_, _, err := o.client.Issues.Edit(ctx, o.owner, o.repo, number, &github.IssueRequest{
		State:       github.Ptr("closed"),
		StateReason: github.Ptr(reason),
	})
	if err != nil {
		return fmt.Errorf("closing issue #%d: %w", number, err)
	}
	return nil
}

// AddLabels attaches labels to an issue or pull request.
func (o *Ops) AddLabels(ctx context.Context, number int, labels []string) error {
	_, _, err := o.client.Issues.AddLabelsToIssue(ctx, o.owner, o.repo, number, labels)
	if err != nil {
		return fmt.Errorf("labeling issue #%d: %w", number, err)
	}
	return nil
}

// ListComments returns every comment on an issue, oldest first.
func (o *Ops) ListComments(ctx context.Context, number int) ([]*github.IssueComment, error) {
	var all []*github.IssueComment
	opts := &github.IssueListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		comments, resp, err := o.client.Issues.ListComments(ctx, o.owner, o.repo, number, opts)
		if err != nil {
			return nil, fmt.Errorf("listing comments on #%d: %w", number, err)
		}
		all = append(all, comments...)
		if resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

// CreateComment posts a new comment on an issue.
func (o *Ops) CreateComment(ctx context.Context, number int, body string) error {
	_, _, err := o.client.Issues.CreateComment(ctx, o.owner, o.repo, number, &github.IssueComment{
		Body: github.Ptr(body),
	})
	if err != nil {
		return fmt.Errorf("commenting on #%d: %w", number, err)
	}
	return nil
}

// UpdateComment replaces the body of an existing comment.
func (o *Ops) UpdateComment(ctx context.Context, commentID int64, body string) error {
	_, _, err := o.client.Issues.EditComment(ctx, o.owner, o.repo, commentID, &github.IssueComment{
		Body: github.Ptr(body),
	})
	if err != nil {
		return fmt.Errorf("editing comment %d: %w", commentID, err)
	}
	return nil
}

// PullByHead returns the open pull request whose head is the given branch,
// or nil when there is none.
func (o *Ops) PullByHead(ctx context.Context, branch string) (*github.PullRequest, error) {
	pulls, _, err := o.client.PullRequests.List(ctx, o.owner, o.repo, &github.PullRequestListOptions{
		State: "open",
		Head:  o.owner + ":" + branch,
	})
	if err != nil {
		return nil, fmt.Errorf("listing pulls for %s: %w", branch, err)
	}
	if len(pulls) == 0 {
		return nil, nil
	}
	return pulls[0], nil
}

// OpenPullsWithLabel returns every open pull request carrying the label.
func (o *Ops) OpenPullsWithLabel(ctx context.Context, label string) ([]*github.PullRequest, error) {
	var matched []*github.PullRequest
	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		pulls, resp, err := o.client.PullRequests.List(ctx, o.owner, o.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("listing open pulls: %w", err)
		}
		for _, pr := range pulls {
			for _, l := range pr.Labels {
				if l.GetName() == label {
					matched = append(matched, pr)
					break
				}
			}
		}
		if resp.NextPage == 0 {
			return matched, nil
		}
		opts.Page = resp.NextPage
	}
}

// CreatePull opens a new pull request.
func (o *Ops) CreatePull(ctx context.Context, head, base, title, body string) (*github.PullRequest, error) {
	pr, _, err := o.client.PullRequests.Create(ctx, o.owner, o.repo, &github.NewPullRequest{
		Title: github.Ptr(title),
		Head:  github.Ptr(head),
		Base:  github.Ptr(base),
		Body:  github.Ptr(body),
	})
	if err != nil {
		return nil, fmt.Errorf("creating pull for %s: %w", head, err)
	}
	return pr, nil
}

// UpdatePullTitle replaces a pull request title.
func (o *Ops) UpdatePullTitle(ctx context.Context, number int, title string) error {
	_, _, err := o.client.PullRequests.Edit(ctx, o.owner, o.repo, number, &github.PullRequest{
		Title: github.Ptr(title),
	})
	if err != nil {
		return fmt.Errorf("updating pull #%d title: %w", number, err)
	}
	return nil
}

// MergePull rebase-merges a pull request.
func (o *Ops) MergePull(ctx context.Context, number int) error {
	_, _, err := o.client.PullRequests.Merge(ctx, o.owner, o.repo, number, "", &github.PullRequestOptions{
		MergeMethod: "rebase",
	})
	if err != nil {
		return fmt.Errorf("merging pull #%d: %w", number, err)
	}
	return nil
}

// ConvertToDraft moves a pull request into the draft state. Only GraphQL can
// do this.
func (o *Ops) ConvertToDraft(ctx context.Context, nodeID string) error {
	var m struct {
		ConvertPullRequestToDraft struct {
			PullRequest struct {
				IsDraft githubv4.Boolean
			}
		} `graphql:"convertPullRequestToDraft(input: $input)"`
	}
	input := githubv4.ConvertPullRequestToDraftInput{
		PullRequestID: githubv4.ID(nodeID),
	}
	if err := o.gql.Mutate(ctx, &m, input, nil); err != nil {
		return fmt.Errorf("converting pull %s to draft: %w", nodeID, err)
	}
	return nil
}

// MarkReadyForReview moves a draft pull request back to ready.
func (o *Ops) MarkReadyForReview(ctx context.Context, nodeID string) error {
	var m struct {
		MarkPullRequestReadyForReview struct {
			PullRequest struct {
				IsDraft githubv4.Boolean
			}
		} `graphql:"markPullRequestReadyForReview(input: $input)"`
	}
	input := githubv4.MarkPullRequestReadyForReviewInput{
		PullRequestID: githubv4.ID(nodeID),
	}
	if err := o.gql.Mutate(ctx, &m, input, nil); err != nil {
		return fmt.Errorf("marking pull %s ready: %w", nodeID, err)
	}
	return nil
}

// ArtifactID returns the ID of the named artifact of a workflow run.
func (o *Ops) ArtifactID(ctx context.Context, runID int64, name string) (int64, error) {
	artifacts, _, err := o.client.Actions.ListWorkflowRunArtifacts(ctx, o.owner, o.repo, runID, &github.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("listing artifacts of run %d: %w", runID, err)
	}
	for _, a := range artifacts.Artifacts {
		if a.GetName() == name {
			return a.GetID(), nil
		}
	}
	return 0, fmt.Errorf("run %d has no artifact %q", runID, name)
}

// Dispatch sends a repository_dispatch event to another repository.
func (o *Ops) Dispatch(ctx context.Context, slug, eventType string, payload any) error {
	owner, repo, ok := strings.Cut(slug, "/")
	if !ok {
		return fmt.Errorf("invalid repository %q, want owner/repo", slug)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding dispatch payload: %w", err)
	}
	msg := json.RawMessage(raw)
	_, _, err = o.client.Repositories.Dispatch(ctx, owner, repo, github.DispatchRequestOptions{
		EventType:     eventType,
		ClientPayload: &msg,
	})
	if err != nil {
		return fmt.Errorf("dispatching %s to %s: %w", eventType, slug, err)
	}
	return nil
}
