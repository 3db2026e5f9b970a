/*
Copyright 2026 NoneBot Team
SPDX-License-Identifier: Apache-2.0
*/

package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/go-github/v84/github"

	"github.com/nonebot/noneflow/store"
)

// WorkKind selects the branch prefix, labels, and commit message of a
// workflow. Values are label names.
type WorkKind string

const (
	WorkPublish WorkKind = "Publish"
	WorkRemove  WorkKind = "Remove"
	WorkConfig  WorkKind = "Config"
)

// Commit message prefixes, one per work kind.
var commitPrefixes = map[WorkKind]string{
	WorkPublish: ":beers: publish",
	WorkRemove:  ":hammer: remove",
	WorkConfig:  ":wrench: update",
}

var branchPrefixes = map[WorkKind]string{
	WorkPublish: "publish/issue",
	WorkRemove:  "remove/issue",
	WorkConfig:  "config/issue",
}

// BranchName returns the feature branch owned by an issue.
func BranchName(work WorkKind, issue int) string {
	return fmt.Sprintf("%s%d", branchPrefixes[work], issue)
}

var branchPattern = regexp.MustCompile(`^(publish|remove|config)/issue(\d+)$`)

// ParseBranch recovers the work kind and issue number from a feature branch
// name.
func ParseBranch(branch string) (WorkKind, int, bool) {
	m := branchPattern.FindStringSubmatch(branch)
	if m == nil {
		return "", 0, false
	}
	number, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	switch m[1] {
	case "publish":
		return WorkPublish, number, true
	case "remove":
		return WorkRemove, number, true
	default:
		return WorkConfig, number, true
	}
}

// CommitMessage builds the branch commit message, e.g.
// ":beers: publish 帮助 (#1)".
func CommitMessage(work WorkKind, name string, issue int) string {
	return fmt.Sprintf("%s %s (#%d)", commitPrefixes[work], name, issue)
}

// Labels returns the label pair attached to issues and pull requests of a
// workflow.
func Labels(work WorkKind, kind store.Kind) []string {
	return []string{string(work), string(kind)}
}

// Route derives the (work kind, publish kind) pair from labels. The second
// return is false when the labels do not select a managed workflow.
func Route(labels []string) (WorkKind, store.Kind, bool) {
	var kind store.Kind
	var work WorkKind
	for _, label := range labels {
		if k, ok := store.KindFromLabel(label); ok {
			kind = k
		}
		switch WorkKind(label) {
		case WorkPublish, WorkRemove, WorkConfig:
			work = WorkKind(label)
		}
	}
	if kind == "" || work == "" {
		return "", "", false
	}
	// Config only applies to plugins.
	if work == WorkConfig && kind != store.KindPlugin {
		return "", "", false
	}
	return work, kind, true
}

// Event is the routed form of one webhook delivery. Exactly one field is
// set.
type Event struct {
	Issue      *IssueEvent
	PullClosed *PullClosedEvent
	Review     *ReviewEvent
}

// IssueEvent covers issue opened/edited/reopened and new issue comments.
type IssueEvent struct {
	Number int
}

// PullClosedEvent covers pull_request closed.
type PullClosedEvent struct {
	Number  int
	Merged  bool
	HeadRef string
	Labels  []string
}

// ReviewEvent covers an approving review from a repository owner or member.
type ReviewEvent struct {
	PullNumber int
	HeadRef    string
	Labels     []string
}

func isBot(user *github.User) bool {
	return user.GetType() == "Bot" || strings.HasSuffix(user.GetLogin(), "[bot]")
}

func labelNames(labels []*github.Label) []string {
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		names = append(names, l.GetName())
	}
	return names
}

// FromWebhook filters and converts a decoded webhook payload. The second
// return names the skip reason when the event is not actionable.
func FromWebhook(payload any) (*Event, string) {
	switch e := payload.(type) {
	case *github.IssuesEvent:
		switch e.GetAction() {
		case "opened", "edited", "reopened":
		default:
			return nil, "unhandled issues action " + e.GetAction()
		}
		issue := e.GetIssue()
		if isBot(issue.GetUser()) {
			return nil, "issue opened by a bot"
		}
		if issue.GetState() == "closed" {
			return nil, "issue is closed"
		}
		return &Event{Issue: &IssueEvent{Number: issue.GetNumber()}}, ""

	case *github.IssueCommentEvent:
		if e.GetAction() != "created" {
			return nil, "unhandled issue_comment action " + e.GetAction()
		}
		if isBot(e.GetComment().GetUser()) {
			return nil, "comment by a bot"
		}
		issue := e.GetIssue()
		if issue.IsPullRequest() {
			return nil, "comment on a pull request"
		}
		if issue.GetState() == "closed" {
			return nil, "issue is closed"
		}
		return &Event{Issue: &IssueEvent{Number: issue.GetNumber()}}, ""

	case *github.PullRequestEvent:
		if e.GetAction() != "closed" {
			return nil, "unhandled pull_request action " + e.GetAction()
		}
		pr := e.GetPullRequest()
		return &Event{PullClosed: &PullClosedEvent{
			Number:  pr.GetNumber(),
			Merged:  pr.GetMerged(),
			HeadRef: pr.GetHead().GetRef(),
			Labels:  labelNames(pr.Labels),
		}}, ""

	case *github.PullRequestReviewEvent:
		if e.GetAction() != "submitted" {
			return nil, "unhandled pull_request_review action " + e.GetAction()
		}
		review := e.GetReview()
		if !strings.EqualFold(review.GetState(), "approved") {
			return nil, "review is not an approval"
		}
		switch review.GetAuthorAssociation() {
		case "OWNER", "MEMBER":
		default:
			return nil, "review author is not an owner or member"
		}
		pr := e.GetPullRequest()
		return &Event{Review: &ReviewEvent{
			PullNumber: pr.GetNumber(),
			HeadRef:    pr.GetHead().GetRef(),
			Labels:     labelNames(pr.Labels),
		}}, ""
	}
	return nil, fmt.Sprintf("unhandled event type %T", payload)
}
