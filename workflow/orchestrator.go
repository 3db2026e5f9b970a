/*
Copyright 2026 NoneBot Team
SPDX-License-Identifier: Apache-2.0
*/

// Package workflow routes webhook events and drives the publish, remove,
// and config pipelines against the registry repository.
package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nonebot/noneflow/gitws"
	"github.com/nonebot/noneflow/sandbox"
	"github.com/nonebot/noneflow/store"
	"github.com/nonebot/noneflow/validation"
)

var (
	eventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "noneflow_events_total",
		Help: "Webhook events handled, by pipeline and outcome.",
	}, []string{"pipeline", "outcome"})

	pipelineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "noneflow_pipeline_duration_seconds",
		Help:    "Duration of one pipeline run.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"pipeline"})
)

// GitHub is the API surface the orchestrator needs. *githubops.Ops
// implements it.
type GitHub interface {
	Owner() string
	Repo() string

	Issue(ctx context.Context, number int) (*github.Issue, error)
	UpdateIssueBody(ctx context.Context, number int, body string) error
	UpdateIssueTitle(ctx context.Context, number int, title string) error
	CloseIssue(ctx context.Context, number int, reason string) error
	AddLabels(ctx context.Context, number int, labels []string) error

	ListComments(ctx context.Context, number int) ([]*github.IssueComment, error)
	CreateComment(ctx context.Context, number int, body string) error
	UpdateComment(ctx context.Context, commentID int64, body string) error

	PullByHead(ctx context.Context, branch string) (*github.PullRequest, error)
	OpenPullsWithLabel(ctx context.Context, label string) ([]*github.PullRequest, error)
	CreatePull(ctx context.Context, head, base, title, body string) (*github.PullRequest, error)
	UpdatePullTitle(ctx context.Context, number int, title string) error
	MergePull(ctx context.Context, number int) error
	ConvertToDraft(ctx context.Context, nodeID string) error
	MarkReadyForReview(ctx context.Context, nodeID string) error

	ArtifactID(ctx context.Context, runID int64, name string) (int64, error)
	Dispatch(ctx context.Context, slug, eventType string, payload any) error
}

// PyPI is the package index surface the pipelines need. *pypi.Client
// implements it.
type PyPI interface {
	validation.PyPI
	// Forget invalidates the cached metadata of a distribution so a retest
	// observes its newest release.
	Forget(link string)
}

// Config is the static configuration of an orchestrator.
type Config struct {
	// BaseBranch is the target of publish and remove branches.
	BaseBranch string
	// ResultsBranch is the target of config branches.
	ResultsBranch string
	// RegistryRepo is the "owner/repo" slug receiving registry_update
	// dispatches. Empty disables dispatching.
	RegistryRepo string
	// ArtifactName is the workflow artifact the dispatch points at.
	ArtifactName string
	// StorePaths locates the store files inside the clone.
	StorePaths store.Paths
	// RunURL is the URL of the current workflow run, recorded in the
	// comment history when a plugin test ran. Empty when the service is
	// not running inside a workflow.
	RunURL string
}

// Orchestrator handles routed events end to end.
type Orchestrator struct {
	gh     GitHub
	ws     *gitws.Workspace
	runner sandbox.Runner
	pypi   PyPI
	cfg    Config

	now func() time.Time

	mu    sync.Mutex
	locks map[int]*sync.Mutex
}

// New wires an orchestrator.
func New(gh GitHub, ws *gitws.Workspace, runner sandbox.Runner, pypi PyPI, cfg Config) *Orchestrator {
	if cfg.ArtifactName == "" {
		cfg.ArtifactName = "noneflow"
	}
	return &Orchestrator{
		gh:     gh,
		ws:     ws,
		runner: runner,
		pypi:   pypi,
		cfg:    cfg,
		now:    time.Now,
		locks:  map[int]*sync.Mutex{},
	}
}

// issueLock serializes runs for one issue. Runs for different issues may
// proceed in parallel up to the workspace lease.
func (o *Orchestrator) issueLock(number int) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[number]
	if !ok {
		l = &sync.Mutex{}
		o.locks[number] = l
	}
	return l
}

// Handle runs the pipeline selected by the event.
func (o *Orchestrator) Handle(ctx context.Context, event *Event) error {
	var pipeline string
	var err error
	start := time.Now()

	switch {
	case event.Issue != nil:
		pipeline = "issue"
		err = o.handleIssue(ctx, event.Issue.Number)
	case event.PullClosed != nil:
		pipeline = "pull_closed"
		err = o.handlePullClosed(ctx, event.PullClosed)
	case event.Review != nil:
		pipeline = "review"
		err = o.handleReview(ctx, event.Review)
	default:
		return fmt.Errorf("empty event")
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	eventsHandled.WithLabelValues(pipeline, outcome).Inc()
	pipelineDuration.WithLabelValues(pipeline).Observe(time.Since(start).Seconds())
	return err
}

// handleIssue re-derives everything for one issue from source truth.
func (o *Orchestrator) handleIssue(ctx context.Context, number int) error {
	lock := o.issueLock(number)
	lock.Lock()
	defer lock.Unlock()

	log := clog.FromContext(ctx).With("issue", number)
	ctx = clog.WithLogger(ctx, log)

	issue, err := o.gh.Issue(ctx, number)
	if err != nil {
		return err
	}
	if issue.GetState() == "closed" {
		log.Info("issue is closed, skipping")
		return nil
	}

	work, kind, ok := Route(labelNames(issue.Labels))
	if !ok {
		log.Info("labels select no workflow, skipping")
		return nil
	}
	log = log.With("work", string(work), "kind", string(kind))
	ctx = clog.WithLogger(ctx, log)

	switch work {
	case WorkRemove:
		return o.runRemove(ctx, issue, kind)
	case WorkConfig:
		return o.runConfig(ctx, issue)
	default:
		return o.runPublish(ctx, issue, kind)
	}
}

// handleReview auto-merges an approved managed pull request.
func (o *Orchestrator) handleReview(ctx context.Context, review *ReviewEvent) error {
	log := clog.FromContext(ctx).With("pull", review.PullNumber)
	if _, _, ok := Route(review.Labels); !ok {
		log.Info("pull request labels select no workflow, skipping")
		return nil
	}
	// Refresh the branch from its source issue first so the rebase merge
	// applies cleanly against the current base.
	if _, number, ok := ParseBranch(review.HeadRef); ok {
		if err := o.handleIssue(ctx, number); err != nil {
			return err
		}
	}
	log.Info("approved by an owner or member, merging")
	return o.gh.MergePull(ctx, review.PullNumber)
}
