/*
Copyright 2026 NoneBot Team
SPDX-License-Identifier: Apache-2.0
*/

package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/chainguard-dev/clog"

	"github.com/nonebot/noneflow/comment"
	"github.com/nonebot/noneflow/githubops"
	"github.com/nonebot/noneflow/store"
)

// handlePullClosed finishes the lifecycle of a managed pull request: close
// the linked issue, delete the feature branch, and on merge re-derive the
// sibling branches and notify the registry.
func (o *Orchestrator) handlePullClosed(ctx context.Context, e *PullClosedEvent) error {
	log := clog.FromContext(ctx).With("pull", e.Number)
	ctx = clog.WithLogger(ctx, log)

	work, kind, ok := Route(e.Labels)
	if !ok {
		log.Info("pull request labels select no workflow, skipping")
		return nil
	}
	branchWork, number, ok := ParseBranch(e.HeadRef)
	if !ok || branchWork != work {
		log.Infof("head ref %q names no issue branch, skipping", e.HeadRef)
		return nil
	}
	log = log.With("issue", number)
	ctx = clog.WithLogger(ctx, log)

	issue, err := o.gh.Issue(ctx, number)
	if err != nil {
		return err
	}
	if issue.GetState() == "open" {
		reason := githubops.ReasonNotPlanned
		if e.Merged {
			reason = githubops.ReasonCompleted
		}
		if err := o.gh.CloseIssue(ctx, number, reason); err != nil {
			return err
		}
		log.Infof("Closed issue as %s", reason)
	}

	if err := o.deleteBranch(ctx, work, e.HeadRef); err != nil {
		return err
	}

	if !e.Merged {
		log.Info("pull request was not merged, done")
		return nil
	}

	if err := o.dispatchRegistryUpdate(ctx, number); err != nil {
		// The store change already landed; the downstream registry
		// catches up on the next merge.
		log.Errorf("Dispatching registry update: %v", err)
	}

	return o.resolveSiblings(ctx, kind, e.Number)
}

func (o *Orchestrator) deleteBranch(ctx context.Context, work WorkKind, branch string) error {
	base := o.cfg.BaseBranch
	if work == WorkConfig {
		base = o.cfg.ResultsBranch
	}
	lease, err := o.ws.Lease(ctx, base)
	if err != nil {
		return err
	}
	defer lease.Return()
	return lease.DeleteRemoteBranch(ctx, branch)
}

// resolveSiblings re-runs the pipeline of every other open pull request of
// the same kind. Each sibling branch is rebuilt from the updated base, which
// clears the merge conflicts a shared store file would otherwise produce.
func (o *Orchestrator) resolveSiblings(ctx context.Context, kind store.Kind, closedNumber int) error {
	log := clog.FromContext(ctx)
	pulls, err := o.gh.OpenPullsWithLabel(ctx, string(kind))
	if err != nil {
		return err
	}

	var firstErr error
	for _, pull := range pulls {
		if pull.GetNumber() == closedNumber {
			continue
		}
		_, number, ok := ParseBranch(pull.GetHead().GetRef())
		if !ok {
			continue
		}
		log.Infof("Re-deriving sibling branch for issue #%d", number)
		if err := o.handleIssue(ctx, number); err != nil {
			log.Errorf("Re-deriving issue #%d: %v", number, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

var runIDPattern = regexp.MustCompile(`/runs/(\d+)`)

// dispatchRegistryUpdate points the registry repository at the artifact of
// the newest successful test run recorded in the issue's result comment.
func (o *Orchestrator) dispatchRegistryUpdate(ctx context.Context, number int) error {
	log := clog.FromContext(ctx)
	if o.cfg.RegistryRepo == "" {
		log.Debug("no registry repository configured, skipping dispatch")
		return nil
	}

	comments, err := o.gh.ListComments(ctx, number)
	if err != nil {
		return err
	}
	existing := comment.Find(comments)
	if existing == nil {
		log.Info("no result comment found, skipping dispatch")
		return nil
	}

	runID := newestSuccessfulRun(comment.ParseHistory(existing.GetBody()))
	if runID == 0 {
		log.Info("no successful test run recorded, skipping dispatch")
		return nil
	}

	artifactID, err := o.gh.ArtifactID(ctx, runID, o.cfg.ArtifactName)
	if err != nil {
		return fmt.Errorf("locating artifact %q of run %d: %w", o.cfg.ArtifactName, runID, err)
	}

	payload := struct {
		RepoInfo struct {
			Owner string `json:"owner"`
			Repo  string `json:"repo"`
		} `json:"repo_info"`
		ArtifactID int64 `json:"artifact_id"`
	}{ArtifactID: artifactID}
	payload.RepoInfo.Owner = o.gh.Owner()
	payload.RepoInfo.Repo = o.gh.Repo()

	log.Infof("Dispatching registry update with artifact %d", artifactID)
	return o.gh.Dispatch(ctx, o.cfg.RegistryRepo, "registry_update", payload)
}

// newestSuccessfulRun extracts the workflow run id from the most recent
// passing history line. Zero means no run qualified.
func newestSuccessfulRun(history []comment.HistoryEntry) int64 {
	for i := len(history) - 1; i >= 0; i-- {
		if !history[i].OK {
			continue
		}
		m := runIDPattern.FindStringSubmatch(history[i].RunURL)
		if m == nil {
			continue
		}
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		return id
	}
	return 0
}
