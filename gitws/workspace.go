/*
Copyright 2026 NoneBot Team
SPDX-License-Identifier: Apache-2.0
*/

// Package gitws owns a git clone of the registry repository and leases it to
// callers for one pipeline run at a time.
package gitws

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"golang.org/x/oauth2"
)

// Workspace wraps a single clone. All git state lives in one directory, so
// only one lease is out at a time; Lease blocks until the previous lease is
// returned.
type Workspace struct {
	dir         string
	remote      string
	tokenSource oauth2.TokenSource

	mu   sync.Mutex
	repo *git.Repository
}

// New clones the remote into dir. The token source may be nil for remotes
// that need no auth, such as local test repositories.
func New(ctx context.Context, remote, dir, base string, tokenSource oauth2.TokenSource) (*Workspace, error) {
	w := &Workspace{dir: dir, remote: remote, tokenSource: tokenSource}

	auth, err := w.auth()
	if err != nil {
		return nil, err
	}
	clog.FromContext(ctx).Infof("Cloning %s into %s", remote, dir)
	repo, err := git.PlainClone(dir, false, &git.CloneOptions{
		URL:           remote,
		ReferenceName: plumbing.NewBranchReferenceName(base),
		Auth:          auth,
	})
	if err != nil {
		return nil, fmt.Errorf("cloning %s: %w", remote, err)
	}
	w.repo = repo
	return w, nil
}

// Lease fetches base, hard-resets the working tree onto origin/<base>, and
// hands the clone to the caller. The caller must call Return when done.
func (w *Workspace) Lease(ctx context.Context, base string) (*Lease, error) {
	w.mu.Lock()

	l := &Lease{workspace: w}
	if err := l.refresh(ctx, base); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	return l, nil
}

func (w *Workspace) auth() (*githttp.BasicAuth, error) {
	if w.tokenSource == nil {
		return nil, nil
	}
	token, err := w.tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("getting token: %w", err)
	}
	return &githttp.BasicAuth{
		Username: "x-access-token",
		Password: token.AccessToken,
	}, nil
}

// Lease is exclusive access to the workspace clone.
type Lease struct {
	workspace *Workspace
}

// Dir returns the working tree path.
func (l *Lease) Dir() string {
	return l.workspace.dir
}

// refresh fetches the branch and hard-resets the working tree onto its
// remote head.
func (l *Lease) refresh(ctx context.Context, branch string) error {
	repo := l.workspace.repo
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}
	if err := worktree.Reset(&git.ResetOptions{Mode: git.HardReset}); err != nil {
		return fmt.Errorf("resetting worktree: %w", err)
	}
	if err := worktree.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("cleaning worktree: %w", err)
	}

	if err := l.fetch(ctx, branch); err != nil {
		return err
	}

	remoteRef, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		return fmt.Errorf("getting remote ref %s: %w", branch, err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Hash: remoteRef.Hash(), Force: true}); err != nil {
		return fmt.Errorf("checking out %s: %w", branch, err)
	}
	return nil
}

func (l *Lease) fetch(ctx context.Context, branch string) error {
	auth, err := l.workspace.auth()
	if err != nil {
		return err
	}
	clog.FromContext(ctx).Debugf("Fetching %s", branch)
	err = l.workspace.repo.Fetch(&git.FetchOptions{
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch)),
		},
		Auth:  auth,
		Force: true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching %s: %w", branch, err)
	}
	return nil
}

// SwitchFresh points branch at the current head and checks it out, replacing
// any stale local branch of the same name.
func (l *Lease) SwitchFresh(branch string) error {
	repo := l.workspace.repo
	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("getting head: %w", err)
	}

	refName := plumbing.NewBranchReferenceName(branch)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(refName, head.Hash())); err != nil {
		return fmt.Errorf("setting branch reference: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: refName, Force: true}); err != nil {
		return fmt.Errorf("checking out branch %s: %w", branch, err)
	}
	return nil
}

// CommitAs stages everything and commits as the submitting user, using the
// noreply address GitHub associates with the login. A failed commit is
// retried once after restaging.
func (l *Lease) CommitAs(ctx context.Context, login, message string) error {
	worktree, err := l.workspace.repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}

	commit := func() error {
		if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
			return fmt.Errorf("staging changes: %w", err)
		}
		_, err := worktree.Commit(message, &git.CommitOptions{
			Author: &object.Signature{
				Name:  login,
				Email: fmt.Sprintf("%s@users.noreply.github.com", login),
				When:  time.Now(),
			},
		})
		return err
	}

	if err := commit(); err != nil {
		clog.FromContext(ctx).Warnf("Commit failed, retrying once: %v", err)
		if err := commit(); err != nil {
			return fmt.Errorf("committing: %w", err)
		}
	}
	return nil
}

// PushIfChanged force-pushes branch when its local head differs from
// origin/<branch>, or when the remote branch does not exist yet. It reports
// whether a push happened.
func (l *Lease) PushIfChanged(ctx context.Context, branch string) (bool, error) {
	log := clog.FromContext(ctx)
	repo := l.workspace.repo

	local, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return false, fmt.Errorf("getting local ref %s: %w", branch, err)
	}

	if err := l.fetch(ctx, branch); err == nil {
		remote, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
		if err == nil && remote.Hash() == local.Hash() {
			log.Infof("Branch %s unchanged, skipping push", branch)
			return false, nil
		}
	}

	auth, err := l.workspace.auth()
	if err != nil {
		return false, err
	}
	refSpec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	log.Infof("Force pushing %s", refSpec)
	if err := repo.Push(&git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{refSpec},
		Auth:       auth,
		Force:      true,
	}); err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return false, nil
		}
		return false, fmt.Errorf("pushing %s: %w", branch, err)
	}
	return true, nil
}

// RemoteBranchExists reports whether origin has the branch.
func (l *Lease) RemoteBranchExists(ctx context.Context, branch string) (bool, error) {
	auth, err := l.workspace.auth()
	if err != nil {
		return false, err
	}
	remote, err := l.workspace.repo.Remote("origin")
	if err != nil {
		return false, fmt.Errorf("getting remote: %w", err)
	}
	refs, err := remote.ListContext(ctx, &git.ListOptions{Auth: auth})
	if err != nil {
		return false, fmt.Errorf("listing remote refs: %w", err)
	}
	want := plumbing.NewBranchReferenceName(branch)
	for _, ref := range refs {
		if ref.Name() == want {
			return true, nil
		}
	}
	return false, nil
}

// DeleteRemoteBranch removes the branch from origin. A branch that is
// already gone is not an error.
func (l *Lease) DeleteRemoteBranch(ctx context.Context, branch string) error {
	auth, err := l.workspace.auth()
	if err != nil {
		return err
	}
	clog.FromContext(ctx).Infof("Deleting remote branch %s", branch)
	err = l.workspace.repo.Push(&git.PushOptions{
		RemoteName: "origin",
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(":refs/heads/" + branch),
		},
		Auth: auth,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		if strings.Contains(err.Error(), "reference not found") ||
			strings.Contains(err.Error(), "couldn't find remote ref") {
			return nil
		}
		return fmt.Errorf("deleting branch %s: %w", branch, err)
	}
	return nil
}

// Return resets the clone and releases it back to the workspace.
func (l *Lease) Return() {
	w := l.workspace
	l.workspace = nil
	if worktree, err := w.repo.Worktree(); err == nil {
		_ = worktree.Reset(&git.ResetOptions{Mode: git.HardReset})
		_ = worktree.Clean(&git.CleanOptions{Dir: true})
	}
	w.mu.Unlock()
}
