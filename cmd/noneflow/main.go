/*
Copyright 2026 NoneBot Team
SPDX-License-Identifier: Apache-2.0
*/

// Package main runs the noneflow webhook service: it receives GitHub events
// for the registry repository and drives the publish, remove, and config
// workflows.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/chainguard-dev/clog"
	_ "github.com/chainguard-dev/clog/gcp/init"
	"github.com/go-chi/chi/v5"
	"github.com/google/go-github/v84/github"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-envconfig"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/nonebot/noneflow/githubops"
	"github.com/nonebot/noneflow/gitws"
	"github.com/nonebot/noneflow/pypi"
	"github.com/nonebot/noneflow/sandbox"
	"github.com/nonebot/noneflow/store"
	"github.com/nonebot/noneflow/workflow"
)

type config struct {
	Port        int `env:"PORT,default=8080"`
	MetricsPort int `env:"METRICS_PORT,default=2112"`

	AppID          int64  `env:"GITHUB_APP_ID,required"`
	InstallationID int64  `env:"GITHUB_APP_INSTALLATION_ID,required"`
	PrivateKey     string `env:"GITHUB_APP_PRIVATE_KEY,required"`
	WebhookSecret  string `env:"WEBHOOK_SECRET,required"`

	// Repository is the registry repository, e.g. "nonebot/registry".
	Repository    string `env:"GITHUB_REPOSITORY,required"`
	BaseBranch    string `env:"BASE_BRANCH,default=master"`
	ResultsBranch string `env:"RESULTS_BRANCH,default=results"`
	// RegistryRepo receives registry_update dispatches; empty disables them.
	RegistryRepo string `env:"REGISTRY_REPOSITORY"`
	ArtifactName string `env:"ARTIFACT_NAME,default=noneflow"`

	CloneDir string `env:"CLONE_DIR"`

	DockerImage   string `env:"DOCKER_IMAGE,default=ghcr.io/nonebot/nonetest:3.12-latest"`
	PythonVersion string `env:"PYTHON_VERSION,default=3.12"`

	// RunURL is recorded in the comment history for plugin test runs, e.g.
	// the URL of the hosting workflow run.
	RunURL string `env:"RUN_URL"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var cfg config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		clog.FatalContextf(ctx, "processing config: %v", err)
	}

	transport, err := ghinstallation.New(http.DefaultTransport, cfg.AppID, cfg.InstallationID, []byte(cfg.PrivateKey))
	if err != nil {
		clog.FatalContextf(ctx, "creating installation transport: %v", err)
	}
	httpClient := &http.Client{Transport: transport, Timeout: 30 * time.Second}

	ops, err := githubops.New(github.NewClient(httpClient), githubv4.NewClient(httpClient), cfg.Repository)
	if err != nil {
		clog.FatalContextf(ctx, "binding repository: %v", err)
	}

	cloneDir := cfg.CloneDir
	if cloneDir == "" {
		dir, err := os.MkdirTemp("", "noneflow-*")
		if err != nil {
			clog.FatalContextf(ctx, "creating clone dir: %v", err)
		}
		defer os.RemoveAll(dir)
		cloneDir = dir
	}
	remote := fmt.Sprintf("https://github.com/%s.git", cfg.Repository)
	ws, err := gitws.New(ctx, remote, cloneDir, cfg.BaseBranch, installationTokenSource{transport})
	if err != nil {
		clog.FatalContextf(ctx, "cloning %s: %v", remote, err)
	}

	orchestrator := workflow.New(
		ops,
		ws,
		&sandbox.CachingRunner{Inner: &sandbox.DockerRunner{
			Image:         cfg.DockerImage,
			PythonVersion: cfg.PythonVersion,
		}},
		pypi.NewClient(),
		workflow.Config{
			BaseBranch:    cfg.BaseBranch,
			ResultsBranch: cfg.ResultsBranch,
			RegistryRepo:  cfg.RegistryRepo,
			ArtifactName:  cfg.ArtifactName,
			StorePaths:    store.DefaultPaths(),
			RunURL:        cfg.RunURL,
		},
	)

	router := chi.NewRouter()
	router.Post("/webhook", webhookHandler(orchestrator, []byte(cfg.WebhookSecret)))
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		clog.InfoContextf(gctx, "Listening on :%d", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		clog.InfoContextf(gctx, "Serving metrics on :%d", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		clog.FatalContextf(ctx, "server failed: %v", err)
	}
}

// webhookHandler validates, decodes, and routes one delivery. Pipeline
// errors return 500 so the delivery can be redelivered.
func webhookHandler(orchestrator *workflow.Orchestrator, secret []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		log := clog.FromContext(ctx).With("delivery", github.DeliveryID(r))

		payload, err := github.ValidatePayload(r, secret)
		if err != nil {
			log.Warnf("Rejecting payload: %v", err)
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}

		webhookType := github.WebHookType(r)
		if webhookType == "pull_request_target" {
			webhookType = "pull_request"
		}
		decoded, err := github.ParseWebHook(webhookType, payload)
		if err != nil {
			log.Warnf("Unparseable %s payload: %v", webhookType, err)
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}

		event, skip := workflow.FromWebhook(decoded)
		if skip != "" {
			log.Infof("Skipping delivery: %s", skip)
			w.WriteHeader(http.StatusOK)
			return
		}

		if err := orchestrator.Handle(clog.WithLogger(ctx, log), event); err != nil {
			log.Errorf("Handling %s: %v", webhookType, err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// installationTokenSource adapts the GitHub App installation transport to
// the token source the git workspace uses for HTTPS pushes.
type installationTokenSource struct {
	transport *ghinstallation.Transport
}

func (s installationTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.transport.Token(context.Background())
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: token}, nil
}
