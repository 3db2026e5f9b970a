/*
Copyright 2026 NoneBot Team
SPDX-License-Identifier: Apache-2.0
*/

// Package sandbox runs plugin load tests in an isolated container and
// reports the structured outcome.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
)

// bindResultPath is where the container writes its result file.
const bindResultPath = "/app/plugin_test/result.json"

// DefaultTimeout bounds a single container run. The container enforces its
// own internal deadline; this is the outer stop.
const DefaultTimeout = 10 * time.Minute

// Metadata is the plugin metadata reported by a successful load.
type Metadata struct {
	Name              string    `json:"name"`
	Desc              string    `json:"desc"`
	Homepage          *string   `json:"homepage"`
	Type              *string   `json:"type"`
	SupportedAdapters *[]string `json:"supported_adapters"`
}

// Outcome is the result of one sandbox run.
type Outcome struct {
	// Run reports whether the container ran at all.
	Run bool `json:"run"`
	// Load reports whether the plugin imported cleanly.
	Load bool `json:"load"`
	// Output is the captured test log.
	Output string `json:"output"`
	// Version is the resolved distribution version.
	Version string `json:"version,omitempty"`
	// Config is the plugin config the test ran with.
	Config string `json:"config,omitempty"`
	// TestEnv describes the environment, e.g.
	// "python==3.12 nonebot2==2.4.0 pydantic==2.10.0".
	TestEnv string `json:"test_env,omitempty"`
	// Metadata is set only when the load succeeded and the plugin
	// exported metadata.
	Metadata *Metadata `json:"metadata,omitempty"`
}

// Request describes one plugin to test.
type Request struct {
	ProjectLink string
	ModuleName  string
	Config      string
	// Version is the latest release on PyPI, resolved by the caller. A new
	// release is a distinct cache entry.
	Version string
	// Refresh forces a rerun even when a cached outcome exists, replacing
	// the cache entry.
	Refresh bool
}

// Runner executes plugin load tests.
type Runner interface {
	Test(ctx context.Context, req Request) (*Outcome, error)
}

// DockerRunner runs tests with the docker CLI. Each run gets a fresh
// container of Image and a bind-mounted result file the container fills in.
type DockerRunner struct {
	// Image is the test container image.
	Image string
	// PythonVersion is handed to the container as PYTHON_VERSION.
	PythonVersion string
	// ResultDir holds the per-run result files. Defaults to a temp dir.
	ResultDir string
	// Timeout bounds one run. Defaults to DefaultTimeout.
	Timeout time.Duration
}

var _ Runner = (*DockerRunner)(nil)

// Test runs the container and decodes the result file. A container that
// fails to start yields Run=false; a container that runs but produces an
// undecodable result yields Run=true, Load=false with the raw output. The
// error return is reserved for host-side failures such as an unwritable
// result directory.
func (r *DockerRunner) Test(ctx context.Context, req Request) (*Outcome, error) {
	log := clog.FromContext(ctx).With("project_link", req.ProjectLink, "module_name", req.ModuleName)

	dir := r.ResultDir
	if dir == "" {
		d, err := os.MkdirTemp("", "plugin-test-*")
		if err != nil {
			return nil, fmt.Errorf("creating result dir: %w", err)
		}
		defer os.RemoveAll(d)
		dir = d
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating result dir: %w", err)
	}

	result := filepath.Join(dir, nameToPath(req.ModuleName)+".json")
	if err := os.WriteFile(result, []byte("{}"), 0o644); err != nil {
		return nil, fmt.Errorf("seeding result file: %w", err)
	}

	timeout := r.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{
		"run", "--rm",
		"-e", "PYTHON_VERSION=" + r.PythonVersion,
		"-e", "PROJECT_LINK=" + req.ProjectLink,
		"-e", "MODULE_NAME=" + req.ModuleName,
		"-e", "PLUGIN_CONFIG=" + req.Config,
		"-e", "TEST_RESULT_PATH=" + bindResultPath,
		"-v", result + ":" + bindResultPath,
		r.Image,
	}
	log.Infof("running plugin test in %s", r.Image)
	output, runErr := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if runErr != nil {
		// The container reports its own failures through the result
		// file; an exec error here means the run itself broke.
		out := &Outcome{Run: false, Load: false, Output: strings.TrimSpace(string(output))}
		if out.Output == "" {
			out.Output = runErr.Error()
		}
		log.Warnf("plugin test did not run: %v", runErr)
		return out, nil
	}

	data, err := os.ReadFile(result)
	if err != nil {
		return nil, fmt.Errorf("reading result file: %w", err)
	}
	out := &Outcome{}
	if err := json.Unmarshal(data, out); err != nil || !out.Run {
		// Fall back to the container's stdout, which carries the result
		// when the bind mount is unavailable.
		if jsonErr := json.Unmarshal(output, out); jsonErr != nil {
			return &Outcome{
				Run:    true,
				Load:   false,
				Output: fmt.Sprintf("解析测试结果失败。\n%s", output),
			}, nil
		}
	}
	log.With("load", out.Load, "version", out.Version).Info("plugin test finished")
	return out, nil
}

// nameToPath makes a module name safe to use as a file name.
func nameToPath(name string) string {
	return strings.NewReplacer("/", "_", ".", "_", "-", "_").Replace(name)
}

// CachingRunner memoizes outcomes of an inner runner keyed by project link,
// release version, and config, so re-validations of an unchanged submission
// do not rerun the container. A new release or a Refresh request always
// reaches the inner runner.
type CachingRunner struct {
	Inner Runner

	mu    sync.Mutex
	cache map[cacheKey]*Outcome
}

type cacheKey struct {
	projectLink string
	version     string
	config      string
}

var _ Runner = (*CachingRunner)(nil)

// Test returns a cached outcome when one exists for the request.
func (c *CachingRunner) Test(ctx context.Context, req Request) (*Outcome, error) {
	key := cacheKey{req.ProjectLink, req.Version, req.Config}
	if !req.Refresh {
		c.mu.Lock()
		if out, ok := c.cache[key]; ok {
			c.mu.Unlock()
			clog.FromContext(ctx).With("project_link", req.ProjectLink).Debug("plugin test cache hit")
			return out, nil
		}
		c.mu.Unlock()
	}

	out, err := c.Inner.Test(ctx, req)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.cache == nil {
		c.cache = make(map[cacheKey]*Outcome)
	}
	c.cache[key] = out
	c.mu.Unlock()
	return out, nil
}
