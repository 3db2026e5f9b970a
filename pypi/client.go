/*
Copyright 2026 NoneBot Team
SPDX-License-Identifier: Apache-2.0
*/

// Package pypi fetches distribution metadata from PyPI and probes homepage
// URLs for reachability. Results are cached for the lifetime of the client;
// the orchestrator shares a single client across workflow runs so repeated
// validations of the same issue do not re-fetch, and calls Forget when a
// retest must observe a new release.
package pypi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
)

// ErrNotFound reports that a distribution does not exist on PyPI.
var ErrNotFound = errors.New("project not found on pypi")

const defaultBaseURL = "https://pypi.org"

// NamePattern is the PyPI distribution name grammar (PEP 508), matched
// case-insensitively.
var NamePattern = regexp.MustCompile(`(?i)^([A-Z0-9]|[A-Z0-9][A-Z0-9._-]*[A-Z0-9])$`)

var normalizeRuns = regexp.MustCompile(`[-_.]+`)

// NormalizeName lowercases a distribution name and collapses runs of
// separators to single hyphens (PEP 503).
func NormalizeName(name string) string {
	return strings.ToLower(normalizeRuns.ReplaceAllString(name, "-"))
}

// Project is the subset of PyPI metadata the validators need.
type Project struct {
	// Name is the canonical project name as PyPI reports it.
	Name string
	// Version is the latest release version.
	Version string
	// UploadTime is the ISO-8601 upload time of the latest release's first
	// file, empty when the release has no files.
	UploadTime string
}

type probe struct {
	status int
	msg    string
}

// Client fetches PyPI metadata and probes URLs. The zero value is not
// usable; construct with NewClient.
type Client struct {
	http    *http.Client
	baseURL string

	mu       sync.Mutex
	projects map[string]*Project
	probes   map[string]probe
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the PyPI base URL. Tests point this at a local
// httptest server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(url, "/") }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient constructs a Client with a bounded request timeout.
func NewClient(opts ...Option) *Client {
	c := &Client{
		http:     &http.Client{Timeout: 30 * time.Second},
		baseURL:  defaultBaseURL,
		projects: map[string]*Project{},
		probes:   map[string]probe{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type projectJSON struct {
	Info struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"info"`
	URLs []struct {
		UploadTime string `json:"upload_time_iso_8601"`
	} `json:"urls"`
}

// Project fetches /pypi/<link>/json for a distribution. It returns
// ErrNotFound for any non-200 response.
func (c *Client) Project(ctx context.Context, link string) (*Project, error) {
	key := NormalizeName(link)

	c.mu.Lock()
	if p, ok := c.projects[key]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	url := fmt.Sprintf("%s/pypi/%s/json", c.baseURL, link)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %w", link, ErrNotFound)
	}

	var payload projectJSON
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding %s metadata: %w", link, err)
	}

	p := &Project{
		Name:    payload.Info.Name,
		Version: payload.Info.Version,
	}
	if len(payload.URLs) > 0 {
		p.UploadTime = payload.URLs[0].UploadTime
	}

	clog.FromContext(ctx).With("project", p.Name, "version", p.Version).Debug("Fetched PyPI metadata")

	c.mu.Lock()
	c.projects[key] = p
	c.mu.Unlock()
	return p, nil
}

// Forget drops the cached metadata of one distribution so the next Project
// call re-fetches it.
func (c *Client) Forget(link string) {
	c.mu.Lock()
	delete(c.projects, NormalizeName(link))
	c.mu.Unlock()
}

// CheckURL probes a URL, following redirects, and returns the final status
// code. Network failures return status -1 with the error text.
func (c *Client) CheckURL(ctx context.Context, url string) (int, string) {
	c.mu.Lock()
	if p, ok := c.probes[url]; ok {
		c.mu.Unlock()
		return p.status, p.msg
	}
	c.mu.Unlock()

	status, msg := c.probeURL(ctx, url)

	c.mu.Lock()
	c.probes[url] = probe{status: status, msg: msg}
	c.mu.Unlock()
	return status, msg
}

func (c *Client) probeURL(ctx context.Context, url string) (int, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return -1, err.Error()
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return -1, err.Error()
	}
	resp.Body.Close()
	return resp.StatusCode, ""
}
