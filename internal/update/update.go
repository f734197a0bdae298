package update

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/azikatti/Berlin-dooh-device/internal/retry"
)

// Checker probes the code repository for a newer released version. It
// only reports availability; installing updates is the bootstrap
// script's business.
type Checker struct {
	baseURL string
	owner   string
	repo    string
	branch  string
	token   string
	policy  retry.Policy
	client  *http.Client
}

func NewChecker(owner, repo, branch, token string, policy retry.Policy) *Checker {
	return &Checker{
		baseURL: "https://raw.githubusercontent.com",
		owner:   owner,
		repo:    repo,
		branch:  branch,
		token:   token,
		policy:  policy,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// versionURL points at the raw VERSION file on the configured branch.
// The cache buster defeats the raw CDN's caching.
func (c *Checker) versionURL() string {
	return fmt.Sprintf("%s/%s/%s/%s/VERSION?t=%d",
		c.baseURL, c.owner, c.repo, c.branch, time.Now().Unix())
}

// Check returns the remote version and whether it differs from current.
func (c *Checker) Check(ctx context.Context, current string) (string, bool, error) {
	var remote string
	err := c.policy.Do(ctx, "check remote version", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.versionURL(), nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Cache-Control", "no-cache")
		if c.token != "" {
			req.Header.Set("Authorization", "token "+c.token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("http get: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return retry.Permanent(fmt.Errorf("authentication failed (status %d), is update.token set?", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("http status %d", resp.StatusCode)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if err != nil {
			return fmt.Errorf("read version: %w", err)
		}
		remote = strings.TrimSpace(string(body))
		if remote == "" {
			return retry.Permanent(fmt.Errorf("remote VERSION file is empty"))
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return remote, remote != current, nil
}
