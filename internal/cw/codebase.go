package cw

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/goccy/go-json"

	"github.com/JohanCodinha/mspsync/internal/logger"
)

// DefaultCodebase is used when no codebase is configured and the probe fails.
const DefaultCodebase = "v4_6_release/"

const apiVersionPath = "apis/3.0"

var codebasePattern = regexp.MustCompile(`^v[0-9][0-9a-z_]*/$`)

// companyInfo is the subset of /login/companyinfo/{company} we read.
type companyInfo struct {
	Codebase    string `json:"Codebase"`
	VersionCode string `json:"VersionCode"`
	CompanyName string `json:"CompanyName"`
}

// BasePath returns the API root, e.g.
// "https://api-na.myconnectwise.net/v2024_1/apis/3.0".
//
// The codebase is resolved once per client: an explicit configuration value
// wins, otherwise a bounded-time probe of the company info endpoint is made.
// Any probe failure falls back to DefaultCodebase; it is never returned.
func (c *Client) BasePath(ctx context.Context) (string, error) {
	c.pathMu.Lock()
	defer c.pathMu.Unlock()

	if c.pathResolved {
		return c.basePath, nil
	}

	codebase := c.codebase
	if codebase == "" {
		codebase = c.probeCodebase(ctx)
	}

	c.codebase = codebase
	c.basePath = c.baseURL + "/" + codebase + apiVersionPath
	c.pathResolved = true
	logger.Debug("cw: using API root %s", c.basePath)
	return c.basePath, nil
}

// probeCodebase asks the site which codebase the company runs on.
func (c *Client) probeCodebase(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	target := fmt.Sprintf("%s/login/companyinfo/%s", c.baseURL, url.PathEscape(c.creds.CompanyID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		logger.Debug("cw: codebase probe request failed, using %s: %v", DefaultCodebase, err)
		return DefaultCodebase
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Debug("cw: codebase probe failed, using %s: %v", DefaultCodebase, err)
		return DefaultCodebase
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.Debug("cw: codebase probe returned %s, using %s", resp.Status, DefaultCodebase)
		return DefaultCodebase
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		logger.Debug("cw: codebase probe read failed, using %s: %v", DefaultCodebase, err)
		return DefaultCodebase
	}

	var info companyInfo
	if err := json.Unmarshal(body, &info); err != nil {
		logger.Debug("cw: codebase probe returned invalid JSON, using %s: %v", DefaultCodebase, err)
		return DefaultCodebase
	}

	codebase := normalizeCodebase(info.Codebase)
	if codebase == "" {
		logger.Debug("cw: codebase probe returned %q, using %s", info.Codebase, DefaultCodebase)
		return DefaultCodebase
	}

	logger.Debug("cw: resolved codebase %s (version %s)", codebase, info.VersionCode)
	return codebase
}

// normalizeCodebase trims slashes and whitespace and re-adds the single
// trailing slash the API expects. Invalid values normalize to "".
func normalizeCodebase(raw string) string {
	raw = strings.Trim(strings.TrimSpace(raw), "/")
	if raw == "" {
		return ""
	}
	cb := raw + "/"
	if !codebasePattern.MatchString(cb) {
		return ""
	}
	return cb
}
