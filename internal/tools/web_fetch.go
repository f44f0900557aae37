package tools

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultFetchMaxChars    = 50000
	defaultFetchMaxRedirect = 3
	defaultFetchTimeout     = 30 * time.Second
	fetchUserAgent          = "clawlane-web-fetch/1.0"
)

// WebFetchConfig holds configuration for the web fetch tool.
type WebFetchConfig struct {
	MaxChars int
	Timeout  time.Duration

	// AllowPrivateHosts disables the loopback/private address check.
	AllowPrivateHosts bool
}

// WebFetchTool fetches a URL and returns its readable text.
type WebFetchTool struct {
	maxChars     int
	allowPrivate bool
	client       *http.Client
}

func NewWebFetchTool(cfg WebFetchConfig) *WebFetchTool {
	t := &WebFetchTool{
		maxChars:     cfg.MaxChars,
		allowPrivate: cfg.AllowPrivateHosts,
	}
	if t.maxChars <= 0 {
		t.maxChars = defaultFetchMaxChars
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	t.client = &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > defaultFetchMaxRedirect {
				return fmt.Errorf("stopped after %d redirects", defaultFetchMaxRedirect)
			}
			return t.checkHost(req.URL)
		},
	}
	return t
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch an http(s) URL and return its content as plain text. HTML is stripped to text, JSON is pretty-printed."
}

func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch.",
			},
			"maxChars": map[string]interface{}{
				"type":        "number",
				"description": "Maximum characters to return (truncates when exceeded).",
				"minimum":     100.0,
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid URL: %v", err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrorResult("only http and https URLs are supported")
	}
	if parsed.Host == "" {
		return ErrorResult("missing hostname in URL")
	}
	if err := t.checkHost(parsed); err != nil {
		return ErrorResult(err.Error())
	}

	maxChars := t.maxChars
	if mc, ok := args["maxChars"].(float64); ok && int(mc) >= 100 {
		maxChars = int(mc)
	}

	out, err := t.fetch(ctx, rawURL, maxChars)
	if err != nil {
		return ErrorResult("fetch failed: " + truncateStr(err.Error(), 4000)).WithError(err)
	}
	return NewResult(out)
}

func (t *WebFetchTool) fetch(ctx context.Context, rawURL string, maxChars int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json,text/plain;q=0.9,*/*;q=0.5")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	// HTML markup inflates the byte count well past the visible text.
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(maxChars*4)))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncateStr(strings.TrimSpace(string(body)), 500))
	}

	contentType := resp.Header.Get("Content-Type")
	var text string
	switch {
	case strings.Contains(contentType, "application/json"):
		text = extractJSON(body)
	case strings.Contains(contentType, "text/html"), strings.Contains(contentType, "application/xhtml"):
		text = htmlToText(string(body))
	default:
		text = string(body)
	}

	truncated := false
	if len(text) > maxChars {
		text = text[:maxChars]
		truncated = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\n", resp.Request.URL.String())
	fmt.Fprintf(&sb, "Status: %d\n", resp.StatusCode)
	if truncated {
		fmt.Fprintf(&sb, "Truncated: true (limit: %d chars)\n", maxChars)
	}
	sb.WriteString("\n<web_content source=\"external\">\n")
	sb.WriteString(text)
	sb.WriteString("\n</web_content>")
	return sb.String(), nil
}

// checkHost rejects loopback, private and link-local targets unless the
// tool was configured to allow them.
func (t *WebFetchTool) checkHost(u *url.URL) error {
	if t.allowPrivate {
		return nil
	}
	return CheckPublicHost(u.Hostname())
}

// CheckPublicHost resolves host and fails if any address is loopback,
// private, link-local or unspecified.
func CheckPublicHost(host string) error {
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("blocked private address %s for host %s", ip, host)
		}
	}
	return nil
}
