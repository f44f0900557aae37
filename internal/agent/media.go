package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/disintegration/imaging"

	"github.com/nextlevelbuilder/clawlane/internal/bus"
	"github.com/nextlevelbuilder/clawlane/internal/providers"
	"github.com/nextlevelbuilder/clawlane/internal/tools"
)

const (
	defaultMaxImageBytes  = 10 * 1024 * 1024
	defaultMaxImageSide   = 1568
	defaultUnfurlTimeout  = 5 * time.Second
	defaultUnfurlMaxBytes = 256 * 1024
	defaultMaxUnfurls     = 3
	jpegQuality           = 85
)

// MediaConfig tunes preprocessing. Zero values take defaults.
type MediaConfig struct {
	MaxImageBytes     int64
	MaxImageSide      int
	UnfurlTimeout     time.Duration
	UnfurlMaxBytes    int64
	MaxUnfurls        int // negative disables unfurling
	AllowPrivateHosts bool
	HTTPClient        *http.Client
}

// MediaPreprocessor turns attachments into vision input and enriches text
// with link previews before the model is called. It never fails a turn:
// anything it cannot process becomes a short note in the text.
type MediaPreprocessor struct {
	cfg    MediaConfig
	client *http.Client
}

// MediaResult is the enriched user content.
type MediaResult struct {
	Text   string
	Images []providers.ImageContent
}

func NewMediaPreprocessor(cfg MediaConfig) *MediaPreprocessor {
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = defaultMaxImageBytes
	}
	if cfg.MaxImageSide <= 0 {
		cfg.MaxImageSide = defaultMaxImageSide
	}
	if cfg.UnfurlTimeout <= 0 {
		cfg.UnfurlTimeout = defaultUnfurlTimeout
	}
	if cfg.UnfurlMaxBytes <= 0 {
		cfg.UnfurlMaxBytes = defaultUnfurlMaxBytes
	}
	if cfg.MaxUnfurls == 0 {
		cfg.MaxUnfurls = defaultMaxUnfurls
	}
	client := cfg.HTTPClient
	if client == nil {
		allowPrivate := cfg.AllowPrivateHosts
		client = &http.Client{
			Timeout: cfg.UnfurlTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("stopped after %d redirects", len(via))
				}
				if allowPrivate {
					return nil
				}
				return tools.CheckPublicHost(req.URL.Hostname())
			},
		}
	}
	return &MediaPreprocessor{cfg: cfg, client: client}
}

// Process runs synchronously; ctx bounds every fetch.
func (m *MediaPreprocessor) Process(ctx context.Context, text string, media []bus.MediaRef) MediaResult {
	if m == nil {
		return MediaResult{Text: text}
	}
	var notes []string
	var images []providers.ImageContent

	for _, ref := range media {
		img, note := m.loadImage(ctx, ref)
		if img != nil {
			images = append(images, *img)
		}
		if note != "" {
			notes = append(notes, note)
		}
	}

	if m.cfg.MaxUnfurls > 0 {
		for _, u := range extractURLs(text, m.cfg.MaxUnfurls) {
			if preview := m.unfurl(ctx, u); preview != "" {
				notes = append(notes, preview)
			}
		}
	}

	out := text
	if len(notes) > 0 {
		out = strings.TrimSpace(text + "\n\n" + strings.Join(notes, "\n\n"))
	}
	return MediaResult{Text: out, Images: images}
}

func (m *MediaPreprocessor) loadImage(ctx context.Context, ref bus.MediaRef) (*providers.ImageContent, string) {
	name := ref.Path
	if name == "" {
		name = ref.URL
	}
	mime := ref.MimeType
	if mime == "" {
		mime = inferImageMime(name)
	}
	if !strings.HasPrefix(mime, "image/") {
		return nil, fmt.Sprintf("[attachment: %s (%s)]", filepath.Base(name), orUnknown(mime))
	}

	data, err := m.readMedia(ctx, ref)
	if err != nil {
		slog.Warn("media.image_unavailable", "source", name, "error", err)
		return nil, fmt.Sprintf("[image %s could not be loaded]", filepath.Base(name))
	}
	img, err := m.prepareImage(data)
	if err != nil {
		slog.Warn("media.image_decode_failed", "source", name, "error", err)
		return nil, fmt.Sprintf("[image %s could not be processed]", filepath.Base(name))
	}
	return img, ""
}

func (m *MediaPreprocessor) readMedia(ctx context.Context, ref bus.MediaRef) ([]byte, error) {
	if ref.Path != "" {
		info, err := os.Stat(ref.Path)
		if err != nil {
			return nil, err
		}
		if info.Size() > m.cfg.MaxImageBytes {
			return nil, fmt.Errorf("file too large: %d bytes", info.Size())
		}
		return os.ReadFile(ref.Path)
	}
	if ref.URL == "" {
		return nil, fmt.Errorf("media reference has neither path nor url")
	}
	return m.get(ctx, ref.URL, m.cfg.MaxImageBytes)
}

// prepareImage downscales so the longest side fits the vision limit and
// re-encodes as JPEG.
func (m *MediaPreprocessor) prepareImage(data []byte) (*providers.ImageContent, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Dx() > m.cfg.MaxImageSide || b.Dy() > m.cfg.MaxImageSide {
		img = imaging.Fit(img, m.cfg.MaxImageSide, m.cfg.MaxImageSide, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, err
	}
	return &providers.ImageContent{
		MimeType: "image/jpeg",
		Data:     base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

func (m *MediaPreprocessor) unfurl(ctx context.Context, rawURL string) string {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.UnfurlTimeout)
	defer cancel()

	body, err := m.get(ctx, rawURL, m.cfg.UnfurlMaxBytes)
	if err != nil {
		slog.Debug("media.unfurl_failed", "url", rawURL, "error", err)
		return ""
	}
	title, desc := parsePreview(string(body))
	if title == "" && desc == "" {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("[link preview: " + rawURL + "]")
	if title != "" {
		sb.WriteString("\nTitle: " + title)
	}
	if desc != "" {
		sb.WriteString("\nDescription: " + desc)
	}
	return sb.String()
}

// get fetches at most limit bytes. Larger bodies are an error for images;
// previews only need the head of the document, so callers pass a cap.
func (m *MediaPreprocessor) get(ctx context.Context, rawURL string, limit int64) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("unsupported url %q", rawURL)
	}
	if !m.cfg.AllowPrivateHosts {
		if err := tools.CheckPublicHost(u.Hostname()); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "clawlane-unfurl/1.0")
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

var (
	urlPattern       = regexp.MustCompile(`https?://[^\s<>"'` + "`" + `]+`)
	titlePattern     = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	metaTagPattern   = regexp.MustCompile(`(?is)<meta\s[^>]*>`)
	metaNamePattern  = regexp.MustCompile(`(?i)(?:name|property)\s*=\s*["']([^"']+)["']`)
	metaValuePattern = regexp.MustCompile(`(?i)content\s*=\s*["']([^"']*)["']`)
)

func extractURLs(text string, limit int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, u := range urlPattern.FindAllString(text, -1) {
		u = strings.TrimRight(u, ".,;:!?)]}")
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
		if len(out) == limit {
			break
		}
	}
	return out
}

// parsePreview prefers Open Graph tags and falls back to <title> and the
// description meta tag.
func parsePreview(doc string) (title, desc string) {
	meta := make(map[string]string)
	for _, tag := range metaTagPattern.FindAllString(doc, -1) {
		name := metaNamePattern.FindStringSubmatch(tag)
		value := metaValuePattern.FindStringSubmatch(tag)
		if name == nil || value == nil {
			continue
		}
		key := strings.ToLower(name[1])
		if _, ok := meta[key]; !ok {
			meta[key] = value[1]
		}
	}
	title = meta["og:title"]
	if title == "" {
		if mt := titlePattern.FindStringSubmatch(doc); mt != nil {
			title = mt[1]
		}
	}
	desc = meta["og:description"]
	if desc == "" {
		desc = meta["description"]
	}
	return cleanPreview(title, 200), cleanPreview(desc, 300)
}

func cleanPreview(s string, max int) string {
	s = strings.Join(strings.Fields(html.UnescapeString(s)), " ")
	if r := []rune(s); len(r) > max {
		s = string(r[:max]) + "..."
	}
	return s
}

// inferImageMime returns the MIME type for supported image extensions, or "" if not an image.
func inferImageMime(path string) string {
	if u, err := url.Parse(path); err == nil && u.Scheme != "" {
		path = u.Path
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".bmp":
		return "image/bmp"
	default:
		return ""
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown type"
	}
	return s
}
