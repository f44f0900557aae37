package telegram

import (
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mymmrac/telego"
)

const (
	// defaultMediaMaxBytes is the Bot API download limit (20MB).
	defaultMediaMaxBytes int64 = 20 * 1024 * 1024

	downloadMaxRetries = 3

	// docMaxChars is the max characters kept from an extracted text document.
	docMaxChars = 200_000
)

// MediaInfo contains information about a downloaded media file.
type MediaInfo struct {
	Type        string // "image", "video", "audio", "voice", "document", "animation"
	FilePath    string // local file path after download
	FileID      string
	ContentType string
	FileName    string
	FileSize    int64
}

// resolveMedia downloads the media attached to msg. Video and animations are
// tagged but not downloaded; the agent cannot look at them.
func (c *Channel) resolveMedia(ctx context.Context, msg *telego.Message) []MediaInfo {
	var results []MediaInfo

	download := func(kind, fileID, mime, name string, size int64) {
		path, err := c.downloadMedia(ctx, fileID, defaultMediaMaxBytes)
		if err != nil {
			slog.Warn("failed to download telegram media", "type", kind, "file_id", fileID, "error", err)
			return
		}
		results = append(results, MediaInfo{
			Type: kind, FilePath: path, FileID: fileID,
			ContentType: mime, FileName: name, FileSize: size,
		})
	}

	// Photo sizes are ascending; the last is the largest.
	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		download("image", photo.FileID, "image/jpeg", "", int64(photo.FileSize))
	}
	if msg.Video != nil {
		results = append(results, MediaInfo{Type: "video", FileID: msg.Video.FileID, ContentType: msg.Video.MimeType, FileName: msg.Video.FileName})
	}
	if msg.VideoNote != nil {
		results = append(results, MediaInfo{Type: "video", FileID: msg.VideoNote.FileID, ContentType: "video/mp4"})
	}
	if msg.Animation != nil {
		results = append(results, MediaInfo{Type: "animation", FileID: msg.Animation.FileID, ContentType: msg.Animation.MimeType})
	}
	if msg.Audio != nil {
		download("audio", msg.Audio.FileID, msg.Audio.MimeType, msg.Audio.FileName, int64(msg.Audio.FileSize))
	}
	if msg.Voice != nil {
		download("voice", msg.Voice.FileID, msg.Voice.MimeType, "", int64(msg.Voice.FileSize))
	}
	if msg.Document != nil {
		download("document", msg.Document.FileID, msg.Document.MimeType, msg.Document.FileName, int64(msg.Document.FileSize))
	}

	return results
}

// downloadMedia downloads a file from Telegram by file_id with retry logic.
// Returns the local file path.
func (c *Channel) downloadMedia(ctx context.Context, fileID string, maxBytes int64) (string, error) {
	var file *telego.File
	var err error

	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("get file info after %d attempts: %w", downloadMaxRetries, err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("empty file path for file_id %s", fileID)
	}
	if int64(file.FileSize) > maxBytes {
		return "", fmt.Errorf("file too large: %d bytes (max %d)", file.FileSize, maxBytes)
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.config.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The URL embeds the bot token; do not let it reach logs.
		return "", fmt.Errorf("download file %s: request failed", fileID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".bin"
	}
	tmpFile, err := os.CreateTemp("", "clawlane_media_*"+ext)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer tmpFile.Close()

	written, err := io.Copy(tmpFile, io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("save file: %w", err)
	}
	if written > maxBytes {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("file exceeds max size during download: %d bytes", written)
	}
	return tmpFile.Name(), nil
}

// buildMediaTags generates placeholder tags for media items.
func buildMediaTags(mediaList []MediaInfo) string {
	var tags []string
	for _, m := range mediaList {
		switch m.Type {
		case "image":
			tags = append(tags, "<media:image>")
		case "video", "animation":
			tags = append(tags, "<media:video>")
		case "audio":
			tags = append(tags, "<media:audio>")
		case "voice":
			tags = append(tags, "<media:voice>")
		case "document":
			tags = append(tags, "<media:document>")
		}
	}
	return strings.Join(tags, "\n")
}

// textExtensions maps file extensions to MIME types for text files we can extract.
var textExtensions = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".csv":  "text/csv",
	".tsv":  "text/tab-separated-values",
	".json": "application/json",
	".yaml": "text/yaml",
	".yml":  "text/yaml",
	".xml":  "text/xml",
	".log":  "text/plain",
	".ini":  "text/plain",
	".toml": "text/x-toml",
	".sh":   "text/x-shellscript",
	".py":   "text/x-python",
	".go":   "text/x-go",
	".js":   "text/javascript",
	".ts":   "text/typescript",
	".html": "text/html",
	".css":  "text/css",
	".sql":  "text/x-sql",
	".rs":   "text/x-rust",
	".java": "text/x-java",
	".c":    "text/x-c",
	".h":    "text/x-c",
}

// extractDocumentContent reads a text document and wraps it in a <file>
// block. Binary formats produce a placeholder.
func extractDocumentContent(filePath, fileName string) (string, error) {
	if filePath == "" {
		return fmt.Sprintf("[File: %s: download failed]", fileName), nil
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	mime, isText := textExtensions[ext]
	if !isText {
		return fmt.Sprintf("[File: %s: binary format not supported, only text files can be processed]", fileName), nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("read file %s: %w", fileName, err)
	}
	content := string(data)
	if r := []rune(content); len(r) > docMaxChars {
		content = string(r[:docMaxChars]) + "\n... [truncated]"
	}

	return fmt.Sprintf("<file name=%q mime=%q>\n%s\n</file>", fileName, mime, html.EscapeString(content)), nil
}
