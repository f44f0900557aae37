package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/clawlane/internal/tools"
)

// toolCaller is the part of the MCP client a bridge tool needs.
type toolCaller interface {
	CallTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error)
}

// BridgeTool exposes one MCP server tool as a tools.Tool.
type BridgeTool struct {
	server       string
	originalName string
	name         string
	description  string
	params       map[string]interface{}
	client       toolCaller
	timeout      time.Duration
	connected    *atomic.Bool
}

// NewBridgeTool wraps an MCP tool. The registered name is prefix + original
// name; without a prefix it is "<server>__<tool>".
func NewBridgeTool(server string, t mcpgo.Tool, client toolCaller, prefix string, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	name := t.Name
	if prefix != "" {
		name = prefix + t.Name
	} else {
		name = server + "__" + t.Name
	}
	return &BridgeTool{
		server:       server,
		originalName: t.Name,
		name:         sanitizeToolName(name),
		description:  t.Description,
		params:       schemaOf(t),
		client:       client,
		timeout:      time.Duration(timeoutSec) * time.Second,
		connected:    connected,
	}
}

func (b *BridgeTool) Name() string                       { return b.name }
func (b *BridgeTool) OriginalName() string               { return b.originalName }
func (b *BridgeTool) Description() string                { return b.description }
func (b *BridgeTool) Parameters() map[string]interface{} { return b.params }

func (b *BridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if b.connected != nil && !b.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("MCP server %q is disconnected", b.server))
	}
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.originalName
	req.Params.Arguments = args

	res, err := b.client.CallTool(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return tools.ErrorResult(fmt.Sprintf("MCP tool %s timed out after %s", b.originalName, b.timeout)).WithError(err)
		}
		return tools.ErrorResult(fmt.Sprintf("MCP tool %s failed: %v", b.originalName, err)).WithError(err)
	}

	text := contentText(res.Content)
	if res.IsError {
		return tools.ErrorResult(text)
	}
	return tools.MediaResult(text)
}

// contentText flattens MCP content items into text for the model.
func contentText(items []mcpgo.Content) string {
	var parts []string
	for _, c := range items {
		switch v := c.(type) {
		case mcpgo.TextContent:
			parts = append(parts, v.Text)
		case *mcpgo.TextContent:
			parts = append(parts, v.Text)
		case mcpgo.ImageContent:
			parts = append(parts, fmt.Sprintf("[image %s, %d bytes base64]", v.MIMEType, len(v.Data)))
		default:
			if b, err := json.Marshal(c); err == nil {
				parts = append(parts, string(b))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// schemaOf converts the tool's input schema into a plain JSON schema map.
func schemaOf(t mcpgo.Tool) map[string]interface{} {
	var raw []byte
	if len(t.RawInputSchema) > 0 {
		raw = t.RawInputSchema
	} else if b, err := json.Marshal(t.InputSchema); err == nil {
		raw = b
	}
	out := map[string]interface{}{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if _, ok := out["properties"]; !ok {
		out["properties"] = map[string]interface{}{}
	}
	return out
}

// sanitizeToolName keeps names within the charset providers accept.
func sanitizeToolName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}
