package mcp

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/clawlane/internal/tools"
)

type fakeCaller struct {
	gotName string
	gotArgs interface{}
	result  *mcpgo.CallToolResult
	err     error
}

func (f *fakeCaller) CallTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	f.gotName = req.Params.Name
	f.gotArgs = req.Params.Arguments
	return f.result, f.err
}

func newTool(name string) mcpgo.Tool {
	return mcpgo.Tool{
		Name:        name,
		Description: "search docs",
		InputSchema: mcpgo.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{"q": map[string]interface{}{"type": "string"}},
			Required:   []string{"q"},
		},
	}
}

func TestBridgeToolExecute(t *testing.T) {
	caller := &fakeCaller{result: &mcpgo.CallToolResult{
		Content: []mcpgo.Content{mcpgo.TextContent{Type: "text", Text: "line1"}, mcpgo.TextContent{Type: "text", Text: "line2"}},
	}}
	var connected atomic.Bool
	connected.Store(true)

	bt := NewBridgeTool("docs", newTool("search"), caller, "", 5, &connected)
	if bt.Name() != "docs__search" || bt.OriginalName() != "search" {
		t.Errorf("names = %q/%q", bt.Name(), bt.OriginalName())
	}
	if props, ok := bt.Parameters()["properties"].(map[string]interface{}); !ok || props["q"] == nil {
		t.Errorf("Parameters() = %v", bt.Parameters())
	}

	res := bt.Execute(context.Background(), map[string]interface{}{"q": "lanes"})
	if res.IsError || res.ForLLM != "line1\nline2" {
		t.Errorf("result = %+v", res)
	}
	if caller.gotName != "search" {
		t.Errorf("called %q, want search", caller.gotName)
	}
}

func TestBridgeToolErrors(t *testing.T) {
	var connected atomic.Bool
	connected.Store(true)

	tests := []struct {
		name   string
		caller *fakeCaller
		down   bool
		want   string
	}{
		{"call error", &fakeCaller{err: errors.New("pipe closed")}, false, "pipe closed"},
		{"tool error", &fakeCaller{result: &mcpgo.CallToolResult{IsError: true, Content: []mcpgo.Content{mcpgo.TextContent{Type: "text", Text: "bad q"}}}}, false, "bad q"},
		{"disconnected", &fakeCaller{}, true, "disconnected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			connected.Store(!tt.down)
			bt := NewBridgeTool("docs", newTool("search"), tt.caller, "d_", 5, &connected)
			res := bt.Execute(context.Background(), nil)
			if !res.IsError || !strings.Contains(res.ForLLM, tt.want) {
				t.Errorf("result = %+v, want error containing %q", res, tt.want)
			}
		})
	}
}

func TestFilterRegistered(t *testing.T) {
	reg := tools.NewRegistry()
	var names []string
	for _, n := range []string{"read", "write", "delete"} {
		bt := NewBridgeTool("fs", newTool(n), &fakeCaller{}, "", 5, nil)
		if n == "delete" {
			reg.Register(&tools.FireAndForget{Tool: bt})
		} else {
			reg.Register(bt)
		}
		names = append(names, bt.Name())
	}

	kept := filterRegistered(reg, names, []string{"read", "delete"}, []string{"delete"})
	if len(kept) != 1 || kept[0] != "fs__read" {
		t.Errorf("kept = %v, want [fs__read]", kept)
	}
	if got := strings.Join(reg.List(), ","); got != "fs__read" {
		t.Errorf("registry = %s", got)
	}
}

func TestSanitizeToolName(t *testing.T) {
	if got := sanitizeToolName("my server.tool/x"); got != "my_server_tool_x" {
		t.Errorf("sanitizeToolName = %q", got)
	}
}
