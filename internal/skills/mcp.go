package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	apperrors "github.com/openmates/core/internal/errors"
	"github.com/openmates/core/internal/logger"
)

// mcpTransport proxies skill elements to a remote MCP tool server. One
// transport (and one underlying session) exists per declared endpoint; the
// session is established lazily on the first call and re-established after
// failures.
type mcpTransport struct {
	endpoint string
	toolName string
	logger   *logger.Logger

	mu     sync.Mutex
	client *mcpclient.Client
}

func newMCPTransport(endpoint, toolName string, log *logger.Logger) *mcpTransport {
	return &mcpTransport{
		endpoint: endpoint,
		toolName: toolName,
		logger:   log.WithComponent("skills-mcp"),
	}
}

// session returns a connected, initialized client.
func (t *mcpTransport) session(ctx context.Context) (*mcpclient.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		return t.client, nil
	}

	c, err := mcpclient.NewStreamableHttpClient(t.endpoint)
	if err != nil {
		return nil, fmt.Errorf("create mcp client for %s: %w", t.endpoint, err)
	}

	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start mcp session for %s: %w", t.endpoint, err)
	}

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{
		Name:    "openmates-core",
		Version: "1.0.0",
	}

	if _, err := c.Initialize(ctx, initRequest); err != nil {
		c.Close()
		return nil, fmt.Errorf("initialize mcp session for %s: %w", t.endpoint, err)
	}

	t.logger.Info("mcp session established", "endpoint", t.endpoint, "tool", t.toolName)
	t.client = c
	return c, nil
}

// drop discards the cached session so the next call reconnects.
func (t *mcpTransport) drop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		t.client.Close()
		t.client = nil
	}
}

// call forwards one request element to the remote tool and returns the text
// contents as results. Remote output is externally produced content and goes
// through sanitization like any other fetched text.
func (t *mcpTransport) call(ctx context.Context, element json.RawMessage) ([]interface{}, error) {
	var args map[string]interface{}
	if err := json.Unmarshal(element, &args); err != nil {
		return nil, apperrors.E(apperrors.KindInvalidRequest, "Request element must be a JSON object", err)
	}

	client, err := t.session(ctx)
	if err != nil {
		return nil, apperrors.E(apperrors.KindInfrastructure, "Skill backend unreachable", err)
	}

	request := mcp.CallToolRequest{}
	request.Params.Name = t.toolName
	request.Params.Arguments = args

	result, err := client.CallTool(ctx, request)
	if err != nil {
		t.drop()
		return nil, apperrors.E(apperrors.KindInfrastructure, "Skill backend call failed", err)
	}

	texts := make([]interface{}, 0, len(result.Content))
	var remoteErr strings.Builder
	for _, content := range result.Content {
		tc, ok := mcp.AsTextContent(content)
		if !ok {
			continue
		}
		if result.IsError {
			remoteErr.WriteString(tc.Text)
			continue
		}

		cleaned, err := SanitizeContent(&tc.Text)
		if err != nil {
			return nil, err
		}
		texts = append(texts, cleaned)
	}

	if result.IsError {
		return nil, apperrors.E(apperrors.KindInfrastructure, "Skill backend reported an error",
			fmt.Errorf("%s: %s", t.toolName, remoteErr.String()))
	}

	return texts, nil
}
