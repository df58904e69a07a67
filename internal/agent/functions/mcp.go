package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPSource exposes the tools of a Model Context Protocol server as function
// handlers. Tool names become function names verbatim.
type MCPSource struct {
	mu      sync.RWMutex
	session *mcpsdk.ClientSession
	names   map[string]struct{}
}

var _ Source = (*MCPSource)(nil)

// bearerTransport injects an Authorization header into every request.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(clone)
}

// NewMCPSource connects to the MCP server at url over streamable HTTP and
// imports its tool catalogue. token, when non-empty, is sent as a Bearer
// credential.
func NewMCPSource(ctx context.Context, url, token string) (*MCPSource, error) {
	if url == "" {
		return nil, errors.New("functions: mcp server url is empty")
	}

	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "coachflow", Version: "1.0.0"},
		nil,
	)
	transport := &mcpsdk.StreamableClientTransport{Endpoint: url}
	if token != "" {
		transport.HTTPClient = &http.Client{
			Transport: &bearerTransport{token: token, base: http.DefaultTransport},
		}
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("functions: connect to mcp server: %w", err)
	}

	names := make(map[string]struct{})
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("functions: list mcp tools: %w", err)
		}
		names[tool.Name] = struct{}{}
	}

	return &MCPSource{session: session, names: names}, nil
}

// Handler returns a handler that forwards the call to the MCP server.
func (s *MCPSource) Handler(name string) (Handler, bool) {
	s.mu.RLock()
	_, known := s.names[name]
	s.mu.RUnlock()
	if !known {
		return nil, false
	}

	return func(ctx context.Context, input json.RawMessage) (string, error) {
		var args map[string]any
		if len(input) > 0 && string(input) != "{}" && string(input) != "null" {
			if err := json.Unmarshal(input, &args); err != nil {
				return "", fmt.Errorf("functions: invalid input for tool %q: %w", name, err)
			}
		}

		result, err := s.session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      name,
			Arguments: args,
		})
		if err != nil {
			return "", fmt.Errorf("functions: call tool %q: %w", name, err)
		}

		var sb strings.Builder
		for _, c := range result.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if result.IsError {
			return "", fmt.Errorf("functions: tool %q reported: %s", name, sb.String())
		}
		return sb.String(), nil
	}, true
}

// Names returns the imported tool names.
func (s *MCPSource) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	return out
}

// Close terminates the server session.
func (s *MCPSource) Close() error {
	return s.session.Close()
}
