// Package runner implements the in-container agent HTTP server. It runs
// inside a workspace container next to the editor and the VSCode bridge,
// drives agent runs against the model provider, and forwards tool commands
// to the bridge after validating them.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

// bridgeTimeout bounds one bridge round trip.
const bridgeTimeout = 30 * time.Second

// commandWhitelist lists the binaries runCommand may invoke. Matching is on
// the first token only.
var commandWhitelist = map[string]struct{}{
	"ls": {}, "cat": {}, "echo": {}, "pwd": {}, "cd": {},
	"git": {}, "npm": {}, "bun": {}, "pnpm": {}, "yarn": {},
	"python": {}, "python3": {}, "node": {}, "rustc": {}, "cargo": {},
	"go": {}, "make": {}, "mkdir": {}, "touch": {}, "rm": {},
	"cp": {}, "mv": {}, "grep": {}, "find": {}, "test": {},
	"jest": {}, "vitest": {},
}

// pathPayloadKeys are the payload fields that carry filesystem paths and
// must stay inside the workspace.
var pathPayloadKeys = []string{"path", "directory", "filePath"}

// BridgeRequest is the envelope forwarded to the VSCode bridge.
type BridgeRequest struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// BridgeClient talks to the in-container VSCode bridge over its HTTP
// endpoint.
type BridgeClient struct {
	baseURL string
	client  *http.Client
}

// NewBridgeClient creates a bridge client for the given base URL.
func NewBridgeClient(baseURL string) *BridgeClient {
	return &BridgeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: bridgeTimeout},
	}
}

// Forward posts a request envelope to a bridge path and returns the raw
// reply body.
func (b *BridgeClient) Forward(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build bridge request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach bridge: %w", err)
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read bridge reply: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("bridge returned status %d: %s", resp.StatusCode, reply)
	}
	return reply, nil
}

// AllowedCommand reports whether a shell command's first token is
// whitelisted.
func AllowedCommand(command string) bool {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	_, ok := commandWhitelist[fields[0]]
	return ok
}

// ContainedPath resolves a payload path against the workspace directory and
// reports whether it stays inside it.
func ContainedPath(workspaceDir, p string) (string, bool) {
	resolved := p
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(workspaceDir, resolved)
	}
	resolved = filepath.Clean(resolved)

	root := filepath.Clean(workspaceDir)
	if resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return resolved, true
	}
	return resolved, false
}

// validateBridgeRequest enforces the command whitelist and workspace path
// containment before a request is forwarded.
func validateBridgeRequest(workspaceDir string, req *BridgeRequest) error {
	if req.Type == "runCommand" {
		command, _ := req.Payload["command"].(string)
		if !AllowedCommand(command) {
			return fmt.Errorf("Command not allowed")
		}
	}
	for _, key := range pathPayloadKeys {
		raw, ok := req.Payload[key]
		if !ok {
			continue
		}
		p, ok := raw.(string)
		if !ok || p == "" {
			continue
		}
		if _, inside := ContainedPath(workspaceDir, p); !inside {
			return fmt.Errorf("path %q escapes the workspace", p)
		}
	}
	return nil
}

// decodeBridgeRequest parses a request envelope, keeping the raw body for
// forwarding.
func decodeBridgeRequest(body []byte) (*BridgeRequest, error) {
	var req BridgeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid bridge request: %w", err)
	}
	return &req, nil
}
