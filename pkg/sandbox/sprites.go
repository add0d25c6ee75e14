package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/choiros/choird/pkg/config"
)

// DefaultSpritesBaseURL is the hosted sprites.dev API.
const DefaultSpritesBaseURL = "https://api.sprites.dev"

// APIError is a non-2xx response from the sprites API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sprites API error %d: %s", e.StatusCode, e.Body)
}

// SpritesProvider drives remote sandboxes through the sprites.dev REST API.
// The sprite name is the workspace id, so re-creating a sandbox for the same
// workspace reattaches to the same sprite.
type SpritesProvider struct {
	baseURL string
	token   string
	client  *http.Client
	cfg     config.SpritesConfig

	mu         sync.Mutex
	spriteURLs map[string]string
}

// NewSpritesProvider builds a provider from configuration. An empty base
// URL falls back to the hosted API.
func NewSpritesProvider(cfg config.SpritesConfig) *SpritesProvider {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultSpritesBaseURL
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &SpritesProvider{
		baseURL:    base,
		token:      cfg.Token,
		client:     &http.Client{Timeout: timeout},
		cfg:        cfg,
		spriteURLs: make(map[string]string),
	}
}

func (p *SpritesProvider) request(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sprites API request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(out)}
	}
	return out, nil
}

func (p *SpritesProvider) requestJSON(ctx context.Context, method, path string, payload any) (map[string]any, error) {
	raw, err := p.request(ctx, method, path, payload)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"raw": string(raw)}, nil
	}
	return out, nil
}

func spriteName(handle *Handle) string {
	return handle.Config.WorkspaceID
}

func (p *SpritesProvider) Create(ctx context.Context, cfg Config) (*Handle, error) {
	authMode := p.cfg.URLAuthMode
	if authMode == "" {
		authMode = "sprite"
	}
	resp, err := p.requestJSON(ctx, http.MethodPost, "/v1/sprites", map[string]any{
		"name":         cfg.WorkspaceID,
		"url_settings": map[string]any{"auth": authMode},
	})
	if err != nil {
		return nil, err
	}

	if u := extractString(resp, "url", "sprite_url", "endpoint"); u != "" {
		p.mu.Lock()
		p.spriteURLs[cfg.WorkspaceID] = u
		p.mu.Unlock()
	}
	return &Handle{SandboxID: cfg.WorkspaceID, Config: cfg}, nil
}

func (p *SpritesProvider) Destroy(ctx context.Context, handle *Handle) error {
	if handle == nil {
		return nil
	}
	_, err := p.request(ctx, http.MethodDelete, "/v1/sprites/"+spriteName(handle), nil)
	var apiErr *APIError
	if err != nil && errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

// checkpointIDPattern matches sprite checkpoint ids (v1, v2, ...) embedded
// in the streamed progress output.
var checkpointIDPattern = regexp.MustCompile(`v\d+`)

func (p *SpritesProvider) Checkpoint(ctx context.Context, handle *Handle, label string) (*Checkpoint, error) {
	var payload any
	if label != "" {
		payload = map[string]any{"comment": label}
	}
	raw, err := p.request(ctx, http.MethodPost, "/v1/sprites/"+spriteName(handle)+"/checkpoint", payload)
	if err != nil {
		return nil, err
	}

	id := extractCheckpointID(string(raw))
	if id == "" {
		// The streamed response did not carry the id; ask the list endpoint.
		listRaw, lerr := p.request(ctx, http.MethodGet, "/v1/sprites/"+spriteName(handle)+"/checkpoints", nil)
		if lerr != nil {
			return nil, lerr
		}
		var list []map[string]any
		if jerr := json.Unmarshal(listRaw, &list); jerr == nil && len(list) > 0 {
			id = extractString(list[len(list)-1], "id", "checkpoint_id")
		}
	}
	if id == "" {
		return nil, fmt.Errorf("sprites checkpoint did not return a checkpoint id")
	}
	return &Checkpoint{CheckpointID: id, CreatedAt: time.Now().UTC(), Label: label}, nil
}

func (p *SpritesProvider) Restore(ctx context.Context, handle *Handle, checkpointID string) error {
	_, err := p.request(ctx, http.MethodPost,
		"/v1/sprites/"+spriteName(handle)+"/checkpoints/"+checkpointID+"/restore", nil)
	var apiErr *APIError
	if err != nil && errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrUnknownCheckpoint, checkpointID)
	}
	return err
}

func (p *SpritesProvider) execQuery(cmd Command, background bool) url.Values {
	params := url.Values{}
	for _, arg := range cmd.Argv {
		params.Add("cmd", arg)
	}
	if cwd := commandCwd(cmd); cwd != "" {
		params.Add("dir", cwd)
	}
	for k, v := range cmd.Env {
		params.Add("env", k+"="+v)
	}
	if background {
		maxRun := p.cfg.MaxRunAfterDisconnect
		if maxRun <= 0 {
			maxRun = 3600
		}
		params.Add("max_run_after_disconnect", strconv.Itoa(maxRun))
		params.Add("tty", "true")
	}
	return params
}

func (p *SpritesProvider) Run(ctx context.Context, cmd Command) (*Result, error) {
	if cmd.Sandbox == nil {
		return nil, fmt.Errorf("sprites provider requires a sandbox handle on the command")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if cmd.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	path := "/v1/sprites/" + spriteName(cmd.Sandbox) + "/exec?" + p.execQuery(cmd, false).Encode()
	resp, err := p.requestJSON(runCtx, http.MethodPost, path, nil)
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return &Result{ReturnCode: TimeoutReturnCode, Stderr: "\nTIMEOUT", TimedOut: true}, nil
		}
		return nil, err
	}

	return &Result{
		ReturnCode: extractInt(resp, 1, "exit_code", "return_code", "code"),
		Stdout:     extractString(resp, "stdout"),
		Stderr:     extractString(resp, "stderr"),
		TimedOut:   extractBool(resp, "timed_out"),
	}, nil
}

// StartProcess opens the WebSocket exec channel and waits for the
// session_info message carrying the session id; the sprite keeps the
// process running after we disconnect.
func (p *SpritesProvider) StartProcess(ctx context.Context, cmd Command) (*Process, error) {
	if cmd.Sandbox == nil {
		return nil, fmt.Errorf("sprites provider requires a sandbox handle on the command")
	}
	if !p.cfg.WSExec {
		return nil, fmt.Errorf("%w: background exec requires ws_exec", ErrUnsupported)
	}

	wsBase := strings.Replace(strings.Replace(p.baseURL, "https://", "wss://", 1), "http://", "ws://", 1)
	wsURL := wsBase + "/v1/sprites/" + spriteName(cmd.Sandbox) + "/exec?" + p.execQuery(cmd, true).Encode()

	header := http.Header{}
	if p.token != "" {
		header.Set("Authorization", "Bearer "+p.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to open exec channel: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("failed to read exec session info: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var msg struct {
			Type      string `json:"type"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "session_info" && msg.SessionID != "" {
			return &Process{ProcessID: msg.SessionID, Argv: cmd.Argv, Cwd: commandCwd(cmd)}, nil
		}
	}
}

func (p *SpritesProvider) StopProcess(ctx context.Context, handle *Handle, processID string) error {
	_, err := p.request(ctx, http.MethodPost,
		"/v1/sprites/"+spriteName(handle)+"/exec/"+processID+"/kill", nil)
	return err
}

func (p *SpritesProvider) OpenProxy(ctx context.Context, handle *Handle, port int) (*Proxy, error) {
	name := spriteName(handle)

	p.mu.Lock()
	cached, ok := p.spriteURLs[name]
	p.mu.Unlock()
	if ok {
		return &Proxy{URL: cached, Port: port}, nil
	}

	resp, err := p.requestJSON(ctx, http.MethodGet, "/v1/sprites/"+name, nil)
	if err != nil {
		return nil, err
	}
	u := extractString(resp, "url", "sprite_url", "endpoint")
	if u == "" {
		return nil, fmt.Errorf("sprite info did not return a URL")
	}

	p.mu.Lock()
	p.spriteURLs[name] = u
	p.mu.Unlock()
	return &Proxy{URL: u, Port: port}, nil
}

// extractCheckpointID scans the line-delimited JSON progress stream for the
// first data field containing a version id.
func extractCheckpointID(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if data, ok := msg["data"].(string); ok {
			if id := checkpointIDPattern.FindString(data); id != "" {
				return id
			}
		}
	}
	return ""
}

func extractString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func extractInt(m map[string]any, fallback int, keys ...string) int {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return int(v)
		case int:
			return v
		}
	}
	return fallback
}

func extractBool(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}
