// Package podapi implements the sandbox Provider against the remote
// pod-host HTTP API.
package podapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spindle-dev/spindle/internal/sandbox"
)

// ProviderName is the registered name of this provider.
const ProviderName = "podapi"

const defaultTimeout = 60 * time.Second

// Client is the pod-host HTTP provider.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a pod-host client for the given base URL and bearer token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
	}
}

// Name implements sandbox.Provider.
func (c *Client) Name() string { return ProviderName }

type podResponse struct {
	ID    string `json:"id"`
	State string `json:"state"` // "running", "stopped"
}

type createRequest struct {
	Repo       string            `json:"repo"`
	Branch     string            `json:"branch"`
	BaseBranch string            `json:"base_branch"`
	Env        map[string]string `json:"env,omitempty"`
}

// Create provisions a new pod for the spec.
func (c *Client) Create(ctx context.Context, spec sandbox.Spec) (*sandbox.Session, error) {
	body := createRequest{
		Repo:       spec.Repo,
		Branch:     spec.Branch,
		BaseBranch: spec.BaseBranch,
		Env:        spec.Env,
	}
	var pod podResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/pods", body, &pod); err != nil {
		return nil, fmt.Errorf("podapi: create: %w", err)
	}
	return &sandbox.Session{Provider: ProviderName, SandboxID: pod.ID}, nil
}

// Resume starts a stopped pod. Already-running pods return successfully;
// missing pods surface sandbox.ErrNotFound.
func (c *Client) Resume(ctx context.Context, sandboxID string) (*sandbox.Session, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/pods/"+sandboxID+"/resume", nil)
	if err != nil {
		return nil, fmt.Errorf("podapi: resume %s: %w", sandboxID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusConflict: // 409: already running
		return &sandbox.Session{Provider: ProviderName, SandboxID: sandboxID}, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("podapi: resume %s: %w", sandboxID, sandbox.ErrNotFound)
	default:
		return nil, fmt.Errorf("podapi: resume %s: unexpected status %d", sandboxID, resp.StatusCode)
	}
}

// GetOrNull implements sandbox.Provider.
func (c *Client) GetOrNull(ctx context.Context, sandboxID string) (*sandbox.Session, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/pods/"+sandboxID, nil)
	if err != nil {
		return nil, fmt.Errorf("podapi: get %s: %w", sandboxID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return &sandbox.Session{Provider: ProviderName, SandboxID: sandboxID}, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("podapi: get %s: unexpected status %d", sandboxID, resp.StatusCode)
	}
}

type execRequest struct {
	Cmd []string `json:"cmd"`
}

// Exec runs cmd in the pod and returns the chunked output stream.
func (c *Client) Exec(ctx context.Context, session *sandbox.Session, cmd []string) (io.ReadCloser, error) {
	payload, err := json.Marshal(execRequest{Cmd: cmd})
	if err != nil {
		return nil, fmt.Errorf("podapi: marshal exec request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/pods/"+session.SandboxID+"/exec", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("podapi: exec request: %w", err)
	}
	c.auth(req)
	req.Header.Set("Content-Type", "application/json")

	// No client timeout here: exec streams for the life of the agent run
	// and is bounded by ctx instead.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, fmt.Errorf("podapi: exec in %s: %w", session.SandboxID, err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("podapi: exec in %s: %w", session.SandboxID, sandbox.ErrNotFound)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("podapi: exec in %s: unexpected status %d", session.SandboxID, resp.StatusCode)
	}
}

// Hibernate stops the pod, preserving its filesystem for a later resume.
func (c *Client) Hibernate(ctx context.Context, session *sandbox.Session) error {
	resp, err := c.do(ctx, http.MethodPost, "/v1/pods/"+session.SandboxID+"/hibernate", nil)
	if err != nil {
		return fmt.Errorf("podapi: hibernate %s: %w", session.SandboxID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusConflict: // 409: already stopped
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("podapi: hibernate %s: %w", session.SandboxID, sandbox.ErrNotFound)
	default:
		return fmt.Errorf("podapi: hibernate %s: unexpected status %d", session.SandboxID, resp.StatusCode)
	}
}

// Destroy deletes the pod and its filesystem.
func (c *Client) Destroy(ctx context.Context, session *sandbox.Session) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/pods/"+session.SandboxID, nil)
	if err != nil {
		return fmt.Errorf("podapi: destroy %s: %w", session.SandboxID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("podapi: destroy %s: unexpected status %d", session.SandboxID, resp.StatusCode)
	}
}

func (c *Client) auth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	c.auth(req)
	return c.http.Do(req)
}

// doJSON sends a JSON body and decodes a JSON response, expecting 2xx.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	c.auth(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
