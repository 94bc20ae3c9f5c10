// Package middleware talks to the 5G-ERA middleware gateway: login,
// task plan deployment, resource readiness and teardown. The gateway
// deploys the NetApp; the client package then connects to it directly.
package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Kapim/era-5g-client/core/logx"
	"github.com/Kapim/era-5g-client/core/secret"
)

// DefaultNetAppPort is assumed when a deployed service URL carries no
// explicit port.
const DefaultNetAppPort = 5896

// ErrTokenExpired is returned when an authorized call is rejected with
// 401 after a successful login.
var ErrTokenExpired = errors.New("middleware token expired")

// APIError is a non-2xx gateway response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("middleware returned %d: %s", e.Status, e.Body)
}

// Config holds gateway connection settings.
type Config struct {
	// Address is the gateway host, with or without scheme.
	Address  string
	User     string
	Password string
	// PollInterval paces readiness polling. Default 1s.
	PollInterval time.Duration
	// HTTPTimeout bounds individual gateway calls. Default 10s.
	HTTPTimeout time.Duration
}

// Client is the gateway HTTP client. Login stores the bearer token
// used by all subsequent calls.
type Client struct {
	cfg  Config
	base string
	http *http.Client

	mu    sync.RWMutex
	token string
}

// Plan is a deployed task plan.
type Plan struct {
	ActionPlanID   string
	ActionSequence []Action
}

// Action is one step of a plan's action sequence.
type Action struct {
	ID       string    `json:"Id"`
	Services []Service `json:"Services"`
}

// Service is one deployed service of an action.
type Service struct {
	Status string `json:"serviceStatus"`
	URL    string `json:"serviceUrl"`
}

// Active reports whether the service is deployed and running.
func (s Service) Active() bool { return s.Status == "Active" }

// New creates a gateway client. The address must be non-empty.
func New(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("middleware address is empty")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	base := strings.TrimSuffix(cfg.Address, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		cfg:  cfg,
		base: base,
		http: &http.Client{Timeout: cfg.HTTPTimeout},
	}, nil
}

// Token returns the bearer token from the last successful login.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Login authenticates against the gateway and stores the token.
func (c *Client) Login(ctx context.Context) error {
	logx.Log.Debug().Str("gateway", c.base).Str("user", c.cfg.User).
		Str("password", secret.Mask(c.cfg.Password)).Msg("logging into middleware")
	body, _ := json.Marshal(map[string]string{"Id": c.cfg.User, "Password": c.cfg.Password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/Login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("middleware login: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return newAPIError(resp)
	}

	var v struct {
		Token  string          `json:"token"`
		Errors json.RawMessage `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return fmt.Errorf("middleware login: decode response: %w", err)
	}
	if len(v.Errors) > 0 && string(v.Errors) != "null" {
		return fmt.Errorf("middleware login rejected: %s", v.Errors)
	}
	if v.Token == "" {
		return fmt.Errorf("middleware login: empty token")
	}

	c.mu.Lock()
	c.token = v.Token
	c.mu.Unlock()
	logx.Log.Info().Str("gateway", c.base).Msg("logged into middleware")
	return nil
}

// GetPlan asks the gateway to deploy the task and returns the plan.
func (c *Client) GetPlan(ctx context.Context, taskID string, resourceLock bool) (*Plan, error) {
	body, _ := json.Marshal(map[string]any{"TaskId": taskID, "LockResourceReUse": resourceLock})
	resp, err := c.authorized(ctx, http.MethodPost, "/Task/Plan", body)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var v struct {
		StatusCode     int      `json:"statusCode"`
		Message        string   `json:"message"`
		ActionPlanID   string   `json:"ActionPlanId"`
		ActionSequence []Action `json:"ActionSequence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("middleware plan: decode response: %w", err)
	}
	// The gateway reports some failures inside a 200 body.
	if v.StatusCode >= 400 {
		return nil, fmt.Errorf("middleware plan rejected (%d): %s", v.StatusCode, v.Message)
	}
	if v.ActionPlanID == "" {
		return nil, fmt.Errorf("middleware plan: response has no ActionPlanId")
	}

	logx.Log.Info().Str("action_plan_id", v.ActionPlanID).
		Int("actions", len(v.ActionSequence)).Msg("received task plan")
	return &Plan{ActionPlanID: v.ActionPlanID, ActionSequence: v.ActionSequence}, nil
}

// PlanStatus fetches the orchestration state of a deployed plan.
func (c *Client) PlanStatus(ctx context.Context, planID string) ([]Action, error) {
	resp, err := c.authorized(ctx, http.MethodGet, "/orchestrate/orchestrate/plan/"+planID, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var v struct {
		ActionSequence []Action `json:"actionSequence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("middleware plan status: decode response: %w", err)
	}
	return v.ActionSequence, nil
}

// WaitUntilReady polls the plan until every service reports Active and
// returns the address of the first one. Cancel or deadline the context
// to bound the wait.
func (c *Client) WaitUntilReady(ctx context.Context, planID string) (string, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		actions, err := c.PlanStatus(ctx, planID)
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				return "", err
			}
			logx.Log.Warn().Err(err).Msg("plan status poll failed")
		} else if url, ok := readyURL(actions); ok {
			return url, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("netapp not ready: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// RemoveResources tears down a deployed plan. Calling it without a
// token or plan is a no-op, so it is safe in cleanup paths.
func (c *Client) RemoveResources(ctx context.Context, planID string) error {
	if c.Token() == "" || planID == "" {
		return nil
	}
	resp, err := c.authorized(ctx, http.MethodDelete, "/orchestrate/orchestrate/plan/"+planID, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if err := checkStatus(resp); err != nil {
		return err
	}
	logx.Log.Info().Str("action_plan_id", planID).Msg("middleware resources removed")
	return nil
}

// NetAppAddress normalizes a deployed service URL into host:port,
// appending the default NetApp port when the URL has none.
func NetAppAddress(serviceURL string) string {
	addr := serviceURL
	if i := strings.Index(addr, "://"); i >= 0 {
		addr = addr[i+3:]
	}
	addr = strings.TrimSuffix(addr, "/")
	if !strings.Contains(addr, ":") {
		addr = fmt.Sprintf("%s:%d", addr, DefaultNetAppPort)
	}
	return addr
}

func (c *Client) authorized(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.Token())
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("middleware request %s %s: %w", method, path, err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%s: %w", resp.Request.URL.Path, ErrTokenExpired)
	}
	if resp.StatusCode >= 400 {
		return newAPIError(resp)
	}
	return nil
}

func newAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}

func readyURL(actions []Action) (string, bool) {
	url := ""
	seen := false
	for _, a := range actions {
		for _, s := range a.Services {
			seen = true
			if !s.Active() {
				return "", false
			}
			if url == "" {
				url = s.URL
			}
		}
	}
	if !seen || url == "" {
		return "", false
	}
	return url, true
}
