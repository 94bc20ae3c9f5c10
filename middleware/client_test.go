package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// fakeGateway mimics the middleware gateway: login issues a token,
// plan deployment returns an action plan, and the orchestration
// endpoint reports services Active after a configurable number of
// polls.
type fakeGateway struct {
	mu          sync.Mutex
	token       string
	tokenValid  bool
	planID      string
	polls       int
	readyAfter  int
	serviceURL  string
	status      string
	deletedPlan string
}

func (g *fakeGateway) handler(t *testing.T) http.Handler {
	r := chi.NewRouter()

	r.Post("/Login", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			ID       string `json:"Id"`
			Password string `json:"Password"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Errorf("login body: %v", err)
		}
		if body.Password == "wrong" {
			writeJSON(w, map[string]any{"errors": []string{"invalid credentials"}})
			return
		}
		g.mu.Lock()
		token := uuid.NewString()
		g.token = token
		g.tokenValid = true
		g.mu.Unlock()
		writeJSON(w, map[string]string{"token": token})
	})

	r.Post("/Task/Plan", func(w http.ResponseWriter, req *http.Request) {
		if !g.authorized(req) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body struct {
			TaskID string `json:"TaskId"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		if body.TaskID == "unknown-task" {
			writeJSON(w, map[string]any{"statusCode": 500, "message": "no such task"})
			return
		}
		g.mu.Lock()
		g.planID = uuid.NewString()
		g.polls = 0
		planID := g.planID
		g.mu.Unlock()
		writeJSON(w, map[string]any{
			"ActionPlanId": planID,
			"ActionSequence": []map[string]any{
				{"Id": uuid.NewString(), "Services": []any{}},
			},
		})
	})

	r.Get("/orchestrate/orchestrate/plan/{planID}", func(w http.ResponseWriter, req *http.Request) {
		if !g.authorized(req) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		g.mu.Lock()
		g.polls++
		status := g.status
		if status == "" {
			status = "NotReady"
			if g.polls >= g.readyAfter {
				status = "Active"
			}
		}
		url := g.serviceURL
		g.mu.Unlock()
		writeJSON(w, map[string]any{
			"actionSequence": []map[string]any{
				{"Services": []map[string]string{{"serviceStatus": status, "serviceUrl": url}}},
			},
		})
	})

	r.Delete("/orchestrate/orchestrate/plan/{planID}", func(w http.ResponseWriter, req *http.Request) {
		if !g.authorized(req) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		g.mu.Lock()
		g.deletedPlan = chi.URLParam(req, "planID")
		g.mu.Unlock()
		writeJSON(w, map[string]any{})
	})

	return r
}

func (g *fakeGateway) authorized(req *http.Request) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tokenValid && req.Header.Get("Authorization") == "Bearer "+g.token
}

func (g *fakeGateway) invalidateToken() {
	g.mu.Lock()
	g.tokenValid = false
	g.mu.Unlock()
}

func (g *fakeGateway) setStatus(s string) {
	g.mu.Lock()
	g.status = s
	g.mu.Unlock()
}

func (g *fakeGateway) deleted() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.deletedPlan
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, g *fakeGateway) *Client {
	t.Helper()
	srv := httptest.NewServer(g.handler(t))
	t.Cleanup(srv.Close)
	c, err := New(Config{
		Address:      srv.URL,
		User:         uuid.NewString(),
		Password:     "secret",
		PollInterval: 10 * time.Millisecond,
		HTTPTimeout:  2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestGatewayFullFlow(t *testing.T) {
	gw := &fakeGateway{readyAfter: 3, serviceURL: "http://10.0.0.5"}
	c := newTestClient(t, gw)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Login(ctx); err != nil {
		t.Fatalf("login: %v", err)
	}
	if c.Token() == "" {
		t.Fatal("no token stored")
	}

	plan, err := c.GetPlan(ctx, uuid.NewString(), false)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if plan.ActionPlanID == "" {
		t.Fatal("plan has no id")
	}

	url, err := c.WaitUntilReady(ctx, plan.ActionPlanID)
	if err != nil {
		t.Fatalf("wait until ready: %v", err)
	}
	if url != "http://10.0.0.5" {
		t.Errorf("service url = %q", url)
	}
	if addr := NetAppAddress(url); addr != "10.0.0.5:5896" {
		t.Errorf("netapp address = %q", addr)
	}

	if err := c.RemoveResources(ctx, plan.ActionPlanID); err != nil {
		t.Fatalf("remove resources: %v", err)
	}
	if gw.deleted() != plan.ActionPlanID {
		t.Errorf("teardown hit plan %q, expected %q", gw.deleted(), plan.ActionPlanID)
	}
}

func TestLoginRejected(t *testing.T) {
	gw := &fakeGateway{}
	srv := httptest.NewServer(gw.handler(t))
	defer srv.Close()
	c, err := New(Config{Address: srv.URL, User: "u", Password: "wrong"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Login(context.Background()); err == nil {
		t.Fatal("expected login error")
	}
}

func TestExpiredTokenSurfaces(t *testing.T) {
	gw := &fakeGateway{readyAfter: 1, serviceURL: "http://10.0.0.5"}
	c := newTestClient(t, gw)
	ctx := context.Background()

	if err := c.Login(ctx); err != nil {
		t.Fatalf("login: %v", err)
	}
	gw.invalidateToken()

	_, err := c.GetPlan(ctx, uuid.NewString(), false)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestGetPlanBodyLevelFailure(t *testing.T) {
	gw := &fakeGateway{}
	c := newTestClient(t, gw)
	ctx := context.Background()

	if err := c.Login(ctx); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := c.GetPlan(ctx, "unknown-task", false); err == nil {
		t.Fatal("expected plan failure reported inside a 200 body")
	}
}

func TestWaitUntilReadyHonorsDeadline(t *testing.T) {
	gw := &fakeGateway{readyAfter: 1 << 30, serviceURL: "http://10.0.0.5"}
	c := newTestClient(t, gw)
	ctx := context.Background()

	if err := c.Login(ctx); err != nil {
		t.Fatalf("login: %v", err)
	}
	plan, err := c.GetPlan(ctx, uuid.NewString(), false)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := c.WaitUntilReady(waitCtx, plan.ActionPlanID); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestRemoveResourcesWithoutTokenIsNoop(t *testing.T) {
	gw := &fakeGateway{}
	c := newTestClient(t, gw)
	if err := c.RemoveResources(context.Background(), "some-plan"); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	if gw.deleted() != "" {
		t.Error("teardown reached the gateway without a token")
	}
}

func TestNetAppAddress(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"http://10.0.0.5", "10.0.0.5:5896"},
		{"http://netapp.example:8080", "netapp.example:8080"},
		{"netapp.example", "netapp.example:5896"},
		{"http://10.0.0.5/", "10.0.0.5:5896"},
	}
	for _, tc := range cases {
		if got := NetAppAddress(tc.in); got != tc.want {
			t.Errorf("NetAppAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestResourceChecker(t *testing.T) {
	gw := &fakeGateway{readyAfter: 2, serviceURL: "http://10.0.0.7"}
	c := newTestClient(t, gw)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Login(ctx); err != nil {
		t.Fatalf("login: %v", err)
	}
	plan, err := c.GetPlan(ctx, uuid.NewString(), false)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}

	rc := NewResourceChecker(c, plan.ActionPlanID, 10*time.Millisecond)
	rc.Start(ctx)
	defer rc.Stop()

	if err := rc.WaitUntilReady(ctx); err != nil {
		t.Fatalf("wait until ready: %v", err)
	}
	if !rc.Ready() {
		t.Fatal("checker not ready after wait")
	}
	if rc.URL() != "http://10.0.0.7" {
		t.Errorf("checker url = %q", rc.URL())
	}

	// A service falling over must flip readiness back.
	gw.setStatus("Terminating")
	deadline := time.Now().Add(2 * time.Second)
	for rc.Ready() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if rc.Ready() {
		t.Error("checker still ready after service went down")
	}
}
