package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agentpager/agentpager/internal/agent/adapter"
	"github.com/agentpager/agentpager/internal/common/config"
	"github.com/agentpager/agentpager/internal/common/logger"
)

func newTestServer(handler EventHandler, secret string) *Server {
	gin.SetMode(gin.TestMode)
	registry := adapter.NewRegistry(logger.NewNop())
	registry.LoadDefaults()
	return NewServer(registry, handler, 0, secret, "", logger.NewNop())
}

func postJSON(router *gin.Engine, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestPermissionHookBlocksForDecision(t *testing.T) {
	s := newTestServer(func(ctx context.Context, ad adapter.Adapter, ev *adapter.NormalizedEvent) *BlockResult {
		if ev.Kind != adapter.EventPermissionRequest {
			t.Errorf("unexpected event kind %q", ev.Kind)
		}
		if ev.Tool != "Bash" {
			t.Errorf("unexpected tool %q", ev.Tool)
		}
		return &BlockResult{Blocked: true, Reason: "Denied by user"}
	}, "")
	router := s.buildRouter(false)

	w := postJSON(router, "/hook/claude/PreToolUse",
		`{"session_id":"a1","tool_name":"Bash","tool_input":{"command":"rm -rf /"}}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var result BlockResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if !result.Blocked || result.Reason != "Denied by user" {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestNonPermissionHookAcksImmediately(t *testing.T) {
	called := make(chan *adapter.NormalizedEvent, 1)
	s := newTestServer(func(ctx context.Context, ad adapter.Adapter, ev *adapter.NormalizedEvent) *BlockResult {
		called <- ev
		return nil
	}, "")
	router := s.buildRouter(false)

	w := postJSON(router, "/hook/claude/PostToolUse",
		`{"session_id":"a1","tool_name":"Read","tool_input":{"file_path":"/tmp/x"}}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"ok":true`)) {
		t.Errorf("expected ack body, got %s", w.Body.String())
	}

	select {
	case ev := <-called:
		if ev.Kind != adapter.EventToolComplete {
			t.Errorf("unexpected kind %q", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestHookRejectsUnknownAgent(t *testing.T) {
	s := newTestServer(nil, "")
	router := s.buildRouter(false)

	w := postJSON(router, "/hook/copilot/PreToolUse", `{}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHookRejectsInvalidJSON(t *testing.T) {
	s := newTestServer(nil, "")
	router := s.buildRouter(false)

	w := postJSON(router, "/hook/claude/PreToolUse", `{not json`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHookRejectsUnrecognizedPayload(t *testing.T) {
	s := newTestServer(nil, "")
	router := s.buildRouter(false)

	// PreToolUse without tool_name cannot normalize.
	w := postJSON(router, "/hook/claude/PreToolUse", `{"session_id":"a1"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHookRejectsOversizePayload(t *testing.T) {
	s := newTestServer(nil, "")
	router := s.buildRouter(false)

	big := `{"session_id":"a1","tool_name":"Bash","tool_input":{"command":"` +
		strings.Repeat("x", config.MaxHookPayloadBytes) + `"}}`
	w := postJSON(router, "/hook/claude/PreToolUse", big, nil)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
}

func TestHookPayloadLimitIsInclusive(t *testing.T) {
	s := newTestServer(func(ctx context.Context, ad adapter.Adapter, ev *adapter.NormalizedEvent) *BlockResult {
		return &BlockResult{Blocked: false}
	}, "")
	router := s.buildRouter(false)

	prefix := `{"session_id":"a1","tool_name":"Bash","tool_input":{"command":"`
	suffix := `"}}`
	pad := func(total int) string {
		return prefix + strings.Repeat("x", total-len(prefix)-len(suffix)) + suffix
	}

	atLimit := pad(config.MaxHookPayloadBytes)
	if len(atLimit) != config.MaxHookPayloadBytes {
		t.Fatalf("test body is %d bytes, want %d", len(atLimit), config.MaxHookPayloadBytes)
	}
	if w := postJSON(router, "/hook/claude/PreToolUse", atLimit, nil); w.Code != http.StatusOK {
		t.Errorf("body at limit: status = %d, want 200", w.Code)
	}

	if w := postJSON(router, "/hook/claude/PreToolUse", pad(config.MaxHookPayloadBytes+1), nil); w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("body one byte over: status = %d, want 413", w.Code)
	}
}

func TestTokenAuthOnTCPListener(t *testing.T) {
	s := newTestServer(func(ctx context.Context, ad adapter.Adapter, ev *adapter.NormalizedEvent) *BlockResult {
		return &BlockResult{Blocked: false}
	}, "s3cret")
	router := s.buildRouter(true)

	body := `{"session_id":"a1","tool_name":"Read","tool_input":{"file_path":"/tmp/x"}}`

	w := postJSON(router, "/hook/claude/PreToolUse", body, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing token: status = %d, want 401", w.Code)
	}

	w = postJSON(router, "/hook/claude/PreToolUse", body, map[string]string{tokenHeader: "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", w.Code)
	}

	w = postJSON(router, "/hook/claude/PreToolUse", body, map[string]string{tokenHeader: "s3cret"})
	if w.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", w.Code)
	}

	// Health stays open for liveness probes.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("health: status = %d, want 200", rec.Code)
	}
}

func TestNotificationRouteUsesDefaultAdapter(t *testing.T) {
	called := make(chan *adapter.NormalizedEvent, 1)
	s := newTestServer(func(ctx context.Context, ad adapter.Adapter, ev *adapter.NormalizedEvent) *BlockResult {
		if ad.Name() != "claude" {
			t.Errorf("expected default adapter, got %q", ad.Name())
		}
		called <- ev
		return nil
	}, "")
	router := s.buildRouter(false)

	w := postJSON(router, "/notification", `{"session_id":"a1","message":"build finished"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	select {
	case ev := <-called:
		if ev.Message != "build finished" {
			t.Errorf("unexpected message %q", ev.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}
}
