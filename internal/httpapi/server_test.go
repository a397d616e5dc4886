package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/itsandyd/ppr-academy-sub023/internal/delivery"
	"github.com/itsandyd/ppr-academy-sub023/internal/engine"
	"github.com/itsandyd/ppr-academy-sub023/internal/ingest"
	"github.com/itsandyd/ppr-academy-sub023/internal/middleware"
	"github.com/itsandyd/ppr-academy-sub023/internal/store"
)

const dripDefinition = `{
	"nodes":[
		{"id":"t","type":"trigger","data":{"triggerType":"lead_signup"}},
		{"id":"d","type":"delay","data":{"delayDays":3}},
		{"id":"s","type":"stop"}
	],
	"edges":[{"source":"t","target":"d"},{"source":"d","target":"s"}]
}`

type noopEmail struct{}

func (noopEmail) SendTemplatedEmail(context.Context, string, delivery.Recipient) delivery.Result {
	return delivery.Ok()
}

type recordingInbound struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (r *recordingInbound) HandleInboundEvent(_ context.Context, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
}

type harness struct {
	srv     *Server
	handler http.Handler
	repo    *store.Repo
	key     *rsa.PrivateKey
	inbound *recordingInbound
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dsn := "file:httpapi_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	eng := engine.New(repo, noopEmail{}, nil, engine.Options{DisableImmediate: true, Workers: 1})
	inbound := &recordingInbound{}
	ing := &ingest.Ingestor{Repo: repo, Engine: eng}
	srv := New(repo, eng, inbound, ing, Options{
		PubKey:      &key.PublicKey,
		VerifyToken: "hub-secret",
		AppSecret:   "app-secret",
	})
	return &harness{srv: srv, handler: srv.Handler(), repo: repo, key: key, inbound: inbound}
}

func (h *harness) token(t *testing.T, role, storeID string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, middleware.Claims{
		Role:    role,
		StoreID: storeID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-" + role,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(h.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func (h *harness) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, _ := json.Marshal(b)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	out := map[string]any{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func (h *harness) createWorkflow(t *testing.T, token string) string {
	t.Helper()
	rec, out := h.do(t, http.MethodPost, "/api/campaigns/workflows", token, map[string]any{
		"name":       "Welcome drip",
		"enabled":    true,
		"definition": json.RawMessage(dripDefinition),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create workflow: %d %s", rec.Code, rec.Body.String())
	}
	return out["id"].(string)
}

func TestHealthAndAuth(t *testing.T) {
	h := newHarness(t)
	if rec, _ := h.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
	if rec, _ := h.do(t, http.MethodGet, "/api/campaigns/workflows", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec, _ := h.do(t, http.MethodGet, "/api/campaigns/workflows", h.token(t, middleware.RoleUser, "s1"), nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for plain users, got %d", rec.Code)
	}
	if rec, out := h.do(t, http.MethodGet, "/api/campaigns/nodes", h.token(t, middleware.RoleCreator, "s1"), nil); rec.Code != http.StatusOK || len(out["nodes"].([]any)) != 10 {
		t.Fatalf("node catalog: %d %v", rec.Code, out)
	}
}

func TestWorkflowLifecycleAndOwnership(t *testing.T) {
	h := newHarness(t)
	creator := h.token(t, middleware.RoleCreator, "s1")
	stranger := h.token(t, middleware.RoleCreator, "s2")
	admin := h.token(t, middleware.RoleAdmin, "")

	rec, out := h.do(t, http.MethodPost, "/api/campaigns/workflows", creator, map[string]any{
		"name": "Broken", "definition": json.RawMessage(`{"nodes":[{"id":"a","type":"notify"},{"id":"a","type":"stop"}]}`),
	})
	if rec.Code != http.StatusBadRequest || !strings.Contains(out["error"].(string), "duplicate node id") {
		t.Fatalf("expected validation error, got %d %v", rec.Code, out)
	}

	id := h.createWorkflow(t, creator)
	path := "/api/campaigns/workflows/" + id

	if _, out := h.do(t, http.MethodGet, "/api/campaigns/workflows", stranger, nil); len(out["workflows"].([]any)) != 0 {
		t.Fatalf("other stores must not see the workflow")
	}
	if rec, _ := h.do(t, http.MethodGet, path, stranger, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another store, got %d", rec.Code)
	}
	rec, out = h.do(t, http.MethodGet, path, creator, nil)
	if rec.Code != http.StatusOK || out["trigger_type"] != "lead_signup" || out["store_id"] != "s1" {
		t.Fatalf("get workflow: %d %v", rec.Code, out)
	}

	if rec, _ := h.do(t, http.MethodPost, path+"/disable", creator, nil); rec.Code != http.StatusOK {
		t.Fatalf("disable: %d", rec.Code)
	}
	if rec, _ := h.do(t, http.MethodPost, path+"/enroll", creator, map[string]any{"customerEmail": "a@example.com"}); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a disabled workflow, got %d", rec.Code)
	}

	if rec, _ := h.do(t, http.MethodDelete, path, creator, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected delete to be admin only, got %d", rec.Code)
	}
	if rec, _ := h.do(t, http.MethodDelete, path, admin, nil); rec.Code != http.StatusOK {
		t.Fatalf("admin delete: %d", rec.Code)
	}
	if rec, _ := h.do(t, http.MethodGet, path, admin, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestEnrollCancelAndRunDetail(t *testing.T) {
	h := newHarness(t)
	creator := h.token(t, middleware.RoleCreator, "s1")
	id := h.createWorkflow(t, creator)

	if rec, _ := h.do(t, http.MethodPost, "/api/campaigns/workflows/"+id+"/enroll", creator, map[string]any{"customerEmail": "not-an-email"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an invalid subject, got %d", rec.Code)
	}

	rec, out := h.do(t, http.MethodPost, "/api/campaigns/workflows/"+id+"/enroll", creator, map[string]any{"customerEmail": "ada@example.com"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("enroll: %d %s", rec.Code, rec.Body.String())
	}
	runID := out["run_id"].(string)

	rec, out = h.do(t, http.MethodGet, "/api/campaigns/runs/"+runID, creator, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get run: %d", rec.Code)
	}
	run := out["run"].(map[string]any)
	if run["status"] != store.RunPending || run["current_node_id"] != "d" || run["store_id"] != "s1" {
		t.Fatalf("unexpected run %v", run)
	}

	if rec, _ := h.do(t, http.MethodPost, "/api/campaigns/runs/"+runID+"/cancel", h.token(t, middleware.RoleCreator, "s2"), nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 cancelling another store's run, got %d", rec.Code)
	}
	if rec, _ := h.do(t, http.MethodPost, "/api/campaigns/runs/"+runID+"/cancel", creator, nil); rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d", rec.Code)
	}
	if rec, _ := h.do(t, http.MethodPost, "/api/campaigns/runs/"+runID+"/cancel", creator, nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on a second cancel, got %d", rec.Code)
	}

	rec, out = h.do(t, http.MethodGet, "/api/campaigns/workflows/"+id+"/runs?limit=5", creator, nil)
	if rec.Code != http.StatusOK || len(out["runs"].([]any)) != 1 {
		t.Fatalf("list runs: %d %v", rec.Code, out)
	}
}

func TestEnrollUnknownWorkflowRecordsFailedRun(t *testing.T) {
	h := newHarness(t)
	creator := h.token(t, middleware.RoleCreator, "s1")

	rec, out := h.do(t, http.MethodPost, "/api/campaigns/workflows/"+uuid.NewString()+"/enroll", creator, map[string]any{"customerEmail": "ada@example.com"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	runID, err := uuid.Parse(out["run_id"].(string))
	if err != nil {
		t.Fatalf("expected a run id, got %v", out)
	}
	run, err := h.repo.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != store.RunFailed || run.Error != engine.CodeWorkflowNotFound {
		t.Fatalf("unexpected run %+v", run)
	}
}

func TestAutomationEndpoints(t *testing.T) {
	h := newHarness(t)
	creator := h.token(t, middleware.RoleCreator, "s1")

	rec, out := h.do(t, http.MethodPost, "/api/campaigns/automations", creator, map[string]any{
		"name": "Info", "triggerType": "comment", "listenerType": "MESSAGE", "keywords": []string{"info"}, "prompt": "Thanks!",
	})
	if rec.Code != http.StatusBadRequest || !strings.Contains(out["error"].(string), "post") {
		t.Fatalf("expected posts to be required for comments, got %d %v", rec.Code, out)
	}

	rec, out = h.do(t, http.MethodPost, "/api/campaigns/automations", creator, map[string]any{
		"name": "Info", "triggerType": "comment", "listenerType": "MESSAGE", "keywords": []string{"info"},
		"prompt": "Thanks!", "posts": []string{"P1"}, "accessToken": "secret-token",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create automation: %d %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "secret-token") {
		t.Fatalf("access token must not be returned")
	}
	if out["match_type"] != "exact" || out["plan_tier"] != store.PlanFree {
		t.Fatalf("unexpected defaults %v", out)
	}
	id := out["id"].(string)

	rec, out = h.do(t, http.MethodPut, "/api/campaigns/automations/"+id, creator, map[string]any{"active": true, "matchType": "regex", "keywords": []string{"("}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid regex to be rejected, got %d %v", rec.Code, out)
	}
	rec, out = h.do(t, http.MethodPut, "/api/campaigns/automations/"+id, creator, map[string]any{"active": true})
	if rec.Code != http.StatusOK || out["active"] != true {
		t.Fatalf("update automation: %d %v", rec.Code, out)
	}

	rec, out = h.do(t, http.MethodGet, "/api/campaigns/automations/"+id+"/conversations/U1", creator, nil)
	if turns, _ := out["turns"].([]any); rec.Code != http.StatusOK || len(turns) != 0 || out["sender_id"] != "U1" {
		t.Fatalf("conversation: %d %v", rec.Code, out)
	}
}

func TestWebhookVerificationAndSignature(t *testing.T) {
	h := newHarness(t)

	rec, _ := h.do(t, http.MethodGet, "/webhooks/instagram?hub.mode=subscribe&hub.verify_token=hub-secret&hub.challenge=42", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "42" {
		t.Fatalf("verify: %d %q", rec.Code, rec.Body.String())
	}
	if rec, _ := h.do(t, http.MethodGet, "/webhooks/instagram?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=42", "", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for a wrong verify token, got %d", rec.Code)
	}

	body := []byte(`{"object":"instagram","entry":[]}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/instagram", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad signature, got %d", rec.Code)
	}

	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write(body)
	req = httptest.NewRequest(http.MethodPost, "/webhooks/instagram", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	h.srv.Wait()
	if len(h.inbound.payloads) != 1 || !bytes.Equal(h.inbound.payloads[0], body) {
		t.Fatalf("expected the body to be dispatched, got %q", h.inbound.payloads)
	}
}

func TestIngestEventEndpoint(t *testing.T) {
	h := newHarness(t)
	creator := h.token(t, middleware.RoleCreator, "s1")
	h.createWorkflow(t, creator)

	rec, out := h.do(t, http.MethodPost, "/api/campaigns/events", creator, map[string]any{"type": "lead_signup", "email": "new@example.com"})
	if rec.Code != http.StatusAccepted || len(out["run_ids"].([]any)) != 1 {
		t.Fatalf("ingest: %d %v", rec.Code, out)
	}
	if rec, _ := h.do(t, http.MethodPost, "/api/campaigns/events", creator, map[string]any{"type": "lead_signup"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without email, got %d", rec.Code)
	}
}

func TestRunEventsWebSocketReplays(t *testing.T) {
	h := newHarness(t)
	creator := h.token(t, middleware.RoleCreator, "s1")
	id := h.createWorkflow(t, creator)
	_, out := h.do(t, http.MethodPost, "/api/campaigns/workflows/"+id+"/enroll", creator, map[string]any{"customerEmail": "ada@example.com"})
	runID := out["run_id"].(string)

	ts := httptest.NewServer(h.handler)
	defer ts.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/campaigns/runs/"+runID+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var evt engine.RunEvent
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read: %v", err)
	}
	if evt.Type != "run_started" || evt.RunID != runID {
		t.Fatalf("unexpected first event %+v", evt)
	}
}
