package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/nstogner/godagent/pkg/chat"
	"github.com/nstogner/godagent/pkg/domain"
	"github.com/nstogner/godagent/pkg/model"
	"github.com/nstogner/godagent/pkg/model/modeltest"
	"github.com/nstogner/godagent/pkg/rag"
	"github.com/nstogner/godagent/pkg/scheduler"
	"github.com/nstogner/godagent/pkg/store/sqlite"
	"github.com/nstogner/godagent/pkg/tools"
)

type fakeIndex struct {
	added []string
}

func (f *fakeIndex) Add(ctx context.Context, path string) (rag.IndexStats, error) {
	f.added = append(f.added, path)
	return rag.IndexStats{Documents: 1, Chunks: 3}, nil
}

func (f *fakeIndex) Search(ctx context.Context, query string, k int) ([]domain.SearchResult, error) {
	return []domain.SearchResult{{Chunk: domain.Chunk{Source: "notes.md", Text: "gocron runs jobs"}, Similarity: 0.8}}, nil
}

func (f *fakeIndex) Ask(ctx context.Context, p model.Provider, settings model.Settings, q string) (*rag.Answer, error) {
	text, err := model.Complete(ctx, p, settings, q)
	if err != nil {
		return nil, err
	}
	return &rag.Answer{Text: text}, nil
}

type testEnv struct {
	srv   *Server
	http  *httptest.Server
	model *modeltest.Model
	index *fakeIndex
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	st, err := sqlite.New(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	l := tools.NewLocal("crypto")
	l.Register(&tools.FuncTool{
		ToolName:        "get_crypto_by_symbol",
		ToolDescription: "Price of one coin",
		Fn: func(ctx context.Context, input map[string]any) (any, error) {
			return map[string]any{"symbol": input["symbol"], "price": 64000.5}, nil
		},
	})
	d := tools.NewDispatcher()
	if err := d.Connect(context.Background(), l); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	sch, err := scheduler.New(st, d)
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}

	env := &testEnv{model: modeltest.Text("Hello from the model."), index: &fakeIndex{}}
	env.srv = New(chat.Options{
		Store:     st,
		Providers: map[string]model.Provider{"gemini": env.model},
		Provider:  "gemini",
		Tools:     d,
		Scheduler: sch,
		Index:     env.index,
		BaseDir:   t.TempDir(),
		Clipboard: func(string) error { return nil },
	}, cfg)
	env.http = httptest.NewServer(env.srv.Handler())
	t.Cleanup(env.http.Close)
	return env
}

// do sends a JSON request and decodes the JSON response into out.
func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.http.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decoding response: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestDialogLifecycle(t *testing.T) {
	env := newTestEnv(t, Config{})

	var d domain.Dialog
	if code := env.do(t, "POST", "/api/dialogs", map[string]string{"title": "Prices"}, &d); code != http.StatusCreated {
		t.Fatalf("create dialog status = %d", code)
	}
	if d.ID == "" || d.Title != "Prices" {
		t.Fatalf("created dialog = %+v", d)
	}

	var reply chatResponse
	if code := env.do(t, "POST", "/api/dialogs/"+d.ID+"/chat", chatRequest{Message: "hi"}, &reply); code != http.StatusOK {
		t.Fatalf("chat status = %d", code)
	}
	if reply.Reply != "Hello from the model." || reply.Stats.MessageCount != 2 {
		t.Errorf("chat reply = %+v", reply)
	}

	var msgs []domain.Message
	env.do(t, "GET", "/api/dialogs/"+d.ID+"/messages", nil, &msgs)
	var roles []domain.Role
	for _, m := range msgs {
		roles = append(roles, m.Role)
	}
	if diff := cmp.Diff([]domain.Role{domain.RoleUser, domain.RoleAssistant}, roles); diff != "" {
		t.Errorf("roles mismatch (-want +got):\n%s", diff)
	}

	var cmdReply chatResponse
	env.do(t, "POST", "/api/dialogs/"+d.ID+"/chat", chatRequest{Message: "/tokens"}, &cmdReply)
	if !strings.Contains(cmdReply.Reply, "Messages: 2") {
		t.Errorf("/tokens reply = %q", cmdReply.Reply)
	}

	var errResp errorResponse
	if code := env.do(t, "POST", "/api/dialogs/"+d.ID+"/chat", chatRequest{Message: "/new"}, &errResp); code != http.StatusBadRequest {
		t.Errorf("/new status = %d, want 400", code)
	}
	if code := env.do(t, "POST", "/api/dialogs/"+d.ID+"/chat", chatRequest{Message: "/bogus"}, &errResp); code != http.StatusBadRequest {
		t.Errorf("/bogus status = %d, want 400", code)
	}

	var compress map[string]any
	if code := env.do(t, "POST", "/api/dialogs/"+d.ID+"/compress", nil, &compress); code != http.StatusOK {
		t.Errorf("compress status = %d", code)
	}

	var list []domain.Dialog
	env.do(t, "GET", "/api/dialogs", nil, &list)
	if len(list) != 1 || list[0].ID != d.ID {
		t.Errorf("dialogs = %+v", list)
	}

	if code := env.do(t, "DELETE", "/api/dialogs/"+d.ID, nil, nil); code != http.StatusNoContent {
		t.Errorf("delete status = %d", code)
	}
	if code := env.do(t, "GET", "/api/dialogs/"+d.ID, nil, &errResp); code != http.StatusNotFound {
		t.Errorf("get deleted dialog status = %d, want 404", code)
	}
	if code := env.do(t, "POST", "/api/dialogs/missing/chat", chatRequest{Message: "hi"}, &errResp); code != http.StatusNotFound {
		t.Errorf("chat on missing dialog status = %d, want 404", code)
	}
}

func TestChatProviderFailure(t *testing.T) {
	env := newTestEnv(t, Config{})
	var d domain.Dialog
	env.do(t, "POST", "/api/dialogs", nil, &d)

	env.model.Err = context.DeadlineExceeded
	var errResp errorResponse
	code := env.do(t, "POST", "/api/dialogs/"+d.ID+"/chat", chatRequest{Message: "hi"}, &errResp)
	if code != http.StatusGatewayTimeout && code != http.StatusBadGateway {
		t.Errorf("status = %d, want a gateway error", code)
	}
	if errResp.Error == "" {
		t.Error("error body is empty")
	}
}

func TestToolsAPI(t *testing.T) {
	env := newTestEnv(t, Config{})

	var list []toolInfo
	env.do(t, "GET", "/api/tools", nil, &list)
	if len(list) != 1 || list[0].Name != "get_crypto_by_symbol" || list[0].Backend != "crypto" {
		t.Errorf("tools = %+v", list)
	}

	var res map[string]any
	code := env.do(t, "POST", "/api/tools/call", map[string]any{
		"name":      "get_crypto_by_symbol",
		"arguments": map[string]any{"symbol": "BTC"},
	}, &res)
	if code != http.StatusOK || res["ok"] != true || !strings.Contains(res["result"].(string), "64000.5") {
		t.Errorf("call = %d %+v", code, res)
	}

	code = env.do(t, "POST", "/api/tools/call", map[string]any{"name": "nope"}, &res)
	if code != http.StatusUnprocessableEntity || res["ok"] != false {
		t.Errorf("unknown tool = %d %+v", code, res)
	}
}

func TestTasksAPI(t *testing.T) {
	env := newTestEnv(t, Config{})

	var task domain.Task
	code := env.do(t, "POST", "/api/tasks", map[string]any{
		"name":           "btc",
		"tool_name":      "get_crypto_by_symbol",
		"tool_args":      map[string]any{"symbol": "BTC"},
		"schedule_type":  "interval",
		"schedule_value": "1 hour",
	}, &task)
	if code != http.StatusCreated || task.ID == "" || !task.Enabled || task.NextRun == nil {
		t.Fatalf("create = %d %+v", code, task)
	}

	var errResp errorResponse
	if code := env.do(t, "POST", "/api/tasks", map[string]any{
		"name": "bad", "tool_name": "x", "schedule_type": "hourly", "schedule_value": "1",
	}, &errResp); code != http.StatusBadRequest {
		t.Errorf("invalid schedule status = %d, want 400", code)
	}
	if code := env.do(t, "POST", "/api/tasks", map[string]any{
		"tool_name": "x", "schedule_type": "interval", "schedule_value": "1 hour",
	}, &errResp); code != http.StatusBadRequest {
		t.Errorf("unnamed task status = %d, want 400", code)
	}

	var run domain.TaskRun
	if code := env.do(t, "POST", "/api/tasks/btc/run", nil, &run); code != http.StatusOK {
		t.Fatalf("run status = %d", code)
	}
	if run.Status != domain.RunSuccess || run.Trigger != domain.TriggerManual {
		t.Errorf("run = %+v", run)
	}

	var paused domain.Task
	env.do(t, "POST", "/api/tasks/"+task.ID+"/pause", nil, &paused)
	if !paused.Paused {
		t.Errorf("after pause = %+v", paused)
	}
	if code := env.do(t, "POST", "/api/tasks/"+task.ID+"/explode", nil, &errResp); code != http.StatusBadRequest {
		t.Errorf("unknown action status = %d", code)
	}

	var runs []domain.TaskRun
	env.do(t, "GET", "/api/tasks/"+task.ID+"/history?limit=5", nil, &runs)
	if len(runs) != 1 {
		t.Errorf("history = %+v", runs)
	}

	var stats scheduler.Stats
	env.do(t, "GET", "/api/scheduler/stats", nil, &stats)
	if stats.TasksExecuted != 1 {
		t.Errorf("stats = %+v", stats)
	}

	if code := env.do(t, "DELETE", "/api/tasks/"+task.ID, nil, nil); code != http.StatusNoContent {
		t.Errorf("delete status = %d", code)
	}
	if code := env.do(t, "DELETE", "/api/tasks/"+task.ID, nil, &errResp); code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", code)
	}
}

func TestRAGAndAnalyzeAPI(t *testing.T) {
	env := newTestEnv(t, Config{})

	var st rag.IndexStats
	if code := env.do(t, "POST", "/api/rag/index", map[string]string{"path": "docs"}, &st); code != http.StatusOK || st.Chunks != 3 {
		t.Errorf("index = %d %+v", code, st)
	}
	var results []domain.SearchResult
	env.do(t, "POST", "/api/rag/search", map[string]any{"query": "jobs"}, &results)
	if len(results) != 1 || results[0].Chunk.Source != "notes.md" {
		t.Errorf("search = %+v", results)
	}
	var ans rag.Answer
	env.do(t, "POST", "/api/rag/ask", map[string]string{"question": "what runs jobs?"}, &ans)
	if ans.Text != "Hello from the model." {
		t.Errorf("ask = %+v", ans)
	}
	var errResp errorResponse
	if code := env.do(t, "POST", "/api/rag/search", map[string]any{}, &errResp); code != http.StatusBadRequest {
		t.Errorf("empty search status = %d", code)
	}

	var report struct {
		Metadata struct {
			Language  string   `json:"language"`
			Functions []string `json:"functions"`
		} `json:"metadata"`
		Score    float64 `json:"quality_score"`
		Overview string  `json:"ai_documentation"`
	}
	code := env.do(t, "POST", "/api/code/analyze", map[string]any{
		"path":          "main.go",
		"code":          "package main\n\nfunc main() {}\n",
		"documentation": true,
	}, &report)
	if code != http.StatusOK {
		t.Fatalf("analyze status = %d", code)
	}
	if report.Metadata.Language != "go" || len(report.Metadata.Functions) != 1 || report.Overview != "Hello from the model." {
		t.Errorf("report = %+v", report)
	}
}

func TestStatusAndModels(t *testing.T) {
	env := newTestEnv(t, Config{Version: "test"})

	var health map[string]string
	env.do(t, "GET", "/api/health", nil, &health)
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}

	var status map[string]any
	env.do(t, "GET", "/api/status", nil, &status)
	if status["version"] != "test" || status["provider"] != "gemini" || status["tools"] != float64(1) {
		t.Errorf("status = %v", status)
	}

	var models []domain.Model
	env.do(t, "GET", "/api/models", nil, &models)
	if len(models) != 1 || models[0].ID != "mock-model" {
		t.Errorf("models = %+v", models)
	}

	var errResp errorResponse
	if code := env.do(t, "GET", "/api/nothing", nil, &errResp); code != http.StatusNotFound {
		t.Errorf("unknown endpoint status = %d", code)
	}
}

func TestAuthentication(t *testing.T) {
	const secret = "test-secret"
	env := newTestEnv(t, Config{JWTSecret: secret})

	get := func(path, token string) int {
		req, _ := http.NewRequest("GET", env.http.URL+path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := env.http.Client().Do(req)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := get("/api/health", ""); code != http.StatusOK {
		t.Errorf("health without token = %d, want 200", code)
	}
	if code := get("/api/dialogs", ""); code != http.StatusUnauthorized {
		t.Errorf("dialogs without token = %d, want 401", code)
	}

	token, err := NewToken(secret, "tester", time.Hour)
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	if code := get("/api/dialogs", token); code != http.StatusOK {
		t.Errorf("dialogs with token = %d, want 200", code)
	}
	if code := get("/api/dialogs?token="+token, ""); code != http.StatusOK {
		t.Errorf("dialogs with query token = %d, want 200", code)
	}

	other, _ := NewToken("other-secret", "tester", time.Hour)
	if code := get("/api/dialogs", other); code != http.StatusUnauthorized {
		t.Errorf("dialogs with foreign token = %d, want 401", code)
	}
	expired, _ := NewToken(secret, "tester", -time.Minute)
	if code := get("/api/dialogs", expired); code != http.StatusUnauthorized {
		t.Errorf("dialogs with expired token = %d, want 401", code)
	}
	if _, err := NewToken("", "tester", time.Hour); err == nil {
		t.Error("NewToken with empty secret succeeded")
	}
}

func TestChatWebSocket(t *testing.T) {
	env := newTestEnv(t, Config{})
	var d domain.Dialog
	env.do(t, "POST", "/api/dialogs", nil, &d)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/dialogs/" + d.ID + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ws.Close()

	if err := ws.WriteJSON(map[string]string{"content": "hi"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var (
		reply    string
		messages []domain.Role
	)
	for reply == "" || len(messages) < 2 {
		var f frame
		if err := ws.ReadJSON(&f); err != nil {
			t.Fatalf("ReadJSON: %v (reply %q, messages %v)", err, reply, messages)
		}
		switch f.Type {
		case frameReply:
			reply = f.Text
		case frameMessage:
			messages = append(messages, f.Message.Role)
		case frameError:
			t.Fatalf("error frame: %s", f.Text)
		}
	}
	if reply != "Hello from the model." {
		t.Errorf("reply = %q", reply)
	}
	if diff := cmp.Diff([]domain.Role{domain.RoleUser, domain.RoleAssistant}, messages); diff != "" {
		t.Errorf("pushed messages mismatch (-want +got):\n%s", diff)
	}
}

func TestWebSocketMissingDialog(t *testing.T) {
	env := newTestEnv(t, Config{})
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/dialogs/missing/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial succeeded for a missing dialog")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("response = %v, want 404", resp)
	}
}
