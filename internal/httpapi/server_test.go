package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/recall/internal/config"
	"github.com/antoniostano/recall/internal/memory"
	"github.com/antoniostano/recall/internal/protocol"
)

type stubOrchestrator struct {
	failWith error
}

func (s *stubOrchestrator) OnMessage(_ context.Context, userID, text string) (memory.Reply, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return memory.Reply{}, &memory.ValidationError{Field: "user_id", Reason: "empty"}
	}
	if strings.TrimSpace(text) == "" {
		return memory.Reply{}, &memory.ValidationError{Field: "message", Reason: "empty"}
	}
	if s.failWith != nil {
		return memory.Reply{}, s.failWith
	}
	return memory.Reply{
		Text: "echo: " + text,
		Bundle: &memory.Bundle{
			Facts: []memory.Fact{{UserID: userID, Category: memory.CategoryIdentity, Key: "name", Value: "Alex"}},
		},
	}, nil
}

func (s *stubOrchestrator) Retrieve(_ context.Context, userID, _ string) memory.Bundle {
	return memory.Bundle{
		Facts: []memory.Fact{{UserID: userID, Category: memory.CategoryIdentity, Key: "name", Value: "Alex"}},
	}
}

func newTestServer(t *testing.T, orch Orchestrator) (*httptest.Server, *memory.Stores) {
	t.Helper()
	stores, err := memory.NewStores(context.Background(), "", 2)
	if err != nil {
		t.Fatalf("NewStores() error = %v", err)
	}
	cfg := config.Config{
		AllowAnyOrigin:    true,
		BufferIdleTimeout: time.Minute,
	}
	srv := httptest.NewServer(New(cfg, orch, stores, nil).Router())
	t.Cleanup(srv.Close)
	return srv, stores
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, _ := json.Marshal(payload)
	res, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return res
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, &stubOrchestrator{})

	res, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var body map[string]any
	_ = json.NewDecoder(res.Body).Decode(&body)
	if body["store_mode"] != "in-memory" {
		t.Fatalf("store_mode = %v, want in-memory", body["store_mode"])
	}
}

func TestChatReturnsReply(t *testing.T) {
	srv, _ := newTestServer(t, &stubOrchestrator{})

	res := postJSON(t, srv.URL+"/v1/chat", map[string]string{"user_id": "u1", "message": "hello there"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}

	var reply memory.Reply
	_ = json.NewDecoder(res.Body).Decode(&reply)
	if reply.Text != "echo: hello there" {
		t.Fatalf("reply = %q", reply.Text)
	}
	if reply.Bundle != nil {
		t.Fatalf("bundle included without include_bundle")
	}
}

func TestChatIncludeBundle(t *testing.T) {
	srv, _ := newTestServer(t, &stubOrchestrator{})

	res := postJSON(t, srv.URL+"/v1/chat?include_bundle=true", map[string]string{"user_id": "u1", "message": "hi there friend"})
	defer res.Body.Close()

	var reply memory.Reply
	_ = json.NewDecoder(res.Body).Decode(&reply)
	if reply.Bundle == nil || len(reply.Bundle.Facts) != 1 {
		t.Fatalf("bundle = %+v, want the stub fact", reply.Bundle)
	}
}

func TestChatValidationError(t *testing.T) {
	srv, _ := newTestServer(t, &stubOrchestrator{})

	res := postJSON(t, srv.URL+"/v1/chat", map[string]string{"user_id": "", "message": "hi"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestChatGenerationFailure(t *testing.T) {
	srv, _ := newTestServer(t, &stubOrchestrator{failWith: errors.New("model down")})

	res := postJSON(t, srv.URL+"/v1/chat", map[string]string{"user_id": "u1", "message": "hello"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", res.StatusCode)
	}
}

func TestListFacts(t *testing.T) {
	srv, stores := newTestServer(t, &stubOrchestrator{})

	_, err := stores.Facts.UpsertCandidate(context.Background(), "u1", memory.Candidate{
		Category: "identity", Key: "name", Value: "Alex", Confidence: 0.9, Importance: 0.9,
	})
	if err != nil {
		t.Fatalf("seed fact: %v", err)
	}

	res, err := http.Get(srv.URL + "/v1/memory/facts?user_id=u1")
	if err != nil {
		t.Fatalf("GET facts error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var body struct {
		Facts []memory.Fact `json:"facts"`
		Count int           `json:"count"`
	}
	_ = json.NewDecoder(res.Body).Decode(&body)
	if body.Count != 1 || body.Facts[0].Value != "Alex" {
		t.Fatalf("body = %+v", body)
	}
}

func TestListFactsRequiresUserID(t *testing.T) {
	srv, _ := newTestServer(t, &stubOrchestrator{})
	res, err := http.Get(srv.URL + "/v1/memory/facts")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestDeactivateFact(t *testing.T) {
	srv, stores := newTestServer(t, &stubOrchestrator{})

	_, _ = stores.Facts.UpsertCandidate(context.Background(), "u1", memory.Candidate{
		Category: "identity", Key: "name", Value: "Alex", Confidence: 0.9, Importance: 0.9,
	})

	body, _ := json.Marshal(map[string]string{"user_id": "u1", "category": "identity", "key": "name"})
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/memory/facts", bytes.NewReader(body))
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}

	// Second delete finds nothing.
	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/v1/memory/facts", bytes.NewReader(body))
	res, _ = http.DefaultClient.Do(req)
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", res.StatusCode)
	}
}

func TestListEpisodes(t *testing.T) {
	srv, stores := newTestServer(t, &stubOrchestrator{})

	err := stores.Episodes.Append(context.Background(), memory.Episode{
		UserID: "u1", TurnStart: 1, TurnEnd: 10, Summary: "an episode", Embedding: []float32{1, 0},
	})
	if err != nil {
		t.Fatalf("seed episode: %v", err)
	}

	res, err := http.Get(srv.URL + "/v1/memory/episodes?user_id=u1")
	if err != nil {
		t.Fatalf("GET episodes error = %v", err)
	}
	defer res.Body.Close()
	var body struct {
		Episodes []memory.Episode `json:"episodes"`
		Total    int              `json:"total"`
	}
	_ = json.NewDecoder(res.Body).Decode(&body)
	if body.Total != 1 || len(body.Episodes) != 1 || body.Episodes[0].Summary != "an episode" {
		t.Fatalf("body = %+v", body)
	}
}

func TestRetrieveEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &stubOrchestrator{})

	res := postJSON(t, srv.URL+"/v1/memory/retrieve", map[string]string{"user_id": "u1", "query": "what's my name"})
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var bundle memory.Bundle
	_ = json.NewDecoder(res.Body).Decode(&bundle)
	if len(bundle.Facts) != 1 {
		t.Fatalf("bundle = %+v", bundle)
	}
}

func TestPerfLatencyWithoutMetrics(t *testing.T) {
	srv, _ := newTestServer(t, &stubOrchestrator{})
	res, err := http.Get(srv.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
}

func TestChatWS(t *testing.T) {
	srv, _ := newTestServer(t, &stubOrchestrator{})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/chat/ws?user_id=u1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	err = conn.WriteJSON(protocol.UserMessage{
		Type: protocol.TypeUserMessage, UserID: "u1", Text: "hello over ws",
	})
	if err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	var reply protocol.AssistantReply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if reply.Type != protocol.TypeAssistantReply || reply.Text != "echo: hello over ws" {
		t.Fatalf("reply = %+v", reply)
	}

	// Malformed payloads produce an error event, not a dropped connection.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"wat"}`)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	var errEvent protocol.ErrorEvent
	if err := conn.ReadJSON(&errEvent); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if errEvent.Type != protocol.TypeErrorEvent || errEvent.Code != "invalid_client_message" {
		t.Fatalf("error event = %+v", errEvent)
	}
}

func TestChatWSRequiresUserID(t *testing.T) {
	srv, _ := newTestServer(t, &stubOrchestrator{})

	res, err := http.Get(srv.URL + "/v1/chat/ws")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestChatWSUserMismatch(t *testing.T) {
	srv, _ := newTestServer(t, &stubOrchestrator{})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/chat/ws?user_id=u1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	_ = conn.WriteJSON(protocol.UserMessage{Type: protocol.TypeUserMessage, UserID: "someone-else", Text: "hi"})
	var errEvent protocol.ErrorEvent
	if err := conn.ReadJSON(&errEvent); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if errEvent.Code != "user_mismatch" {
		t.Fatalf("error event = %+v", errEvent)
	}
}
