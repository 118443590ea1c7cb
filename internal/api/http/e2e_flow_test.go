package apihttp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"halfcircuit/searchcoordinator/internal/coordinator"
	"halfcircuit/searchcoordinator/internal/domain"
	"halfcircuit/searchcoordinator/internal/providers/remote"
	"halfcircuit/searchcoordinator/internal/search"
)

// fakeSearchAPI answers POST /search with two usable items, one item without
// a URL and one denylisted item.
func fakeSearchAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var body struct {
			Query string `json:"query"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"query":       body.Query,
			"status_code": 200,
			"results": []map[string]any{
				{"link": "https://go.dev/doc/effective_go", "title": "Effective Go", "snippet": "tips"},
				{"title": "no url"},
				{"link": "https://en.wikipedia.org/wiki/Go", "title": "Wikipedia"},
				{"url": "https://pkg.go.dev/context", "content_type": "reference"},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

type flowEnv struct {
	coord  *coordinator.Coordinator
	server *Server
	http   *httptest.Server
}

func newFlowEnv(t *testing.T) flowEnv {
	t.Helper()
	api := fakeSearchAPI(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := remote.NewClient(remote.Config{
		BaseURL: api.URL,
		Client:  api.Client(),
		Retry:   &search.RetryConfig{MaxAttempts: 1},
	})
	coord := coordinator.New(client, coordinator.WithLogger(logger), coordinator.WithTimeout(5*time.Second))
	server := NewServer(coord, WithLogger(logger), WithDiagnostics(client))
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		srv.Close()
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = coord.Close(ctx)
	})
	return flowEnv{coord: coord, server: server, http: srv}
}

func postTask(t *testing.T, baseURL, query string) runTaskResponse {
	t.Helper()
	resp, err := http.Post(baseURL+"/tasks", "application/json", strings.NewReader(`{"query":"`+query+`","userId":"u-1"}`))
	if err != nil {
		t.Fatalf("post task: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var body runTaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body
}

type sseEvent struct {
	name string
	data string
}

func readSSE(body io.Reader, out chan<- sseEvent) {
	defer close(out)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var current sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if current.name != "" || current.data != "" {
				out <- current
			}
			current = sseEvent{}
		}
	}
}

func nextEvent(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return sseEvent{}
	}
}

func TestFlowRunAndStreamOverSSE(t *testing.T) {
	env := newFlowEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.http.URL+"/events?q=effective%20go", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := make(chan sseEvent, 16)
	go readSSE(resp.Body, events)
	if ev := nextEvent(t, events); ev.name != "bootstrap" {
		t.Fatalf("expected bootstrap, got %q", ev.name)
	}

	postTask(t, env.http.URL, "other query")
	if started := postTask(t, env.http.URL, " effective go "); started.Key != "effective go" {
		t.Fatalf("unexpected key %q", started.Key)
	}

	var statuses []domain.TaskStatus
	var final domain.Snapshot
	for final.Status != domain.TaskDone {
		ev := nextEvent(t, events)
		if ev.name != "snapshot" {
			t.Fatalf("unexpected event %q", ev.name)
		}
		if err := json.Unmarshal([]byte(ev.data), &final); err != nil {
			t.Fatalf("decode snapshot: %v", err)
		}
		if final.KeyString() != "effective go" {
			t.Fatalf("filter leaked key %q", final.KeyString())
		}
		statuses = append(statuses, final.Status)
	}
	if statuses[0] != domain.TaskRunning {
		t.Fatalf("expected running first, got %v", statuses)
	}
	if len(final.Results) != 2 {
		t.Fatalf("expected 2 normalized results, got %d", len(final.Results))
	}
	if final.Results[0].ID != 1 || final.Results[1].ID != 2 || final.Results[1].Category != "Reference" {
		t.Fatalf("unexpected results %#v", final.Results)
	}

	stateResp, err := http.Get(env.http.URL + "/tasks?q=effective%20go")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	defer stateResp.Body.Close()
	var state taskResponse
	if err := json.NewDecoder(stateResp.Body).Decode(&state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if state.Status != domain.TaskDone || state.Source != "registry" || len(state.Results) != 2 {
		t.Fatalf("unexpected state %#v", state)
	}
}

func TestFlowWebSocketReceivesSnapshotsAndReset(t *testing.T) {
	env := newFlowEnv(t)

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.server.wsHub.clientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("ws client was not registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	postTask(t, env.http.URL, "ws query")

	var msg struct {
		Type string          `json:"type"`
		Data domain.Snapshot `json:"data"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for msg.Data.Status != domain.TaskDone {
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type != "snapshot" {
			t.Fatalf("unexpected message type %q", msg.Type)
		}
	}
	if msg.Data.KeyString() != "ws query" || len(msg.Data.Results) != 2 {
		t.Fatalf("unexpected snapshot %#v", msg.Data)
	}

	resp, err := http.Post(env.http.URL+"/tasks/reset", "application/json", nil)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	resp.Body.Close()

	var raw map[string]json.RawMessage
	if err := conn.ReadJSON(&raw); err != nil {
		t.Fatalf("read reset: %v", err)
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(raw["data"], &data); err != nil {
		t.Fatalf("decode reset: %v", err)
	}
	if string(data["key"]) != "null" || string(data["status"]) != `"reset"` {
		t.Fatalf("expected null key reset, got %s", raw["data"])
	}
	if _, ok := env.coord.State("ws query"); ok {
		t.Fatal("reset must clear the registry")
	}
}
