package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func TestParseCtlParams(t *testing.T) {
	params, err := parseCtlParams([]string{"slot_id=slot-2", "feature_id=7", "kinds=[\"progress\",\"log\"]", "text=hello world"})
	if err != nil {
		t.Fatalf("parseCtlParams: %v", err)
	}
	if params["slot_id"] != "slot-2" {
		t.Fatalf("slot_id = %#v", params["slot_id"])
	}
	if params["feature_id"] != float64(7) {
		t.Fatalf("feature_id = %#v, want number", params["feature_id"])
	}
	kinds, ok := params["kinds"].([]any)
	if !ok || len(kinds) != 2 || kinds[0] != "progress" {
		t.Fatalf("kinds = %#v", params["kinds"])
	}
	if params["text"] != "hello world" {
		t.Fatalf("text = %#v", params["text"])
	}

	if p, err := parseCtlParams(nil); err != nil || p != nil {
		t.Fatalf("no args: params=%v err=%v", p, err)
	}
	if _, err := parseCtlParams([]string{"=x"}); err == nil {
		t.Fatal("expected error for empty key")
	}
	if _, err := parseCtlParams([]string{"novalue"}); err == nil {
		t.Fatal("expected error for missing =")
	}
}

type fakeRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// fakeGateway answers each request once, after sending an unrelated event
// notification first so the client has to skip it.
func fakeGateway(t *testing.T, token string, seen chan<- fakeRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		ctx := r.Context()
		for {
			var req fakeRequest
			if err := wsjson.Read(ctx, conn, &req); err != nil {
				return
			}
			seen <- req
			_ = wsjson.Write(ctx, conn, map[string]any{"jsonrpc": "2.0", "method": "event",
				"params": map[string]any{"kind": "log", "project": "demo", "payload": "noise"}})
			switch req.Method {
			case "control.pause":
				_ = wsjson.Write(ctx, conn, map[string]any{"jsonrpc": "2.0", "id": req.ID,
					"result": []map[string]any{{"slot_id": "slot-1", "running": true}}})
			default:
				_ = wsjson.Write(ctx, conn, map[string]any{"jsonrpc": "2.0", "id": req.ID,
					"error": map[string]any{"code": -32601, "message": "method not found"}})
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestCtlCall_PrintsResult(t *testing.T) {
	seen := make(chan fakeRequest, 4)
	srv := fakeGateway(t, "tok", seen)
	defer srv.Close()

	var out bytes.Buffer
	code := ctlCall(context.Background(), wsURL(srv), "tok", "control.pause",
		map[string]any{"slot_id": "slot-1"}, 5*time.Second, false, &out)
	if code != 0 {
		t.Fatalf("exit code %d, want 0", code)
	}
	req := <-seen
	if req.Method != "control.pause" || !strings.Contains(string(req.Params), `"slot-1"`) {
		t.Fatalf("server saw %s %s", req.Method, req.Params)
	}
	if !strings.Contains(out.String(), `"slot_id": "slot-1"`) {
		t.Fatalf("output missing result: %s", out.String())
	}
	if strings.Contains(out.String(), "noise") {
		t.Fatalf("event notification leaked into output: %s", out.String())
	}
}

func TestCtlCall_RPCError(t *testing.T) {
	seen := make(chan fakeRequest, 4)
	srv := fakeGateway(t, "", seen)
	defer srv.Close()

	var out bytes.Buffer
	code := ctlCall(context.Background(), wsURL(srv), "", "bogus.method", nil, 5*time.Second, false, &out)
	if code != 1 {
		t.Fatalf("exit code %d, want 1", code)
	}
}

func TestCtlCall_Unauthorized(t *testing.T) {
	seen := make(chan fakeRequest, 4)
	srv := fakeGateway(t, "tok", seen)
	defer srv.Close()

	var out bytes.Buffer
	code := ctlCall(context.Background(), wsURL(srv), "wrong", "control.pause", nil, 5*time.Second, false, &out)
	if code != 1 {
		t.Fatalf("exit code %d, want 1", code)
	}
	select {
	case req := <-seen:
		t.Fatalf("unauthorized client reached the server: %+v", req)
	default:
	}
}

func TestRunCtlCommand_Usage(t *testing.T) {
	if code := runCtlCommand(context.Background(), nil); code != 2 {
		t.Fatalf("exit code %d, want 2 without a method", code)
	}
	if code := runCtlCommand(context.Background(), []string{"control.stop", "oops"}); code != 2 {
		t.Fatalf("exit code %d, want 2 for a malformed argument", code)
	}
}
