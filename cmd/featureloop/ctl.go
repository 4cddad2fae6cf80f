package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/featureloop/internal/config"
)

type ctlReply struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// parseCtlParams turns key=value pairs into a params object. Values that
// parse as JSON keep their type; anything else is a string.
func parseCtlParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		eq := strings.Index(pair, "=")
		if eq <= 0 {
			return nil, fmt.Errorf("argument %q is not key=value", pair)
		}
		key, raw := pair[:eq], pair[eq+1:]
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		params[key] = v
	}
	return params, nil
}

func runCtlCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("featureloop ctl", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	timeout := fs.Duration("timeout", 10*time.Second, "time to wait for the reply")
	follow := fs.Bool("follow", false, "after events.subscribe, print events until interrupted")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: featureloop ctl [-timeout 10s] [-follow] <method> [key=value ...]")
		return 2
	}
	method := rest[0]
	params, err := parseCtlParams(rest[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	return ctlCall(ctx, gatewayURL(cfg.BindAddr, "ws")+"/ws", cfg.AuthToken, method, params, *timeout, *follow, os.Stdout)
}

func ctlCall(ctx context.Context, url, token, method string, params map[string]any, timeout time.Duration, follow bool, out io.Writer) int {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	opts := &websocket.DialOptions{}
	if token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + token}}
	}
	conn, _, err := websocket.Dial(dialCtx, url, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", url, err)
		return 1
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	req := map[string]any{"jsonrpc": "2.0", "id": 1, "method": method}
	if params != nil {
		req["params"] = params
	}
	if err := wsjson.Write(dialCtx, conn, req); err != nil {
		fmt.Fprintf(os.Stderr, "send: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	for {
		var reply ctlReply
		if err := wsjson.Read(dialCtx, conn, &reply); err != nil {
			fmt.Fprintf(os.Stderr, "read: %v\n", err)
			return 1
		}
		if reply.Method != "" {
			continue
		}
		if reply.Error != nil {
			fmt.Fprintf(os.Stderr, "%s: %s (code %d)\n", method, reply.Error.Message, reply.Error.Code)
			return 1
		}
		_ = enc.Encode(reply.Result)
		break
	}
	if !follow || method != "events.subscribe" {
		return 0
	}

	for {
		var ev ctlReply
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return 0
			}
			fmt.Fprintf(os.Stderr, "read: %v\n", err)
			return 1
		}
		if ev.Method == "event" {
			_ = enc.Encode(ev.Params)
		}
	}
}
