// Package gateway is the operator surface of a featureloop daemon: a small
// REST API for dashboards plus a JSON-RPC 2.0 WebSocket for control actions
// and live event streaming.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/featureloop/internal/audit"
	"github.com/basket/featureloop/internal/bus"
	"github.com/basket/featureloop/internal/coordinator"
	"github.com/basket/featureloop/internal/otel"
	"github.com/basket/featureloop/internal/persistence"
	"github.com/basket/featureloop/internal/safety"
	"github.com/basket/featureloop/internal/shared"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Stable app error taxonomy.
	ErrCodeInvalid   = 1000
	ErrCodeNotFound  = 1001
	ErrCodeConflict  = 1002
	ErrCodeThrottled = 1003

	defaultOutputLimit = 200
	defaultWaitTimeout = 5 * time.Minute
	subscriptionBuffer = 256
)

type Config struct {
	Store       *persistence.Store
	Coordinator *coordinator.Coordinator
	// Waiter backs feature.wait. Nil disables the method.
	Waiter *coordinator.Waiter
	Bus    *bus.Bus

	// AuthToken is the bearer token required from clients. Empty means only
	// loopback clients are accepted.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config, exposed in status.get.
	ConfigFingerprint string
	Version           string
	Limits            persistence.Limits

	// Guard screens context.inject text. Nil uses safety.NewGuard(0).
	Guard *safety.Guard
	// ControlLimiter throttles mutating RPCs per client. Nil disables it.
	ControlLimiter *RateLimitMiddleware

	Tracer trace.Tracer
	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	guard  *safety.Guard

	limitsMu    sync.RWMutex
	limits      persistence.Limits
	fingerprint string

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	key  string
	mu   sync.Mutex

	subMu     sync.Mutex
	kinds     map[string]bool
	busSub    *bus.Subscription
	busCancel context.CancelFunc
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      any         `json:"id,omitempty"`
	Result  any         `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
	Method  string      `json:"method,omitempty"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return e.Message }

// EventNotification is the params object of an "event" notification.
type EventNotification struct {
	Kind    string `json:"kind"`
	Project string `json:"project"`
	Payload any    `json:"payload"`
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	guard := cfg.Guard
	if guard == nil {
		guard = safety.NewGuard(0)
	}
	return &Server{
		cfg:         cfg,
		logger:      logger.With("component", "gateway"),
		tracer:      tracer,
		guard:       guard,
		limits:      cfg.Limits,
		fingerprint: cfg.ConfigFingerprint,
		clients:     map[*client]struct{}{},
	}
}

// SetLimits replaces the ceilings reported by status.get after a config reload.
func (s *Server) SetLimits(limits persistence.Limits, fingerprint string) {
	s.limitsMu.Lock()
	defer s.limitsMu.Unlock()
	s.limits = limits
	s.fingerprint = fingerprint
}

func (s *Server) currentLimits() (persistence.Limits, string) {
	s.limitsMu.RLock()
	defer s.limitsMu.RUnlock()
	return s.limits, s.fingerprint
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/features", s.handleAPIFeatures)
	mux.HandleFunc("/api/progress", s.handleAPIProgress)
	mux.HandleFunc("/api/slots", s.handleAPISlots)
	mux.HandleFunc("/api/usage", s.handleAPIUsage)
	mux.HandleFunc("/api/events", s.handleEventStream)
	return mux
}

func (s *Server) project() string {
	return s.cfg.Store.Project()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		audit.Record(r.Context(), "gateway", "ws.connect", r.RemoteAddr, audit.OutcomeDenied, "unauthorized")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn, key: ClientKey(r)}
	s.addClient(c)
	s.logger.Info("ws: client connected", "remote", r.RemoteAddr)
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws: client disconnecting", "remote", r.RemoteAddr)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				s.logger.Debug("ws: read error, closing", "error", err)
			}
			return
		}
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			s.logger.Error("ws: write response error", "method", req.Method, "error", err)
			return
		}
	}
}

func isMutatingMethod(method string) bool {
	switch method {
	case "slot.spawn", "slot.remove",
		"control.start", "control.stop", "control.pause", "control.resume",
		"feature.skip", "feature.clear_stuck", "feature.override",
		"context.inject", "context.clear":
		return true
	default:
		return false
	}
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return errorResponse(id, ErrCodeInvalidRequest, "invalid request")
	}

	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "gateway.rpc", otel.AttrRPCMethod.String(req.Method))
	defer span.End()

	if isMutatingMethod(req.Method) {
		if !s.cfg.ControlLimiter.Allow(c.key) {
			audit.Record(ctx, "operator", req.Method, "", audit.OutcomeRejected, "rate limited")
			if !hasID {
				return nil
			}
			return errorResponse(id, ErrCodeThrottled, "rate limit exceeded")
		}
		s.logger.Info("ws: control action", "method", req.Method, "trace_id", traceID)
	}
	result, err := s.dispatch(ctx, c, req.Method, req.Params)
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("ws: request failed", "method", req.Method, "trace_id", traceID, "error", err)
	}
	if !hasID {
		return nil
	}
	if err != nil {
		var re *rpcError
		if errors.As(err, &re) {
			return errorResponse(id, re.Code, re.Message)
		}
		return errorResponse(id, codeFor(err), err.Error())
	}
	if result == nil {
		result = map[string]any{"ok": true}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) dispatch(ctx context.Context, c *client, method string, raw json.RawMessage) (any, error) {
	switch method {
	case "slot.spawn":
		var p struct {
			Mode string `json:"mode"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		var info coordinator.SlotInfo
		err := s.audited(ctx, method, p.Mode, func() error {
			var err error
			info, err = s.cfg.Coordinator.Spawn(ctx, p.Mode)
			return err
		})
		return info, err

	case "slot.remove":
		p, err := slotParams(raw, true)
		if err != nil {
			return nil, err
		}
		return nil, s.audited(ctx, method, p.SlotID, func() error {
			return s.cfg.Coordinator.Remove(ctx, p.SlotID)
		})

	case "control.start", "control.stop", "control.pause", "control.resume":
		p, err := slotParams(raw, false)
		if err != nil {
			return nil, err
		}
		err = s.audited(ctx, method, targetOrAll(p.SlotID), func() error {
			switch method {
			case "control.start":
				return s.cfg.Coordinator.Start(ctx, p.SlotID)
			case "control.stop":
				return s.cfg.Coordinator.Stop(ctx, p.SlotID)
			case "control.pause":
				return s.cfg.Coordinator.Pause(p.SlotID)
			default:
				return s.cfg.Coordinator.Resume(p.SlotID)
			}
		})
		if err != nil {
			return nil, err
		}
		return s.cfg.Coordinator.Status(), nil

	case "feature.skip", "feature.clear_stuck", "feature.override":
		p, err := featureParams(raw)
		if err != nil {
			return nil, err
		}
		err = s.audited(ctx, method, strconv.FormatInt(p.FeatureID, 10), func() error {
			switch method {
			case "feature.skip":
				return s.skipFeature(ctx, p.FeatureID)
			case "feature.clear_stuck":
				return s.cfg.Store.ClearStuck(ctx, p.FeatureID)
			default:
				return s.cfg.Store.OverridePassing(ctx, p.FeatureID)
			}
		})
		if err != nil {
			return nil, err
		}
		s.cfg.Coordinator.Wake()
		return s.cfg.Store.GetFeature(ctx, p.FeatureID)

	case "context.inject":
		var p struct {
			Text string `json:"text"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.Text == "" {
			return nil, invalidParams("text is required")
		}
		check := s.guard.Check(p.Text)
		if err := check.Err(); err != nil {
			audit.Record(ctx, "operator", method, "", audit.OutcomeRejected, check.Reason)
			return nil, invalidParams(err.Error())
		}
		if check.Action == safety.ActionWarn {
			s.logger.Warn("operator context flagged", "reason", check.Reason, "trace_id", shared.TraceID(ctx))
		}
		return nil, s.audited(ctx, method, "", func() error {
			return s.cfg.Store.SetOperatorContext(ctx, p.Text)
		})

	case "context.clear":
		return nil, s.audited(ctx, method, "", func() error {
			return s.cfg.Store.SetOperatorContext(ctx, "")
		})

	case "status.get":
		return s.status(ctx)

	case "progress.get":
		return s.cfg.Store.Stats(ctx)

	case "features.list":
		var p struct {
			Status string `json:"status"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.Status != "" {
			return s.cfg.Store.ListFeatures(ctx, persistence.FeatureStatus(p.Status))
		}
		return s.cfg.Store.ListFeatures(ctx)

	case "output.get":
		var p struct {
			SessionID string `json:"session_id"`
			Limit     int    `json:"limit"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, invalidParams("session_id is required")
		}
		if p.Limit <= 0 {
			p.Limit = defaultOutputLimit
		}
		lines, err := s.cfg.Store.ListOutput(ctx, p.SessionID, p.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"session_id": p.SessionID, "lines": lines}, nil

	case "feature.wait":
		if s.cfg.Waiter == nil {
			return nil, &rpcError{Code: ErrCodeMethodNotFound, Message: "feature.wait unavailable"}
		}
		var p struct {
			FeatureID int64 `json:"feature_id"`
			TimeoutMS int64 `json:"timeout_ms"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if p.FeatureID <= 0 {
			return nil, invalidParams("feature_id is required")
		}
		timeout := defaultWaitTimeout
		if p.TimeoutMS > 0 {
			timeout = time.Duration(p.TimeoutMS) * time.Millisecond
		}
		return s.cfg.Waiter.WaitForPassing(ctx, p.FeatureID, timeout)

	case "events.subscribe":
		var p struct {
			Kinds []string `json:"kinds"`
		}
		if err := decodeParams(raw, &p); err != nil {
			return nil, err
		}
		if s.cfg.Bus == nil {
			return nil, &rpcError{Code: ErrCodeInternal, Message: "event bus not configured"}
		}
		s.subscribeClient(c, p.Kinds)
		return map[string]any{"subscribed": true, "project": s.project(), "kinds": p.Kinds}, nil

	case "events.unsubscribe":
		c.unsubscribe(s.cfg.Bus)
		return map[string]any{"subscribed": false}, nil

	default:
		return nil, &rpcError{Code: ErrCodeMethodNotFound, Message: "method not found: " + method}
	}
}

// skipFeature moves a feature to the back of the queue. A stuck feature also
// gets its attempt budget back, so skipping is a way out of Blocked.
func (s *Server) skipFeature(ctx context.Context, featureID int64) error {
	if err := s.cfg.Store.RequeueToBack(ctx, featureID, ""); err != nil {
		return err
	}
	stuck, err := s.cfg.Store.IsStuck(ctx, featureID)
	if err != nil || !stuck {
		return err
	}
	return s.cfg.Store.ClearStuck(ctx, featureID)
}

// StatusReport is the status.get result.
type StatusReport struct {
	Project           string                  `json:"project"`
	Version           string                  `json:"version,omitempty"`
	ConfigFingerprint string                  `json:"config_fingerprint,omitempty"`
	Progress          persistence.Stats       `json:"progress"`
	Slots             []coordinator.SlotInfo  `json:"slots"`
	Usage             persistence.LimitStatus `json:"usage"`
	Limits            persistence.Limits      `json:"limits"`
	Stuck             []persistence.Feature   `json:"stuck,omitempty"`
	Next              *persistence.Feature    `json:"next,omitempty"`
	OperatorContext   string                  `json:"operator_context,omitempty"`
	Clients           int                     `json:"clients"`
	Timestamp         time.Time               `json:"timestamp"`
}

func (s *Server) status(ctx context.Context) (*StatusReport, error) {
	limits, fingerprint := s.currentLimits()
	stats, err := s.cfg.Store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	usage, err := s.cfg.Store.CheckLimits(ctx, limits)
	if err != nil {
		return nil, err
	}
	stuck, err := s.cfg.Store.StuckFeatures(ctx)
	if err != nil {
		return nil, err
	}
	opCtx, err := s.cfg.Store.OperatorContext(ctx)
	if err != nil {
		return nil, err
	}
	next, err := s.cfg.Store.NextPending(ctx)
	if err != nil {
		return nil, err
	}
	s.clientsMu.RLock()
	clients := len(s.clients)
	s.clientsMu.RUnlock()
	return &StatusReport{
		Project:           s.project(),
		Version:           s.cfg.Version,
		ConfigFingerprint: fingerprint,
		Progress:          stats,
		Slots:             s.cfg.Coordinator.Status(),
		Usage:             usage,
		Stuck:             stuck,
		OperatorContext:   opCtx,
		Limits:            limits,
		Clients:           clients,
		Timestamp:         time.Now().UTC(),
		Next:              next,
	}, nil
}

// audited runs a control action and appends its outcome to the audit log.
func (s *Server) audited(ctx context.Context, action, target string, fn func() error) error {
	err := fn()
	if err != nil {
		audit.Record(ctx, "operator", action, target, audit.OutcomeRejected, err.Error())
		return err
	}
	audit.Record(ctx, "operator", action, target, audit.OutcomeOK, "")
	return nil
}

func targetOrAll(slotID string) string {
	if slotID == "" {
		return "all"
	}
	return slotID
}

type slotArgs struct {
	SlotID string `json:"slot_id"`
}

func slotParams(raw json.RawMessage, required bool) (slotArgs, error) {
	var p slotArgs
	if err := decodeParams(raw, &p); err != nil {
		return p, err
	}
	if required && p.SlotID == "" {
		return p, invalidParams("slot_id is required")
	}
	return p, nil
}

type featureArgs struct {
	FeatureID int64 `json:"feature_id"`
}

func featureParams(raw json.RawMessage) (featureArgs, error) {
	var p featureArgs
	if err := decodeParams(raw, &p); err != nil {
		return p, err
	}
	if p.FeatureID <= 0 {
		return p, invalidParams("feature_id is required")
	}
	return p, nil
}

func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return invalidParams(fmt.Sprintf("invalid params: %v", err))
	}
	return nil
}

func invalidParams(msg string) error {
	return &rpcError{Code: ErrCodeInvalid, Message: msg}
}

func codeFor(err error) int {
	switch {
	case errors.Is(err, persistence.ErrFeatureNotFound),
		errors.Is(err, persistence.ErrSlotNotFound),
		errors.Is(err, coordinator.ErrUnknownSlot):
		return ErrCodeNotFound
	case errors.Is(err, coordinator.ErrSlotLimit),
		errors.Is(err, coordinator.ErrSlotRunning),
		errors.Is(err, coordinator.ErrSlotNotRunning),
		errors.Is(err, persistence.ErrAlreadyPassing),
		errors.Is(err, persistence.ErrIllegalStatus):
		return ErrCodeConflict
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeConflict
	default:
		return ErrCodeInternal
	}
}

func errorResponse(id any, code int, msg string) *rpcResponse {
	return &rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: msg},
	}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

// subscribeClient starts forwarding this project's bus events to the client.
// A second subscribe replaces the kind filter.
func (s *Server) subscribeClient(c *client, kinds []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.kinds = nil
	if len(kinds) > 0 {
		c.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			c.kinds[k] = true
		}
	}
	if c.busSub != nil {
		return
	}
	c.busSub = s.cfg.Bus.SubscribeBuffered(bus.ProjectPrefix(s.project()), subscriptionBuffer)
	ctx, cancel := context.WithCancel(context.Background())
	c.busCancel = cancel
	go s.forwardBusEvents(ctx, c, c.busSub)
}

func (s *Server) forwardBusEvents(ctx context.Context, c *client, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			kind := bus.KindOf(ev.Topic)
			if !c.wants(kind) {
				continue
			}
			err := c.write(ctx, rpcResponse{
				JSONRPC: "2.0",
				Method:  "event",
				Params:  EventNotification{Kind: kind, Project: s.project(), Payload: ev.Payload},
			})
			if err != nil {
				s.logger.Debug("ws: event forward failed", "kind", kind, "error", err)
				return
			}
		}
	}
}

func (c *client) wants(kind string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.kinds == nil || c.kinds[kind]
}

func (c *client) unsubscribe(b *bus.Bus) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.busCancel != nil {
		c.busCancel()
		c.busCancel = nil
	}
	if c.busSub != nil && b != nil {
		b.Unsubscribe(c.busSub)
	}
	c.busSub = nil
	c.kinds = nil
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	c.unsubscribe(s.cfg.Bus)
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}
