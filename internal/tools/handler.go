package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/featureloop/internal/persistence"
)

// Session identifies the orchestrated session a handler serves. The zero
// value means the worker runs outside the orchestrator.
type Session struct {
	ID        string
	SlotID    string
	FeatureID int64
}

func (s Session) active() bool { return s.ID != "" }

// Handler executes decoded requests against the store.
type Handler struct {
	store   *persistence.Store
	session Session
	logger  *slog.Logger
}

func NewHandler(store *persistence.Store, session Session, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, session: session, logger: logger.With("component", "tools")}
}

// FeatureReply carries a single feature, or a message when there is none.
type FeatureReply struct {
	Feature *persistence.Feature `json:"feature,omitempty"`
	Message string               `json:"message,omitempty"`
}

// SkipReply reports the queue move.
type SkipReply struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	OldPriority int64  `json:"old_priority"`
	NewPriority int64  `json:"new_priority"`
	Message     string `json:"message"`
}

type RegressionReply struct {
	Features []persistence.Feature `json:"features"`
	Count    int                   `json:"count"`
}

// Handle runs req and returns a JSON-encodable reply.
func (h *Handler) Handle(ctx context.Context, req Request) (any, error) {
	h.logger.Debug("worker operation", "op", req.Op(), "session_id", h.session.ID)
	switch r := req.(type) {
	case GetNext:
		// A session works exactly one feature; the orchestrator chose it.
		if h.session.active() {
			return h.feature(ctx, h.session.FeatureID)
		}
		f, err := h.store.NextPending(ctx)
		if err != nil {
			return nil, err
		}
		if f == nil {
			return FeatureReply{Message: "All features are passing! No more work to do."}, nil
		}
		return FeatureReply{Feature: f}, nil

	case MarkInProgress:
		if h.session.active() {
			if err := h.sessionFeatureOnly(r.FeatureID); err != nil {
				return nil, err
			}
			return h.feature(ctx, r.FeatureID)
		}
		if err := h.store.MarkInProgress(ctx, r.FeatureID, h.session.SlotID); err != nil {
			return nil, err
		}
		return h.feature(ctx, r.FeatureID)

	case MarkPassing:
		if h.session.active() {
			return h.signalPassing(ctx, r.FeatureID)
		}
		if err := h.store.MarkPassing(ctx, r.FeatureID); err != nil {
			return nil, err
		}
		return h.feature(ctx, r.FeatureID)

	case Skip:
		before, err := h.store.GetFeature(ctx, r.FeatureID)
		if err != nil {
			return nil, err
		}
		if err := h.store.RequeueToBack(ctx, r.FeatureID, h.session.SlotID); err != nil {
			return nil, h.refusal(err)
		}
		after, err := h.store.GetFeature(ctx, r.FeatureID)
		if err != nil {
			return nil, err
		}
		return SkipReply{
			ID:          after.ID,
			Name:        after.Name,
			OldPriority: before.Priority,
			NewPriority: after.Priority,
			Message:     fmt.Sprintf("Feature %q moved to end of queue", after.Name),
		}, nil

	case ClearInProgress:
		// The orchestrator owns the claim on the session's own feature.
		if h.session.active() && r.FeatureID == h.session.FeatureID {
			return h.feature(ctx, r.FeatureID)
		}
		if err := h.store.ClearInProgress(ctx, r.FeatureID, h.session.SlotID); err != nil {
			return nil, h.refusal(err)
		}
		return h.feature(ctx, r.FeatureID)

	case GetStats:
		return h.store.Stats(ctx)

	case Regression:
		features, err := h.store.RegressionSample(ctx, r.Limit)
		if err != nil {
			return nil, err
		}
		if features == nil {
			features = []persistence.Feature{}
		}
		return RegressionReply{Features: features, Count: len(features)}, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnknownOperation, req)
}

// signalPassing records the pass signal for the orchestrator, which decides
// whether the feature becomes passing (it may still hit a merge conflict).
func (h *Handler) signalPassing(ctx context.Context, featureID int64) (any, error) {
	f, err := h.store.GetFeature(ctx, featureID)
	if err != nil {
		return nil, err
	}
	if f.Status == persistence.FeatureStatusPassing {
		return FeatureReply{Feature: f, Message: "Feature is already passing."}, nil
	}
	if err := h.store.RecordSignal(ctx, h.session.ID, featureID, persistence.SignalPassed); err != nil {
		return nil, err
	}
	h.logger.Info("pass signal recorded", "session_id", h.session.ID, "feature_id", featureID)
	return FeatureReply{Feature: f, Message: "Pass recorded; the orchestrator will mark the feature passing when the session ends."}, nil
}

func (h *Handler) sessionFeatureOnly(id int64) error {
	if id != h.session.FeatureID {
		return fmt.Errorf("%w: this session is assigned feature %d, not %d", ErrInvalidArgument, h.session.FeatureID, id)
	}
	return nil
}

// refusal turns store refusals into contract errors the worker can act on.
func (h *Handler) refusal(err error) error {
	switch {
	case errors.Is(err, persistence.ErrAlreadyPassing):
		return fmt.Errorf("%w: feature is already passing", ErrInvalidArgument)
	case errors.Is(err, persistence.ErrClaimedElsewhere):
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return err
}

func (h *Handler) feature(ctx context.Context, id int64) (any, error) {
	f, err := h.store.GetFeature(ctx, id)
	if err != nil {
		return nil, err
	}
	return FeatureReply{Feature: f}, nil
}

// Call decodes and runs one transport-level call.
func (h *Handler) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	req, err := Decode(name, args)
	if err != nil {
		return nil, err
	}
	return h.Handle(ctx, req)
}
