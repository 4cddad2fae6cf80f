// Package tools defines the closed set of operations a worker may invoke
// during a session, and executes them against the feature store.
package tools

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// Op names a worker-facing operation.
type Op string

const (
	OpGetNext         Op = "feature_get_next"
	OpMarkInProgress  Op = "feature_mark_in_progress"
	OpMarkPassing     Op = "feature_mark_passing"
	OpSkip            Op = "feature_skip"
	OpClearInProgress Op = "feature_clear_in_progress"
	OpGetStats        Op = "feature_get_stats"
	OpRegression      Op = "feature_get_for_regression"
)

const (
	DefaultRegressionLimit = 3
	MaxRegressionLimit     = 10
)

// Request is one decoded operation. The set of implementations is closed.
type Request interface {
	Op() Op
}

type GetNext struct{}

type MarkInProgress struct{ FeatureID int64 }

type MarkPassing struct{ FeatureID int64 }

type Skip struct{ FeatureID int64 }

type ClearInProgress struct{ FeatureID int64 }

type GetStats struct{}

type Regression struct{ Limit int }

func (GetNext) Op() Op         { return OpGetNext }
func (MarkInProgress) Op() Op  { return OpMarkInProgress }
func (MarkPassing) Op() Op     { return OpMarkPassing }
func (Skip) Op() Op            { return OpSkip }
func (ClearInProgress) Op() Op { return OpClearInProgress }
func (GetStats) Op() Op        { return OpGetStats }
func (Regression) Op() Op      { return OpRegression }

// ArgInfo describes one argument of an operation.
type ArgInfo struct {
	Name        string
	Description string
	Required    bool
	Min, Max    float64 // zero Max means unbounded
}

// OpInfo describes an operation for transports that advertise a catalog.
type OpInfo struct {
	Name        Op
	Description string
	Args        []ArgInfo
}

var featureIDArg = ArgInfo{Name: "feature_id", Description: "ID of the feature", Required: true, Min: 1}

// Catalog lists every operation in a stable order.
func Catalog() []OpInfo {
	return []OpInfo{
		{Name: OpGetNext, Description: "Get the highest-priority pending feature to work on."},
		{Name: OpMarkInProgress, Description: "Mark a feature as in progress so no other agent picks it up.", Args: []ArgInfo{featureIDArg}},
		{Name: OpMarkPassing, Description: "Mark a feature as passing after every verification step succeeded.", Args: []ArgInfo{featureIDArg}},
		{Name: OpSkip, Description: "Move a feature to the end of the queue without charging an attempt.", Args: []ArgInfo{featureIDArg}},
		{Name: OpClearInProgress, Description: "Return an in-progress feature to pending.", Args: []ArgInfo{featureIDArg}},
		{Name: OpGetStats, Description: "Get passing, in-progress and total feature counts."},
		{Name: OpRegression, Description: "Get random passing features to re-verify.", Args: []ArgInfo{{
			Name:        "limit",
			Description: fmt.Sprintf("Number of features to return (1-%d, default %d)", MaxRegressionLimit, DefaultRegressionLimit),
			Min:         1,
			Max:         MaxRegressionLimit,
		}}},
	}
}

// Decode turns a transport-level call into a typed Request. Unknown names and
// unexpected or malformed arguments are rejected.
func Decode(name string, args map[string]any) (Request, error) {
	var info *OpInfo
	for _, op := range Catalog() {
		if string(op.Name) == name {
			info = &op
			break
		}
	}
	if info == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, name)
	}
	if err := rejectUnknownArgs(*info, args); err != nil {
		return nil, err
	}

	switch info.Name {
	case OpGetNext:
		return GetNext{}, nil
	case OpGetStats:
		return GetStats{}, nil
	case OpRegression:
		limit := DefaultRegressionLimit
		if _, ok := args["limit"]; ok {
			n, err := intArg(args, "limit")
			if err != nil {
				return nil, err
			}
			limit = n
		}
		if limit < 1 || limit > MaxRegressionLimit {
			return nil, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidArgument, MaxRegressionLimit)
		}
		return Regression{Limit: limit}, nil
	}

	id, err := intArg(args, "feature_id")
	if err != nil {
		return nil, err
	}
	if id < 1 {
		return nil, fmt.Errorf("%w: feature_id must be positive", ErrInvalidArgument)
	}
	fid := int64(id)
	switch info.Name {
	case OpMarkInProgress:
		return MarkInProgress{FeatureID: fid}, nil
	case OpMarkPassing:
		return MarkPassing{FeatureID: fid}, nil
	case OpSkip:
		return Skip{FeatureID: fid}, nil
	default:
		return ClearInProgress{FeatureID: fid}, nil
	}
}

func rejectUnknownArgs(info OpInfo, args map[string]any) error {
	var extra []string
	for k := range args {
		known := false
		for _, a := range info.Args {
			if a.Name == k {
				known = true
				break
			}
		}
		if !known {
			extra = append(extra, k)
		}
	}
	if len(extra) == 0 {
		return nil
	}
	sort.Strings(extra)
	return fmt.Errorf("%w: %s does not accept %s", ErrInvalidArgument, info.Name, strings.Join(extra, ", "))
}

// intArg accepts JSON numbers (float64) and integer types, rejecting
// fractional values.
func intArg(args map[string]any, key string) (int, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidArgument, key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidArgument, key)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("%w: %s must be a number", ErrInvalidArgument, key)
	}
}
