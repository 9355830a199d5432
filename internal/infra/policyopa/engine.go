// Package policyopa evaluates an operator-supplied rego bundle as an
// auxiliary deny source for the permission engine. Deny-only by
// construction: bundle output can add deny reasons but can never turn a
// deny or confirmation requirement into an allow.
package policyopa

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"

	"custodian/internal/domain"
)

const defaultQuery = "data.custodian.gate.result"

// Input is the document the bundle sees for one request.
type Input struct {
	Service   string         `json:"service"`
	Action    string         `json:"action"`
	Risk      string         `json:"risk"`
	Requester string         `json:"requester"`
	Params    map[string]any `json:"params,omitempty"`
	Level     string         `json:"level"`
}

type Result struct {
	Deny []domain.DenyReason `json:"deny,omitempty"`
}

type Engine struct {
	query      rego.PreparedEvalQuery
	bundleHash string
	bundleID   string
}

// NewEngineFromBundlePath compiles the bundle with a restricted builtin
// set so rules stay pure and deterministic (no http.send, no time-of-day
// surprises in an authorization decision).
func NewEngineFromBundlePath(ctx context.Context, bundlePath, bundleID string) (*Engine, error) {
	bundleHash, err := ComputeBundleHashFromPath(bundlePath)
	if err != nil {
		return nil, err
	}

	capabilities := ast.CapabilitiesForThisVersion()
	capabilities.Builtins = filterBuiltins(capabilities.Builtins)
	compiler := ast.NewCompiler().WithCapabilities(capabilities)

	r := rego.New(
		rego.Query(defaultQuery),
		rego.Compiler(compiler),
		rego.StrictBuiltinErrors(true),
		rego.Load([]string{bundlePath}, nil),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	return &Engine{
		query:      prepared,
		bundleHash: bundleHash,
		bundleID:   bundleID,
	}, nil
}

func (e *Engine) BundleHash() string {
	return e.bundleHash
}

func (e *Engine) BundleID() string {
	return e.bundleID
}

// Evaluate returns the bundle's deny reasons for a request. An error is
// a deny at the caller: an unevaluable policy fails closed.
func (e *Engine) Evaluate(ctx context.Context, req domain.OperationRequest, level domain.PolicyLevel) (Result, error) {
	if e == nil {
		return Result{}, errors.New("policy engine is nil")
	}
	input := Input{
		Service:   req.Service,
		Action:    req.Action,
		Risk:      string(req.Risk),
		Requester: req.Requester,
		Params:    req.Params,
		Level:     string(level),
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return Result{}, err
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Result{}, errors.New("empty policy result")
	}
	result, err := decodeResult(results[0].Expressions[0].Value)
	if err != nil {
		return Result{}, err
	}
	sort.Slice(result.Deny, func(i, j int) bool {
		if result.Deny[i].Code == result.Deny[j].Code {
			return result.Deny[i].Message < result.Deny[j].Message
		}
		return result.Deny[i].Code < result.Deny[j].Code
	})
	return result, nil
}

// DenyReasons is the permission engine's view of the bundle: just the
// coded reasons, empty when the bundle has nothing to say.
func (e *Engine) DenyReasons(ctx context.Context, req domain.OperationRequest, level domain.PolicyLevel) ([]domain.DenyReason, error) {
	result, err := e.Evaluate(ctx, req, level)
	if err != nil {
		return nil, err
	}
	return result.Deny, nil
}

func decodeResult(value any) (Result, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return Result{}, err
	}
	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return Result{}, err
	}
	return result, nil
}
