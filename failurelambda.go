// Package failurelambda injects configurable failures into AWS Lambda
// functions for chaos experiments. Handlers stay pure request/response
// functions; Wrap surrounds one with a layer that fetches failure flags per
// invocation and injects latency, timeouts, disk pressure, blocked network
// calls, short circuit responses, exceptions, or corrupted response bodies.
package failurelambda

import (
	"context"
	"encoding/json"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"
)

// Wrapper is the failure injecting layer around a handler. It implements
// lambda.Handler and operates on raw invocation bytes, so the wrapped
// handler's signature never matters to it.
type Wrapper struct {
	Handler lambda.Handler
	Config  *ConfigSource
	Log     *zap.Logger
}

type WrapperOption func(w Wrapper) Wrapper

// Wrap surrounds a handler with failure injection.
func Wrap(handler lambda.Handler, opts ...WrapperOption) lambda.Handler {
	w := Wrapper{
		Handler: handler,
	}
	for _, opt := range opts {
		w = opt(w)
	}
	if w.Log == nil {
		w.Log = zap.Must(zap.NewProduction())
	}
	w.Log = w.Log.With(zap.String("source", "failure-lambda"))
	if w.Config == nil {
		w.Config = NewConfigSource()
	}
	if w.Config.Log == nil {
		w.Config.Log = w.Log
	}
	return w
}

// WrapFunc wraps a handler given in any signature lambda.Start accepts.
func WrapFunc(handler any, opts ...WrapperOption) lambda.Handler {
	return Wrap(lambda.NewHandler(handler), opts...)
}

// Start wraps the handler and hands it to the Lambda runtime. Drop-in
// replacement for lambda.Start.
func Start(handler any, opts ...WrapperOption) {
	lambda.Start(WrapFunc(handler, opts...))
}

func WithConfigSource(config *ConfigSource) WrapperOption {
	return func(w Wrapper) Wrapper {
		w.Config = config
		return w
	}
}

// WithStaticFlags pins the wrapper to a fixed flag document. Used by the
// simulate command and tests.
func WithStaticFlags(flags FailureFlags) WrapperOption {
	return WithConfigSource(NewConfigSource(WithFlags(flags)))
}

func WithLogger(log *zap.Logger) WrapperOption {
	return func(w Wrapper) Wrapper {
		w.Log = log
		return w
	}
}

// Invoke runs one invocation through the failure pipeline: cleanup, flag
// fetch, pre-handler injections, optional short circuit, the handler itself,
// then response corruption. Setting FAILURE_LAMBDA_DISABLED=true bypasses the
// whole pipeline. Failures the wrapped handler returns pass through untouched
// for the platform to render.
func (w Wrapper) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	// Operational kill-switch, checked before any config fetch.
	if os.Getenv(EnvDisabled) == "true" {
		return w.Handler.Invoke(ctx, payload)
	}

	ClearDiskspace(w.Log)

	failures := ResolveFailures(w.Config.Flags(ctx))
	if len(failures) == 0 {
		return w.Handler.Invoke(ctx, payload)
	}

	var event any
	for _, f := range failures {
		if len(f.Flag.Match) > 0 {
			// Conditions on an undecodable event never match.
			_ = json.Unmarshal(payload, &event)
			break
		}
	}

	var corruption *FlagValue
	for _, f := range failures {
		if !w.shouldInject(f, event) {
			continue
		}
		switch f.Mode {
		case ModeLatency:
			InjectLatency(ctx, f.Flag, w.Log)
		case ModeTimeout:
			InjectTimeout(ctx, f.Flag, w.Log)
		case ModeDiskspace:
			InjectDiskspace(f.Flag, w.Log)
		case ModeDenylist:
			restore := InstallDenyTransport(f.Flag, w.Log)
			defer restore()
		case ModeStatusCode:
			return StatusCodePayload(f.Flag, w.Log), nil
		case ModeException:
			return nil, NewException(f.Flag, w.Log)
		case ModeCorruption:
			flag := f.Flag
			corruption = &flag
		}
	}

	response, err := w.Handler.Invoke(ctx, payload)
	if err != nil {
		return response, err
	}
	if corruption != nil {
		response = CorruptResponse(*corruption, response, w.Log)
	}
	return response, nil
}

func (w Wrapper) shouldInject(f ResolvedFailure, event any) bool {
	if Percentile() >= f.Percentage {
		return false
	}
	if !MatchesConditions(event, f.Flag.Match) {
		w.Log.Debug("match conditions not met",
			zap.String("mode", f.Mode),
			zap.String("action", "skip"),
		)
		return false
	}
	return true
}
