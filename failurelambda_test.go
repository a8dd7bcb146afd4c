package failurelambda_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	failurelambda "github.com/gunnargrosch/failure-lambda"
)

func echoHandler() lambda.Handler {
	return lambda.NewHandler(func(ctx context.Context, event json.RawMessage) (json.RawMessage, error) {
		return event, nil
	})
}

func wrapWith(flags failurelambda.FailureFlags, handler lambda.Handler) lambda.Handler {
	return failurelambda.Wrap(handler,
		failurelambda.WithStaticFlags(flags),
		failurelambda.WithLogger(zap.NewNop()),
	)
}

func TestWrap_PassthroughWithoutFlags(t *testing.T) {
	t.Parallel()
	wrapped := wrapWith(failurelambda.FailureFlags{}, echoHandler())
	payload := []byte(`{"hello":"world"}`)
	response, err := wrapped.Invoke(context.Background(), payload)
	if err != nil {
		t.Fatal(err)
	}
	if string(response) != string(payload) {
		t.Errorf("expected payload to pass through, got %q", string(response))
	}
}

func TestWrap_InjectsException(t *testing.T) {
	t.Parallel()
	flags := failurelambda.FailureFlags{
		"exception": {Enabled: true, ExceptionMsg: stringPtr("chaos")},
	}
	wrapped := wrapWith(flags, echoHandler())
	_, err := wrapped.Invoke(context.Background(), []byte(`{}`))
	var exc *failurelambda.FailureLambdaException
	if !errors.As(err, &exc) {
		t.Fatalf("expected a FailureLambdaException, got %v", err)
	}
	if exc.Message != "chaos" {
		t.Errorf("expected message 'chaos', got %q", exc.Message)
	}
}

func TestWrap_InjectsStatusCodeWithoutInvokingHandler(t *testing.T) {
	t.Parallel()
	invoked := false
	handler := lambda.NewHandler(func(ctx context.Context, event json.RawMessage) (json.RawMessage, error) {
		invoked = true
		return event, nil
	})
	flags := failurelambda.FailureFlags{
		"statuscode": {Enabled: true, StatusCode: intPtr(503)},
	}
	wrapped := wrapWith(flags, handler)
	response, err := wrapped.Invoke(context.Background(), []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if invoked {
		t.Error("expected handler to be short circuited")
	}
	var parsed map[string]any
	if err := json.Unmarshal(response, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed["statusCode"] != float64(503) {
		t.Errorf("expected statusCode 503, got %v", parsed["statusCode"])
	}
}

func TestWrap_DisabledEnvSuppressesAllInjection(t *testing.T) {
	flags := failurelambda.FailureFlags{
		"exception": {Enabled: true, ExceptionMsg: stringPtr("chaos")},
	}
	wrapped := wrapWith(flags, echoHandler())

	t.Setenv(failurelambda.EnvDisabled, "true")
	payload := []byte(`{"hello":"world"}`)
	response, err := wrapped.Invoke(context.Background(), payload)
	if err != nil {
		t.Fatalf("expected the kill switch to suppress injection, got %v", err)
	}
	if string(response) != string(payload) {
		t.Errorf("expected payload to pass through, got %q", string(response))
	}

	// Only the literal "true" disables.
	t.Setenv(failurelambda.EnvDisabled, "1")
	if _, err := wrapped.Invoke(context.Background(), payload); err == nil {
		t.Error("expected injection with the kill switch not set to true")
	}
}

func TestWrap_PercentageZeroNeverInjects(t *testing.T) {
	t.Parallel()
	flags := failurelambda.FailureFlags{
		"exception": {Enabled: true, Percentage: intPtr(0)},
	}
	wrapped := wrapWith(flags, echoHandler())
	for i := 0; i < 20; i++ {
		if _, err := wrapped.Invoke(context.Background(), []byte(`{}`)); err != nil {
			t.Fatalf("expected no injection at 0%%, got %v", err)
		}
	}
}

func TestWrap_PercentageGatesInjection(t *testing.T) {
	restore := failurelambda.Percentile
	defer func() { failurelambda.Percentile = restore }()

	flags := failurelambda.FailureFlags{
		"exception": {Enabled: true, Percentage: intPtr(50)},
	}
	wrapped := wrapWith(flags, echoHandler())

	failurelambda.Percentile = func() int { return 99 }
	if _, err := wrapped.Invoke(context.Background(), []byte(`{}`)); err != nil {
		t.Errorf("expected roll above percentage to skip injection, got %v", err)
	}
	failurelambda.Percentile = func() int { return 0 }
	if _, err := wrapped.Invoke(context.Background(), []byte(`{}`)); err == nil {
		t.Error("expected roll below percentage to inject")
	}
}

func TestWrap_MatchConditionsGateInjection(t *testing.T) {
	t.Parallel()
	flags := failurelambda.FailureFlags{
		"exception": {
			Enabled: true,
			Match: []failurelambda.MatchCondition{
				{Path: "requestContext.http.method", Value: stringPtr("GET")},
			},
		},
	}
	wrapped := wrapWith(flags, echoHandler())

	miss := []byte(`{"requestContext": {"http": {"method": "POST"}}}`)
	if _, err := wrapped.Invoke(context.Background(), miss); err != nil {
		t.Errorf("expected POST not to trigger injection, got %v", err)
	}
	hit := []byte(`{"requestContext": {"http": {"method": "GET"}}}`)
	if _, err := wrapped.Invoke(context.Background(), hit); err == nil {
		t.Error("expected GET to trigger injection")
	}
}

func TestWrap_CorruptsResponseBody(t *testing.T) {
	t.Parallel()
	handler := lambda.NewHandler(func(ctx context.Context, event json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"statusCode":200,"body":"original"}`), nil
	})
	flags := failurelambda.FailureFlags{
		"corruption": {Enabled: true, Body: stringPtr("garbage")},
	}
	wrapped := wrapWith(flags, handler)
	response, err := wrapped.Invoke(context.Background(), []byte(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(response, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed["body"] != "garbage" {
		t.Errorf("expected corrupted body, got %v", parsed["body"])
	}
}

func TestWrap_HandlerErrorsPassThrough(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	handler := lambda.NewHandler(func(ctx context.Context, event json.RawMessage) (json.RawMessage, error) {
		return nil, boom
	})
	flags := failurelambda.FailureFlags{
		"latency": {Enabled: true, MinLatency: floatPtr(0), MaxLatency: floatPtr(0)},
	}
	wrapped := wrapWith(flags, handler)
	_, err := wrapped.Invoke(context.Background(), []byte(`{}`))
	if !errors.Is(err, boom) {
		t.Errorf("expected the handler's error, got %v", err)
	}
}

func TestSimulate_ReportsInjectedException(t *testing.T) {
	t.Parallel()
	flags := failurelambda.FailureFlags{
		"exception": {Enabled: true, ExceptionMsg: stringPtr("chaos")},
	}
	buf := new(bytes.Buffer)
	err := failurelambda.Simulate(flags, []byte(`{}`), time.Second, buf)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "function error") {
		t.Errorf("expected a function error report, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "chaos") {
		t.Errorf("expected the injected message, got %q", buf.String())
	}
}

func TestSimulate_EchoesEventWhenNothingInjects(t *testing.T) {
	t.Parallel()
	buf := new(bytes.Buffer)
	err := failurelambda.Simulate(failurelambda.FailureFlags{}, []byte(`{"ping":"pong"}`), time.Second, buf)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"ping":"pong"`) {
		t.Errorf("expected the echoed event, got %q", buf.String())
	}
}
