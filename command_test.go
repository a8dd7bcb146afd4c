package failurelambda_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"

	failurelambda "github.com/gunnargrosch/failure-lambda"
	mock "github.com/gunnargrosch/failure-lambda/testdata/mock_clients"
)

func TestMain_ReturnsErrorAndHelpOnInvalidArgs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		description string
		args        []string
	}{
		{
			description: "no args",
			args:        []string{},
		},
		{
			description: "unknown command",
			args:        []string{"detonate"},
		},
	}
	for _, tt := range tests {
		buf := new(bytes.Buffer)
		err := failurelambda.Main(tt.args, failurelambda.WithOutput(buf))
		if err == nil {
			t.Errorf("%s: expected an error", tt.description)
		}
		if !strings.Contains(buf.String(), "Usage:") {
			t.Errorf("%s: expected usage help, got %q", tt.description, buf.String())
		}
	}
}

func TestMain_ValidateReportsFlagStates(t *testing.T) {
	t.Parallel()
	buf := new(bytes.Buffer)
	err := failurelambda.Main([]string{"validate", "testdata/flags.json"}, failurelambda.WithOutput(buf))
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"latency: enabled", "statuscode: enabled", "exception: disabled"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got %q", want, out)
		}
	}
	if strings.Contains(out, "invalid:") {
		t.Errorf("expected no invalid fields, got %q", out)
	}
}

func TestMain_ValidateRejectsInvalidFlags(t *testing.T) {
	t.Parallel()
	buf := new(bytes.Buffer)
	err := failurelambda.Main([]string{"validate", "testdata/invalid_flags.json"}, failurelambda.WithOutput(buf))
	if err == nil {
		t.Fatal("expected an error for an invalid flag document")
	}
	if !strings.Contains(buf.String(), "invalid:") {
		t.Errorf("expected invalid field reports, got %q", buf.String())
	}
}

func TestMain_ValidateErrorsOnMissingFile(t *testing.T) {
	t.Parallel()
	err := failurelambda.Main([]string{"validate", "testdata/nonexistent.json"}, failurelambda.WithOutput(new(bytes.Buffer)))
	if err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestInvokeFunction_PrintsStatusAndPayload(t *testing.T) {
	t.Parallel()
	client := &mock.DummyLambdaClient{
		StatusCode: 200,
		Payload:    []byte(`{"statusCode": 200}`),
	}
	buf := new(bytes.Buffer)
	err := failurelambda.InvokeFunction(context.Background(), client, "myFunction", []byte(`{}`), buf)
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "status: 200") {
		t.Errorf("expected the invocation status, got %q", out)
	}
	if !strings.Contains(out, `{"statusCode": 200}`) {
		t.Errorf("expected the response payload, got %q", out)
	}
	if got := aws.ToString(client.LastInput.FunctionName); got != "myFunction" {
		t.Errorf("expected function name myFunction, got %q", got)
	}
}

func TestInvokeFunction_PrintsFunctionError(t *testing.T) {
	t.Parallel()
	client := &mock.DummyLambdaClient{
		StatusCode:    200,
		FunctionError: aws.String("Unhandled"),
		Payload:       []byte(`{"errorType":"FailureLambdaException"}`),
	}
	buf := new(bytes.Buffer)
	err := failurelambda.InvokeFunction(context.Background(), client, "myFunction", []byte(`{}`), buf)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "function error: Unhandled") {
		t.Errorf("expected the function error, got %q", buf.String())
	}
}
