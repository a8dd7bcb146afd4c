package failurelambda

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/smithy-go"
)

// SSMClient is the slice of the Parameter Store API the config source needs.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LambdaClient is the slice of the Lambda API the invoke command needs.
type LambdaClient interface {
	Invoke(ctx context.Context, params *awslambda.InvokeInput, optFns ...func(*awslambda.Options)) (*awslambda.InvokeOutput, error)
}

func customRetryer() aws.Retryer {
	return retry.NewStandard(func(o *retry.StandardOptions) {
		o.MaxAttempts = 20
		o.Retryables = append(o.Retryables, RetryableErrors{})
	})
}

// RetryableErrors retries invocations throttled or caught mid cold start.
type RetryableErrors struct{}

func (r RetryableErrors) IsErrorRetryable(err error) aws.Ternary {
	var opErr *smithy.OperationError
	if errors.As(err, &opErr) {
		var throttled *types.TooManyRequestsException
		if errors.As(err, &throttled) {
			return aws.TrueTernary
		}
		var notReady *types.ResourceNotReadyException
		if errors.As(err, &notReady) {
			return aws.TrueTernary
		}
	}
	return aws.FalseTernary
}
