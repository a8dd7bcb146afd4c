package mock

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type DummySSMClient struct {
	Value string
	Err   error
}

func (d *DummySSMClient) GetParameter(ctx context.Context, input *ssm.GetParameterInput, opts ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	return &ssm.GetParameterOutput{
		Parameter: &types.Parameter{
			Name:  input.Name,
			Value: aws.String(d.Value),
		},
	}, nil
}

type DummyLambdaClient struct {
	Payload       []byte
	StatusCode    int32
	FunctionError *string
	Err           error

	LastInput *awslambda.InvokeInput
}

func (d *DummyLambdaClient) Invoke(ctx context.Context, input *awslambda.InvokeInput, opts ...func(*awslambda.Options)) (*awslambda.InvokeOutput, error) {
	d.LastInput = input
	if d.Err != nil {
		return nil, d.Err
	}
	return &awslambda.InvokeOutput{
		StatusCode:    d.StatusCode,
		Payload:       d.Payload,
		FunctionError: d.FunctionError,
	}, nil
}
