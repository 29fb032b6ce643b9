package gcalnotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/aws/aws-sdk-go-v2/config"
	lambdaapi "github.com/aws/aws-sdk-go-v2/service/lambda"
)

func isLambda() bool {
	if strings.HasPrefix(os.Getenv("AWS_EXECUTION_ENV"), "AWS_Lambda") || os.Getenv("AWS_LAMBDA_RUNTIME_API") != "" {
		return true
	}
	return false
}

func loadAWSConfig() (aws.Config, error) {
	awsOpts := make([]func(*config.LoadOptions) error, 0)
	if region := os.Getenv("AWS_DEFAULT_REGION"); region != "" {
		awsOpts = append(awsOpts, config.WithRegion(region))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), awsOpts...)
	if err != nil {
		return *aws.NewConfig(), err
	}
	return awsCfg, nil
}

// runHandler runs fn once locally, or as the handler of every invocation on AWS Lambda
// (e.g. an EventBridge Scheduler target for the renew and sync commands).
func runHandler(ctx context.Context, fn func(context.Context) error) error {
	if !isLambda() {
		slog.DebugContext(ctx, "run on local")
		return fn(ctx)
	}
	slog.InfoContext(ctx, "run on lambda")
	lambda.StartWithOptions(func(ctx context.Context, event json.RawMessage) (any, error) {
		if lc, ok := lambdacontext.FromContext(ctx); ok {
			slog.DebugContext(ctx, "invoked", "request_id", lc.AwsRequestID, "function_arn", lc.InvokedFunctionArn)
		}
		if err := fn(ctx); err != nil {
			slog.ErrorContext(ctx, "handler failed", "error", err)
			return nil, err
		}
		return map[string]any{
			"Status": 200,
		}, nil
	}, lambda.WithContext(ctx))
	return nil
}

// FunctionURLClient is the part of the Lambda API used to look up the function's own URL.
type FunctionURLClient interface {
	GetFunctionUrlConfig(ctx context.Context, params *lambdaapi.GetFunctionUrlConfigInput, optFns ...func(*lambdaapi.Options)) (*lambdaapi.GetFunctionUrlConfigOutput, error)
}

// functionURLInput names the running function. The invoked ARN carries the
// alias or version; outside an invocation the runtime's function name is used.
func functionURLInput(ctx context.Context) (*lambdaapi.GetFunctionUrlConfigInput, error) {
	if lc, ok := lambdacontext.FromContext(ctx); ok && lc.InvokedFunctionArn != "" {
		arnObj, err := arn.Parse(lc.InvokedFunctionArn)
		if err != nil {
			return nil, fmt.Errorf("parse invoked function arn: %w", err)
		}
		// function:<name>[:<qualifier>]
		parts := strings.Split(arnObj.Resource, ":")
		if len(parts) < 2 || parts[0] != "function" {
			return nil, fmt.Errorf("unexpected function arn resource %q", arnObj.Resource)
		}
		input := &lambdaapi.GetFunctionUrlConfigInput{FunctionName: aws.String(parts[1])}
		if len(parts) >= 3 && parts[2] != "" {
			input.Qualifier = aws.String(parts[2])
		}
		return input, nil
	}
	if name := lambdacontext.FunctionName; name != "" {
		return &lambdaapi.GetFunctionUrlConfigInput{FunctionName: aws.String(name)}, nil
	}
	return nil, errors.New("can not get lambda function name")
}

// resolveFunctionURL returns the Function URL of the running Lambda function.
func resolveFunctionURL(ctx context.Context, client FunctionURLClient) (string, error) {
	input, err := functionURLInput(ctx)
	if err != nil {
		return "", err
	}
	output, err := client.GetFunctionUrlConfig(ctx, input)
	if err != nil {
		return "", fmt.Errorf("get function url config: %w", err)
	}
	if output.FunctionUrl == nil || *output.FunctionUrl == "" {
		return "", errors.New("lambda function url is empty")
	}
	return *output.FunctionUrl, nil
}

// fillWebhookFromFunctionURL sets the webhook address to the function's own URL
// when running on Lambda without an explicit address.
func (app *App) fillWebhookFromFunctionURL(ctx context.Context) error {
	app.webhookMu.Lock()
	defer app.webhookMu.Unlock()
	if app.opt.Webhook != "" || !isLambda() {
		return nil
	}
	slog.InfoContext(ctx, "webhook address is empty, try fill with lambda function url")
	if app.functionURLClient == nil {
		awsCfg, err := loadAWSConfig()
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		app.functionURLClient = lambdaapi.NewFromConfig(awsCfg)
	}
	functionURL, err := resolveFunctionURL(ctx, app.functionURLClient)
	if err != nil {
		return err
	}
	webhook := strings.TrimSuffix(functionURL, "/") + "/webhook"
	slog.InfoContext(ctx, "webhook address filled with lambda function url", "webhook", webhook)
	app.opt.Webhook = webhook
	app.subscriptions.SetWebhookAddress(webhook)
	return nil
}
