package verify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	"github.com/pkg/errors"
)

// FunctionCheck invokes a function through its alias and inspects
// the reply: a smoke test in the narrowest sense. With no JSONPath
// it only requires the invocation not to error.
type FunctionCheck struct {
	FunctionName string
	Qualifier    string // alias or version; empty invokes $LATEST
	Payload      []byte
	JSONPath     string
	Expect       string
	Client       lambdaiface.LambdaAPI
}

func (c *FunctionCheck) Name() string {
	if c.Qualifier != "" {
		return fmt.Sprintf("invoke %s:%s", c.FunctionName, c.Qualifier)
	}
	return "invoke " + c.FunctionName
}

func (c *FunctionCheck) Check(ctx context.Context) error {
	input := &lambda.InvokeInput{FunctionName: aws.String(c.FunctionName)}
	if c.Qualifier != "" {
		input.Qualifier = aws.String(c.Qualifier)
	}
	if len(c.Payload) > 0 {
		input.Payload = c.Payload
	}
	out, err := c.Client.InvokeWithContext(ctx, input)
	if err != nil {
		return errors.Wrap(err, "invoking function")
	}
	if fe := aws.StringValue(out.FunctionError); fe != "" {
		return errors.Errorf("function returned %s error: %s", fe, truncatePayload(out.Payload))
	}
	if c.JSONPath == "" {
		return nil
	}
	return assertJSONPath(out.Payload, c.JSONPath, c.Expect)
}

func truncatePayload(p []byte) string {
	const max = 200
	if len(p) > max {
		return string(p[:max]) + "..."
	}
	return string(p)
}
