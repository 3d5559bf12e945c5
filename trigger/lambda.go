package trigger

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/relloyd/ogdsync/logger"
)

// Lambda runs fn once per AWS Lambda invocation.
type Lambda struct {
	log   logger.Logger
	start func(handler interface{})
}

func NewLambda(log logger.Logger) *Lambda {
	return &Lambda{log: log, start: lambda.Start}
}

// Start hands control to the Lambda runtime, which does not return.
func (l *Lambda) Start(ctx context.Context, fn RunFunc) error {
	l.log.Debug("starting lambda handler")
	l.start(func(invocation context.Context) error {
		return fn(invocation)
	})
	return nil
}
