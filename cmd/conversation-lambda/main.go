package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/dentaldesk/cmd/mainconfig"
	"github.com/wolfman30/dentaldesk/internal/app/bootstrap"
	"github.com/wolfman30/dentaldesk/internal/conversation"
	"github.com/wolfman30/dentaldesk/pkg/logging"
)

// batchHandler is the slice of the worker the Lambda entrypoint needs.
type batchHandler interface {
	HandleSQSEvent(ctx context.Context, evt events.SQSEvent) (events.SQSEventResponse, error)
}

// replyDrainer flushes the outbox after a batch, since no dispatcher loop runs
// between invocations.
type replyDrainer interface {
	DrainOnce(ctx context.Context) (int, error)
}

var (
	_ batchHandler = (*conversation.Worker)(nil)
	_ replyDrainer = (*conversation.ReplyDispatcher)(nil)
)

func main() {
	cfg := mainconfig.Load()
	logger := logging.New(cfg.LogLevel)
	ctx := context.Background()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		panic(err)
	}
	rt, err := bootstrap.BuildRuntime(ctx, cfg, awsCfg, logger, prometheus.NewRegistry())
	if err != nil {
		logger.Error("failed to build runtime", "error", err)
		panic(err)
	}
	worker, err := rt.BuildWorker(ctx)
	if err != nil {
		logger.Error("failed to build worker", "error", err)
		panic(err)
	}

	lambda.Start(handler(worker, rt.BuildReplyDispatcher(), logger))
}

func handler(worker batchHandler, replies replyDrainer, logger *logging.Logger) func(context.Context, events.SQSEvent) (events.SQSEventResponse, error) {
	return func(ctx context.Context, evt events.SQSEvent) (events.SQSEventResponse, error) {
		resp, err := worker.HandleSQSEvent(ctx, evt)
		if err != nil {
			return resp, err
		}
		if replies != nil {
			if _, derr := replies.DrainOnce(ctx); derr != nil {
				// The worker binary's dispatcher or the next invocation picks them up.
				logger.Warn("failed to drain replies after batch", "error", derr)
			}
		}
		return resp, nil
	}
}
