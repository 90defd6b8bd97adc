package conversation

import (
	"context"
	"strconv"

	lambdaevents "github.com/aws/aws-lambda-go/events"
)

// HandleSQSEvent processes a Lambda SQS batch. Records that need another
// delivery are reported as batch item failures, and once a conversation has a
// failure every later record of that conversation fails too so order holds.
func (w *Worker) HandleSQSEvent(ctx context.Context, evt lambdaevents.SQSEvent) (lambdaevents.SQSEventResponse, error) {
	var resp lambdaevents.SQSEventResponse
	blocked := make(map[string]bool)

	for _, record := range evt.Records {
		group := record.Attributes["MessageGroupId"]
		if group != "" && blocked[group] {
			resp.BatchItemFailures = append(resp.BatchItemFailures, lambdaevents.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
			continue
		}
		count, _ := strconv.Atoi(record.Attributes["ApproximateReceiveCount"])
		disp := w.Handle(ctx, Delivery{MessageID: record.MessageId, Body: record.Body, ReceiveCount: count})
		if disp == DispositionRetry {
			if group != "" {
				blocked[group] = true
			}
			resp.BatchItemFailures = append(resp.BatchItemFailures, lambdaevents.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}
	if len(resp.BatchItemFailures) > 0 {
		w.logger.Warn("sqs batch had failures", "failed", len(resp.BatchItemFailures), "records", len(evt.Records))
	}
	return resp, nil
}
