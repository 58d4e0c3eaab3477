package main

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/db"
)

type HealthResponse struct {
	OK      bool     `json:"ok"`
	Service string   `json:"service"`
	Missing []string `json:"missing,omitempty"`
}

func handler(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	var missing []string
	for name, val := range map[string]string{
		"CASES_TABLE":         db.CasesTableName(),
		"AUDIT_TABLE":         db.AuditTableName(),
		"CFG_TABLE":           db.ConfigTableName(),
		"ANSWER_DEDUPE_TABLE": db.AnswerDedupeTableName(),
		"SQS_URL":             db.ContentQueueURL(),
	} {
		if val == "" {
			missing = append(missing, name)
		}
	}

	body, _ := json.Marshal(HealthResponse{
		OK:      len(missing) == 0,
		Service: "lark-aws-knowledge-assistant",
		Missing: missing,
	})

	status := 200
	if len(missing) > 0 {
		status = 500
	}
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers: map[string]string{
			"content-type": "application/json",
		},
		Body: string(body),
	}, nil
}

func main() {
	lambda.Start(handler)
}
