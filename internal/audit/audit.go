// Package audit appends one decision-trace entry per handled event to the
// audit table. The hot path never reads these back; a failed write must
// never fail the event that produced it.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outcomes recorded by the event handler and processor.
const (
	OutcomeCaseCreated   = "case_created"
	OutcomeCaseUpdated   = "case_updated"
	OutcomeEnqueued      = "content_enqueued"
	OutcomeDuplicate     = "duplicate_skipped"
	OutcomeSyncFailed    = "sync_failed"
	OutcomeRejected      = "rejected"
	OutcomeAnswered      = "answer_delivered"
	OutcomeAnswerFailed  = "answer_failed"
	OutcomeWhitelistDrop = "whitelist_dropped"
)

// Entry is one append-only audit row.
type Entry struct {
	Key       string
	EventKind string
	CasePK    string
	CaseSK    string
	Outcome   string
	Detail    string
}

type putAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

type Recorder struct {
	ddb   putAPI
	table string
	log   *zap.Logger
}

func NewRecorder(ddb putAPI, table string, log *zap.Logger) (*Recorder, error) {
	if ddb == nil {
		return nil, errors.New("audit: ddb must not be nil")
	}
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("audit: table name must not be empty")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{ddb: ddb, table: table, log: log}, nil
}

// Record writes the entry, generating a correlation key when absent.
// Failure is logged and swallowed: audit is best effort.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if e.Key == "" {
		e.Key = uuid.NewString()
	}

	_, err := r.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.table),
		Item: map[string]ddbtypes.AttributeValue{
			"key":        &ddbtypes.AttributeValueMemberS{Value: e.Key},
			"event_kind": &ddbtypes.AttributeValueMemberS{Value: e.EventKind},
			"case_pk":    &ddbtypes.AttributeValueMemberS{Value: e.CasePK},
			"case_sk":    &ddbtypes.AttributeValueMemberS{Value: e.CaseSK},
			"outcome":    &ddbtypes.AttributeValueMemberS{Value: e.Outcome},
			"detail":     &ddbtypes.AttributeValueMemberS{Value: e.Detail},
			"at":         &ddbtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		r.log.Warn("audit write failed",
			zap.String("outcome", e.Outcome),
			zap.String("case", fmt.Sprintf("%s/%s", e.CasePK, e.CaseSK)),
			zap.Error(err),
		)
	}
}
