package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/audit"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/contentqueue"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/knowledge"
)

const (
	engineAttempts    = 3
	translateAttempts = 2
	retryBase         = 500 * time.Millisecond
)

// Replier delivers the final answer to the originating chat thread.
type Replier interface {
	ReplyInThread(ctx context.Context, messageID, text string) error
}

type archiveAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type alertAPI interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Processor drives one work item end to end. Consumption is idempotent:
// a claim on (content hash, case identity) is taken before any side
// effect and released only when delivery fails.
type Processor struct {
	Claims     *ClaimStore
	Translator *Translator
	Engine     knowledge.Engine
	Replier    Replier
	Audit      *audit.Recorder
	Log        *zap.Logger

	// Optional collaborators; nil disables the feature.
	Archive       archiveAPI
	ArchiveBucket string
	Alerts        alertAPI
	AlertTopicArn string

	// CaseLanguage is the answer language when the work item does not
	// carry one.
	CaseLanguage string

	now func() time.Time
}

func (p *Processor) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

// Process handles one decoded work item. A nil return acknowledges the
// queue message; an error asks the queue to redeliver it.
func (p *Processor) Process(ctx context.Context, item contentqueue.WorkItem) error {
	log := p.Log.With(
		zap.String("case_pk", item.CasePK),
		zap.String("case_sk", item.CaseSK),
		zap.String("content_hash", item.ContentHash),
	)

	dup, err := p.Claims.Claim(ctx, item.ContentHash, item.CasePK, item.CaseSK)
	if err != nil {
		return err
	}
	if dup {
		log.Info("work item already answered, skipping")
		return nil
	}

	// Normalize to English for the knowledge engine. Translation failure
	// degrades to the original text rather than dropping the item.
	english, err := p.translateWithRetry(ctx, item.Content, "en")
	if err != nil {
		log.Warn("translation to english failed, using original text", zap.Error(err))
		english = item.Content
	}

	ans, err := p.answerWithRetry(ctx, english)
	if err != nil {
		// Permanent failure: keep the claim so the queue's redeliveries
		// stop hammering a broken engine, audit it, alert the operator.
		log.Error("knowledge engine failed permanently", zap.Error(err))
		p.Audit.Record(ctx, audit.Entry{
			EventKind: "content_work",
			CasePK:    item.CasePK,
			CaseSK:    item.CaseSK,
			Outcome:   audit.OutcomeAnswerFailed,
			Detail:    err.Error(),
		})
		p.alert(ctx, fmt.Sprintf("knowledge answer failed for case %s/%s: %v", item.CasePK, item.CaseSK, err))
		return nil
	}

	final := p.composeAnswer(ctx, item, ans, log)

	if err := p.Replier.ReplyInThread(ctx, item.ReplyMsgID, final); err != nil {
		// Delivery failed: release the claim and let SQS redeliver.
		if relErr := p.Claims.Release(ctx, item.ContentHash, item.CasePK, item.CaseSK); relErr != nil {
			log.Warn("claim release failed", zap.Error(relErr))
		}
		return fmt.Errorf("processor: deliver answer: %w", err)
	}

	p.archiveTranscript(ctx, english, ans, log)
	p.Audit.Record(ctx, audit.Entry{
		EventKind: "content_work",
		CasePK:    item.CasePK,
		CaseSK:    item.CaseSK,
		Outcome:   audit.OutcomeAnswered,
	})
	log.Info("answer delivered")
	return nil
}

// composeAnswer builds the reply: localized answer first, then the
// English answer, then references. Localization is best effort.
func (p *Processor) composeAnswer(ctx context.Context, item contentqueue.WorkItem, ans *knowledge.Answer, log *zap.Logger) string {
	target := item.TargetLanguage
	if target == "" {
		target = p.CaseLanguage
	}

	parts := make([]string, 0, 3)
	if target != "" && target != "en" {
		localized, err := p.translateWithRetry(ctx, ans.Body, target)
		if err != nil {
			log.Warn("answer localization failed, delivering english only", zap.Error(err))
		} else {
			parts = append(parts, localized)
		}
	}
	parts = append(parts, ans.Body)
	if refs := strings.TrimSpace(ans.References); refs != "" {
		parts = append(parts, refs)
	}
	return strings.Join(parts, "\n\n")
}

func (p *Processor) translateWithRetry(ctx context.Context, text, target string) (string, error) {
	var out string
	err := withRetry(ctx, translateAttempts, retryBase, func() error {
		var e error
		out, e = p.Translator.ToLanguage(ctx, text, target)
		return e
	})
	return out, err
}

func (p *Processor) answerWithRetry(ctx context.Context, text string) (*knowledge.Answer, error) {
	var ans *knowledge.Answer
	err := withRetry(ctx, engineAttempts, retryBase, func() error {
		var e error
		ans, e = p.Engine.Answer(ctx, text)
		return e
	})
	return ans, err
}

func (p *Processor) alert(ctx context.Context, msg string) {
	if p.Alerts == nil || p.AlertTopicArn == "" {
		return
	}
	_, err := p.Alerts.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.AlertTopicArn),
		Subject:  aws.String("larkbot content processing failure"),
		Message:  aws.String(msg),
	})
	if err != nil {
		p.Log.Warn("alert publish failed", zap.Error(err))
	}
}

// archiveTranscript writes the Q/A pair to the log bucket, keyed by day.
// Best effort.
func (p *Processor) archiveTranscript(ctx context.Context, question string, ans *knowledge.Answer, log *zap.Logger) {
	if p.Archive == nil || p.ArchiveBucket == "" {
		return
	}
	now := p.clock().UTC()
	key := fmt.Sprintf("%s/Q-%s.txt", now.Format("2006-01-02"), now.Format("2006-01-02-15-04-05"))
	body := fmt.Sprintf("Question: %s\nAnswer: %s\n", question, ans.Body)

	_, err := p.Archive.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.ArchiveBucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(body),
	})
	if err != nil {
		log.Warn("transcript archive failed", zap.Error(err))
	}
}

// withRetry runs fn up to attempts times with doubling backoff, stopping
// early when the context is done.
func withRetry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	delay := base
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if i < attempts-1 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return lastErr
			}
			delay *= 2
		}
	}
	return lastErr
}

var errNoReply = errors.New("processor: work item has no reply message id")

// Validate rejects items the processor can never deliver.
func Validate(item contentqueue.WorkItem) error {
	if item.ReplyMsgID == "" {
		return errNoReply
	}
	return nil
}
