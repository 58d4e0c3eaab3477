// Package contentqueue hands content work from the event handler to the
// content processor over a FIFO queue. Deduplication is content-addressed:
// the dedup id is a hash of the normalized text, so retried webhook
// deliveries and rapid repeats collapse to one queued item. Nothing but
// the processor may consume this queue.
package contentqueue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// WorkItem is the wire contract between the event handler and the
// content processor.
type WorkItem struct {
	Content        string `json:"content"`
	ContentHash    string `json:"content_hash"`
	CasePK         string `json:"case_pk"`
	CaseSK         string `json:"case_sk"`
	ReplyMsgID     string `json:"reply_msg_id"`
	TargetLanguage string `json:"target_language"`
}

// Normalize collapses whitespace and case so trivially re-worded retries
// hash identically.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(text))), " ")
}

// Hash returns the content-addressed identity of a piece of text.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type Sender struct {
	api      sqsAPI
	queueURL string
}

func NewSender(api sqsAPI, queueURL string) (*Sender, error) {
	if api == nil {
		return nil, errors.New("contentqueue: api must not be nil")
	}
	if strings.TrimSpace(queueURL) == "" {
		return nil, errors.New("contentqueue: queue url must not be empty")
	}
	return &Sender{api: api, queueURL: queueURL}, nil
}

// Send enqueues the item. The message group is the case identity, so
// ordering holds per case while distinct cases drain in parallel.
func (s *Sender) Send(ctx context.Context, item WorkItem) error {
	if item.ContentHash == "" {
		item.ContentHash = Hash(item.Content)
	}
	if item.CasePK == "" || item.CaseSK == "" {
		return errors.New("contentqueue: Send: case identity is required")
	}

	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("contentqueue: marshal work item: %w", err)
	}

	_, err = s.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               aws.String(s.queueURL),
		MessageBody:            aws.String(string(body)),
		MessageGroupId:         aws.String(GroupID(item.CasePK, item.CaseSK)),
		MessageDeduplicationId: aws.String(item.ContentHash),
	})
	if err != nil {
		return fmt.Errorf("contentqueue: send message: %w", err)
	}
	return nil
}

// GroupID is the FIFO message group for one case.
func GroupID(pk, sk string) string {
	return pk + "#" + sk
}

// Decode parses a received queue body back into a WorkItem.
func Decode(body string) (WorkItem, error) {
	var item WorkItem
	if err := json.Unmarshal([]byte(body), &item); err != nil {
		return WorkItem{}, fmt.Errorf("contentqueue: decode work item: %w", err)
	}
	if item.Content == "" {
		return WorkItem{}, errors.New("contentqueue: work item has no content")
	}
	if item.ContentHash == "" {
		item.ContentHash = Hash(item.Content)
	}
	return item, nil
}
