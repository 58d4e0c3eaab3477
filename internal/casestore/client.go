package casestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	cardMsgIndex    = "card_msg_id-index"
	statusTypeIndex = "status-type-index"
)

var (
	// ErrNotFound marks a missing case row.
	ErrNotFound = errors.New("casestore: case not found")
	// ErrConflict marks a conditional-write collision that survived the
	// local retry. Callers treat it as transient.
	ErrConflict = errors.New("casestore: concurrent update conflict")
)

// ddbAPI is the minimal DynamoDB surface the client needs. Defined here
// for testability; *dynamodb.Client satisfies it.
type ddbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

type Client struct {
	api   ddbAPI
	table string
}

func New(api ddbAPI, table string) (*Client, error) {
	if api == nil {
		return nil, errors.New("casestore: api must not be nil")
	}
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("casestore: table name must not be empty")
	}
	return &Client{api: api, table: table}, nil
}

// Create inserts a brand-new case row. The condition rejects resurrecting
// an identity that already exists.
func (c *Client) Create(ctx context.Context, caze *Case) error {
	if caze.PK == "" || caze.SK == "" {
		return errors.New("casestore: Create: pk and sk are required")
	}
	if caze.Version == 0 {
		caze.Touch(time.Now())
	}

	item, err := attributevalue.MarshalMap(caze)
	if err != nil {
		return fmt.Errorf("casestore: Create marshal: %w", err)
	}

	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk) AND attribute_not_exists(sk)"),
	})
	if err != nil {
		var cfe *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return ErrConflict
		}
		return fmt.Errorf("casestore: Create: %w", err)
	}
	return nil
}

// Get loads one case by identity.
func (c *Client) Get(ctx context.Context, pk, sk string) (*Case, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.table),
		Key: map[string]ddbtypes.AttributeValue{
			"pk": &ddbtypes.AttributeValueMemberS{Value: pk},
			"sk": &ddbtypes.AttributeValueMemberS{Value: sk},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("casestore: Get: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}

	var caze Case
	if err := attributevalue.UnmarshalMap(out.Item, &caze); err != nil {
		return nil, fmt.Errorf("casestore: Get unmarshal: %w", err)
	}
	return &caze, nil
}

// queryAll drains every page of a query; LastEvaluatedKey feeds the next
// page until the index partition is exhausted.
func (c *Client) queryAll(ctx context.Context, in *dynamodb.QueryInput) ([]Case, error) {
	var cases []Case
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, err
		}
		for _, item := range out.Items {
			var caze Case
			if err := attributevalue.UnmarshalMap(item, &caze); err != nil {
				return nil, fmt.Errorf("unmarshal: %w", err)
			}
			cases = append(cases, caze)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return cases, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// GetByCardMsgID resolves a card interaction back to its case via the
// card_msg_id index. The index is non-unique; the newest row wins.
func (c *Client) GetByCardMsgID(ctx context.Context, cardMsgID string) (*Case, error) {
	if strings.TrimSpace(cardMsgID) == "" {
		return nil, errors.New("casestore: empty card message id")
	}

	cases, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.table),
		IndexName:              aws.String(cardMsgIndex),
		KeyConditionExpression: aws.String("card_msg_id = :m"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":m": &ddbtypes.AttributeValueMemberS{Value: cardMsgID},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("casestore: GetByCardMsgID query: %w", err)
	}
	if len(cases) == 0 {
		return nil, ErrNotFound
	}

	newest := &cases[0]
	for i := range cases {
		if cases[i].UpdatedAt > newest.UpdatedAt {
			newest = &cases[i]
		}
	}
	cp := *newest
	return &cp, nil
}

// ListActive returns every non-closed case from the status-type index.
// The index partition key is status, so this is one query per open
// status.
func (c *Client) ListActive(ctx context.Context) ([]Case, error) {
	var cases []Case
	for _, status := range []string{StatusNew, StatusOpen, StatusPending} {
		page, err := c.queryAll(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.table),
			IndexName:              aws.String(statusTypeIndex),
			KeyConditionExpression: aws.String("#s = :s"),
			ExpressionAttributeNames: map[string]string{
				"#s": "status",
			},
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":s": &ddbtypes.AttributeValueMemberS{Value: status},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("casestore: ListActive query status=%s: %w", status, err)
		}
		cases = append(cases, page...)
	}
	return cases, nil
}

// FindShell returns the newest menu-created case in a chat that is still
// waiting for its first message. ErrNotFound when the chat has none.
func (c *Client) FindShell(ctx context.Context, channelID string) (*Case, error) {
	if strings.TrimSpace(channelID) == "" {
		return nil, ErrNotFound
	}

	cases, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.table),
		IndexName:              aws.String(statusTypeIndex),
		KeyConditionExpression: aws.String("#s = :s"),
		FilterExpression:       aws.String("channel_id = :c AND #t = :t"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
			"#t": "type",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":s": &ddbtypes.AttributeValueMemberS{Value: StatusNew},
			":c": &ddbtypes.AttributeValueMemberS{Value: channelID},
			":t": &ddbtypes.AttributeValueMemberS{Value: "menu"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("casestore: FindShell query: %w", err)
	}
	if len(cases) == 0 {
		return nil, ErrNotFound
	}

	newest := &cases[0]
	for i := range cases {
		if cases[i].UpdatedAt > newest.UpdatedAt {
			newest = &cases[i]
		}
	}
	cp := *newest
	return &cp, nil
}

// Mutator applies a field change to a freshly read case. It returns false
// when the change no longer applies (nothing to write).
type Mutator func(*Case) bool

// UpdateCAS applies mutate under optimistic concurrency: read, mutate,
// write conditioned on the version seen at read time. On a collision it
// re-reads and retries exactly once, then surfaces ErrConflict.
func (c *Client) UpdateCAS(ctx context.Context, pk, sk string, mutate Mutator) (*Case, error) {
	for attempt := 0; attempt < 2; attempt++ {
		caze, err := c.Get(ctx, pk, sk)
		if err != nil {
			return nil, err
		}

		seen := caze.Version
		if !mutate(caze) {
			return caze, nil
		}
		caze.Touch(time.Now())

		item, err := attributevalue.MarshalMap(caze)
		if err != nil {
			return nil, fmt.Errorf("casestore: UpdateCAS marshal: %w", err)
		}

		_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(c.table),
			Item:                item,
			ConditionExpression: aws.String("version = :v"),
			ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
				":v": &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", seen)},
			},
		})
		if err == nil {
			return caze, nil
		}

		var cfe *ddbtypes.ConditionalCheckFailedException
		if !errors.As(err, &cfe) {
			return nil, fmt.Errorf("casestore: UpdateCAS: %w", err)
		}
		// Lost the race; loop re-reads and re-applies once.
	}
	return nil, ErrConflict
}
