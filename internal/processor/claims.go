package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Queue delivery is at-least-once; the claim row makes consumption
// idempotent. The key is (content hash, case identity), so the same
// content re-asked on a different case still gets its own answer.
const claimTTL = 7 * 24 * time.Hour

type claimAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

type ClaimStore struct {
	api   claimAPI
	table string
}

func NewClaimStore(api claimAPI, table string) (*ClaimStore, error) {
	if api == nil {
		return nil, errors.New("processor: claim api must not be nil")
	}
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("processor: claim table must not be empty")
	}
	return &ClaimStore{api: api, table: table}, nil
}

func claimKey(contentHash, casePK, caseSK string) string {
	return fmt.Sprintf("ANS#%s#%s#%s", contentHash, casePK, caseSK)
}

// Claim attempts to take the idempotency key. Returns (true, nil) when the
// key was already claimed, meaning the caller should treat the item as
// already answered.
func (s *ClaimStore) Claim(ctx context.Context, contentHash, casePK, caseSK string) (bool, error) {
	exp := time.Now().UTC().Add(claimTTL).Unix()

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]ddbtypes.AttributeValue{
			"PK":        &ddbtypes.AttributeValueMemberS{Value: claimKey(contentHash, casePK, caseSK)},
			"CasePK":    &ddbtypes.AttributeValueMemberS{Value: casePK},
			"CaseSK":    &ddbtypes.AttributeValueMemberS{Value: caseSK},
			"CreatedAt": &ddbtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
			"ExpiresAt": &ddbtypes.AttributeValueMemberN{Value: fmt.Sprintf("%d", exp)},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		var cfe *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return true, nil
		}
		return false, fmt.Errorf("processor: claim put: %w", err)
	}
	return false, nil
}

// Release gives the key back after a failed delivery so the queue's
// redelivery can try again.
func (s *ClaimStore) Release(ctx context.Context, contentHash, casePK, caseSK string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: claimKey(contentHash, casePK, caseSK)},
		},
	})
	if err != nil {
		return fmt.Errorf("processor: claim release: %w", err)
	}
	return nil
}
