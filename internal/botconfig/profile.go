// Package botconfig reads the versioned bot configuration profile from
// DynamoDB. Handlers resolve the profile once per invocation and treat it
// as an immutable snapshot; a missing profile is a hard error, never a
// silent default.
package botconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ErrProfileNotFound marks a missing required configuration profile.
var ErrProfileNotFound = errors.New("botconfig: profile not found")

// Profile mirrors one item of the config table.
type Profile struct {
	Key          string   `dynamodbav:"key"`
	Language     string   `dynamodbav:"language"`
	Region       string   `dynamodbav:"region"`
	Whitelist    bool     `dynamodbav:"whitelist"`
	Users        []string `dynamodbav:"users,stringset,omitempty"`
	Endpoint     string   `dynamodbav:"endpoint"`
	AppIDArn     string   `dynamodbav:"app_id_arn"`
	AppSecretArn string   `dynamodbav:"app_secret_arn"`
}

// AllowsUser reports whether the whitelist admits the sender. An empty
// user list admits nobody once the gate is on.
func (p *Profile) AllowsUser(id string) bool {
	for _, u := range p.Users {
		if u == id {
			return true
		}
	}
	return false
}

type ddbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Store reads config profiles. The SSM client is optional; when present and
// CFG_KEY_PARAM is set, the profile key is resolved through Parameter Store
// so operators can repoint the bot without redeploying.
type Store struct {
	ddb   ddbAPI
	ssm   ssmAPI
	table string
}

func NewStore(ddb ddbAPI, ssmClient ssmAPI, table string) (*Store, error) {
	if ddb == nil {
		return nil, errors.New("botconfig: ddb must not be nil")
	}
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("botconfig: table name must not be empty")
	}
	return &Store{ddb: ddb, ssm: ssmClient, table: table}, nil
}

// DefaultKey returns the deployment's profile key, preferring the SSM
// parameter named by CFG_KEY_PARAM over the plain CFG_KEY env var.
func (s *Store) DefaultKey(ctx context.Context) (string, error) {
	if param := strings.TrimSpace(os.Getenv("CFG_KEY_PARAM")); param != "" && s.ssm != nil {
		out, err := s.ssm.GetParameter(ctx, &ssm.GetParameterInput{
			Name: aws.String(param),
		})
		if err != nil {
			return "", fmt.Errorf("botconfig: resolve CFG_KEY_PARAM: %w", err)
		}
		if out.Parameter != nil && out.Parameter.Value != nil && strings.TrimSpace(*out.Parameter.Value) != "" {
			return strings.TrimSpace(*out.Parameter.Value), nil
		}
	}

	key := strings.TrimSpace(os.Getenv("CFG_KEY"))
	if key == "" {
		return "", errors.New("botconfig: CFG_KEY not set")
	}
	return key, nil
}

// Get loads one profile by key.
func (s *Store) Get(ctx context.Context, key string) (*Profile, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("botconfig: empty profile key")
	}

	out, err := s.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]ddbtypes.AttributeValue{
			"key": &ddbtypes.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("botconfig: get profile %q: %w", key, err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrProfileNotFound, key)
	}

	var p Profile
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return nil, fmt.Errorf("botconfig: unmarshal profile %q: %w", key, err)
	}
	return &p, nil
}

// GetDefault resolves the default key and loads its profile.
func (s *Store) GetDefault(ctx context.Context) (*Profile, error) {
	key, err := s.DefaultKey(ctx)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, key)
}
