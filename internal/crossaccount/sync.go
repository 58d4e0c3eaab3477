package crossaccount

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/support"
	supporttypes "github.com/aws/aws-sdk-go-v2/service/support/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
)

const (
	sessionName     = "larkbot-case-sync"
	sessionDuration = 900 // seconds; the shortest STS allows
	callTimeout     = 10 * time.Second
)

// ErrRolePatternViolation rejects an assumption target outside the fixed
// pattern before any STS call happens.
var ErrRolePatternViolation = errors.New("crossaccount: role arn outside allowed pattern")

// RemoteCase is the remote view of a case, reduced to the fields the
// event handler reconciles.
type RemoteCase struct {
	CaseID      string
	Status      string
	Subject     string
	SevCode     string
	LastComment string
}

type stsAPI interface {
	AssumeRole(ctx context.Context, in *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

type supportAPI interface {
	DescribeCases(ctx context.Context, in *support.DescribeCasesInput, optFns ...func(*support.Options)) (*support.DescribeCasesOutput, error)
	AddCommunicationToCase(ctx context.Context, in *support.AddCommunicationToCaseInput, optFns ...func(*support.Options)) (*support.AddCommunicationToCaseOutput, error)
}

// Syncer assumes the remote support role and talks to the Support API
// with the assumed credentials.
type Syncer struct {
	sts     stsAPI
	roleArn string
	region  string

	// newSupport builds a Support client from assumed credentials.
	// Replaceable in tests.
	newSupport func(aws.Credentials) supportAPI
}

func New(stsClient stsAPI, roleArn, region string) (*Syncer, error) {
	if stsClient == nil {
		return nil, errors.New("crossaccount: sts client must not be nil")
	}
	if !RoleAllowed(roleArn) {
		return nil, fmt.Errorf("%w: %s", ErrRolePatternViolation, roleArn)
	}
	s := &Syncer{sts: stsClient, roleArn: roleArn, region: region}
	s.newSupport = func(creds aws.Credentials) supportAPI {
		cfg := aws.Config{
			Region: s.region,
			Credentials: credentials.NewStaticCredentialsProvider(
				creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		}
		return support.NewFromConfig(cfg)
	}
	return s, nil
}

func (s *Syncer) assume(ctx context.Context) (aws.Credentials, error) {
	// Checked again at call time: the configured ARN cannot drift past
	// the pattern between construction and use.
	if !RoleAllowed(s.roleArn) {
		return aws.Credentials{}, fmt.Errorf("%w: %s", ErrRolePatternViolation, s.roleArn)
	}

	out, err := s.sts.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(s.roleArn),
		RoleSessionName: aws.String(sessionName),
		DurationSeconds: aws.Int32(sessionDuration),
	})
	if err != nil {
		return aws.Credentials{}, fmt.Errorf("crossaccount: assume role: %w", err)
	}
	return credsFrom(out.Credentials)
}

// FetchCase pulls the current remote state of one case.
func (s *Syncer) FetchCase(ctx context.Context, caseID string) (*RemoteCase, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	creds, err := s.assume(ctx)
	if err != nil {
		return nil, err
	}

	api := s.newSupport(creds)
	out, err := api.DescribeCases(ctx, &support.DescribeCasesInput{
		CaseIdList:            []string{caseID},
		IncludeCommunications: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("crossaccount: describe case %s: %w", caseID, err)
	}
	if len(out.Cases) == 0 {
		return nil, fmt.Errorf("crossaccount: remote case %s not found", caseID)
	}
	return mapRemote(out.Cases[0]), nil
}

// PushComment appends a comment to the remote case.
func (s *Syncer) PushComment(ctx context.Context, caseID, body string) error {
	if strings.TrimSpace(body) == "" {
		return errors.New("crossaccount: empty comment body")
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	creds, err := s.assume(ctx)
	if err != nil {
		return err
	}

	api := s.newSupport(creds)
	_, err = api.AddCommunicationToCase(ctx, &support.AddCommunicationToCaseInput{
		CommunicationBody: aws.String(body),
		CaseId:            aws.String(caseID),
	})
	if err != nil {
		return fmt.Errorf("crossaccount: add communication to %s: %w", caseID, err)
	}
	return nil
}

func credsFrom(c *ststypes.Credentials) (aws.Credentials, error) {
	if c == nil || c.AccessKeyId == nil || c.SecretAccessKey == nil || c.SessionToken == nil {
		return aws.Credentials{}, errors.New("crossaccount: sts returned incomplete credentials")
	}
	return aws.Credentials{
		AccessKeyID:     *c.AccessKeyId,
		SecretAccessKey: *c.SecretAccessKey,
		SessionToken:    *c.SessionToken,
	}, nil
}

func mapRemote(c supporttypes.CaseDetails) *RemoteCase {
	r := &RemoteCase{
		CaseID:  aws.ToString(c.CaseId),
		Subject: aws.ToString(c.Subject),
		SevCode: aws.ToString(c.SeverityCode),
		Status:  normalizeStatus(aws.ToString(c.Status)),
	}
	if c.RecentCommunications != nil && len(c.RecentCommunications.Communications) > 0 {
		r.LastComment = aws.ToString(c.RecentCommunications.Communications[0].Body)
	}
	return r
}

// normalizeStatus folds the support system's status vocabulary into the
// case store's open/pending/closed values.
func normalizeStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "resolved", "closed":
		return "closed"
	case "pending-customer-action", "waiting-on-customer", "pending":
		return "pending"
	case "":
		return ""
	default:
		return "open"
	}
}
