package main

import (
	"context"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	bedrockruntime "github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/translate"
	"go.uber.org/zap"

	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/audit"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/botconfig"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/contentqueue"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/db"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/knowledge"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/lark"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/logging"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/processor"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/secrets"
)

type app struct {
	proc *processor.Processor
	log  *zap.Logger
}

var theApp *app

func getApp(ctx context.Context) (*app, error) {
	if theApp != nil {
		return theApp, nil
	}

	logging.Init()
	log := logging.Get()

	cfg, err := db.LoadAWSConfig(ctx)
	if err != nil {
		return nil, err
	}
	ddb := dynamodb.NewFromConfig(cfg)

	claims, err := processor.NewClaimStore(ddb, db.AnswerDedupeTableName())
	if err != nil {
		return nil, err
	}

	translator, err := processor.NewTranslator(
		bedrockruntime.NewFromConfig(cfg),
		translate.NewFromConfig(cfg),
	)
	if err != nil {
		return nil, err
	}

	engine, err := knowledge.NewClient(cfg.Credentials)
	if err != nil {
		return nil, err
	}

	rec, err := audit.NewRecorder(ddb, db.AuditTableName(), log)
	if err != nil {
		return nil, err
	}

	resolver, err := secrets.New(secretsmanager.NewFromConfig(cfg))
	if err != nil {
		return nil, err
	}

	settings := botconfig.SettingsFromEnv()
	appIDArn, appSecretArn, flavor := larkIdentity(ctx, ddb, ssm.NewFromConfig(cfg), settings, log)

	replier, err := lark.NewClient(resolver, appIDArn, appSecretArn, flavor)
	if err != nil {
		return nil, err
	}

	theApp = &app{
		proc: &processor.Processor{
			Claims:        claims,
			Translator:    translator,
			Engine:        engine,
			Replier:       replier,
			Audit:         rec,
			Log:           log,
			Archive:       s3.NewFromConfig(cfg),
			ArchiveBucket: os.Getenv("LOG_BUCKET"),
			Alerts:        sns.NewFromConfig(cfg),
			AlertTopicArn: os.Getenv("ALERT_TOPIC_ARN"),
			CaseLanguage:  settings.CaseLanguage,
		},
		log: log,
	}
	return theApp, nil
}

// larkIdentity resolves the bot's app credential ARNs and endpoint flavor,
// preferring the shared config profile and falling back to plain env vars
// so the processor still runs when the config table is unreachable.
func larkIdentity(ctx context.Context, ddb *dynamodb.Client, ssmClient *ssm.Client, settings botconfig.Settings, log *zap.Logger) (appIDArn, appSecretArn, flavor string) {
	appIDArn = strings.TrimSpace(os.Getenv("APP_ID_SECRET_ARN"))
	appSecretArn = strings.TrimSpace(os.Getenv("APP_SECRET_ARN"))
	flavor = settings.BotEndpoint

	store, err := botconfig.NewStore(ddb, ssmClient, db.ConfigTableName())
	if err != nil {
		return appIDArn, appSecretArn, flavor
	}
	profile, err := store.GetDefault(ctx)
	if err != nil {
		log.Warn("config profile unavailable, using env credentials", zap.Error(err))
		return appIDArn, appSecretArn, flavor
	}

	if profile.AppIDArn != "" {
		appIDArn = profile.AppIDArn
	}
	if profile.AppSecretArn != "" {
		appSecretArn = profile.AppSecretArn
	}
	if profile.Endpoint != "" {
		flavor = profile.Endpoint
	}
	return appIDArn, appSecretArn, flavor
}

func handler(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	a, err := getApp(ctx)
	if err != nil {
		// Infra issue; fail the whole batch so every record retries.
		return events.SQSEventResponse{}, err
	}

	failures := make([]events.SQSBatchItemFailure, 0)
	for _, rec := range sqsEvent.Records {
		if err := a.processOne(ctx, rec.Body); err != nil {
			a.log.Error("work item failed, will redeliver",
				zap.String("message_id", rec.MessageId),
				zap.Error(err),
			)
			failures = append(failures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return events.SQSEventResponse{BatchItemFailures: failures}, nil
}

func (a *app) processOne(ctx context.Context, body string) error {
	item, err := contentqueue.Decode(body)
	if err != nil {
		// Malformed bodies never become deliverable; drop, don't retry.
		a.log.Warn("undecodable work item dropped", zap.Error(err))
		return nil
	}
	if err := processor.Validate(item); err != nil {
		a.log.Warn("undeliverable work item dropped",
			zap.String("case_pk", item.CasePK),
			zap.String("case_sk", item.CaseSK),
			zap.Error(err),
		)
		return nil
	}
	return a.proc.Process(ctx, item)
}

func main() { lambda.Start(handler) }
