package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.uber.org/zap"

	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/audit"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/botconfig"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/casestore"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/contentqueue"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/crossaccount"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/db"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/larkevent"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/logging"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/msghandler"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/security"
)

type app struct {
	handler *msghandler.Handler
	log     *zap.Logger
}

// Built once per container; Lambda invokes are serialized per container
// so no locking is needed.
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

	profiles, err := botconfig.NewStore(ddb, ssm.NewFromConfig(cfg), db.ConfigTableName())
	if err != nil {
		return nil, err
	}
	cases, err := casestore.New(ddb, db.CasesTableName())
	if err != nil {
		return nil, err
	}
	queue, err := contentqueue.NewSender(sqs.NewFromConfig(cfg), db.ContentQueueURL())
	if err != nil {
		return nil, err
	}
	rec, err := audit.NewRecorder(ddb, db.AuditTableName(), log)
	if err != nil {
		return nil, err
	}

	settings := botconfig.SettingsFromEnv()

	h, err := msghandler.New(profiles, cases, queue, nil, rec, settings, log)
	if err != nil {
		return nil, err
	}
	if roleArn := strings.TrimSpace(os.Getenv("SUPPORT_SYNC_ROLE_ARN")); roleArn != "" {
		syncer, err := crossaccount.New(sts.NewFromConfig(cfg), roleArn, supportRegion(settings.SupportRegion))
		if err != nil {
			return nil, err
		}
		h.Sync = syncer
	}

	theApp = &app{handler: h, log: log}
	return theApp, nil
}

// supportRegion maps the deployment's support partition to the region the
// Support API lives in.
func supportRegion(partition string) string {
	if partition == "cn" {
		return "cn-north-1"
	}
	return "us-east-1"
}

// handle accepts both delivery paths into this function: the API Gateway
// webhook (chat events) and direct EventBridge delivery (case pushes and
// the scheduled refresh tick).
func handle(ctx context.Context, raw json.RawMessage) (events.APIGatewayV2HTTPResponse, error) {
	a, err := getApp(ctx)
	if err != nil {
		return jsonErr(http.StatusInternalServerError, "init_failed", err), nil
	}

	var req events.APIGatewayV2HTTPRequest
	if json.Unmarshal(raw, &req) == nil && req.RequestContext.HTTP.Method != "" {
		return a.serveWebhook(ctx, req)
	}
	return a.serveDirect(ctx, raw)
}

// serveWebhook is the user-facing POST /messages path. Malformed events
// are the caller's fault; everything else is ours.
func (a *app) serveWebhook(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return jsonErr(http.StatusBadRequest, "invalid_body_encoding", err), nil
		}
		body = decoded
	}

	if encryptKey := os.Getenv("LARK_ENCRYPT_KEY"); encryptKey != "" {
		// With a key configured every request must carry a valid
		// signature; a missing header fails like a wrong one.
		ok := security.VerifySignature(encryptKey,
			req.Headers["x-lark-request-timestamp"],
			req.Headers["x-lark-request-nonce"],
			req.Headers["x-lark-signature"], body)
		if !ok {
			return jsonErr(http.StatusBadRequest, "invalid_signature", nil), nil
		}
		var wrapper struct {
			Encrypt string `json:"encrypt"`
		}
		if json.Unmarshal(body, &wrapper) == nil && wrapper.Encrypt != "" {
			plain, err := security.DecryptEvent(encryptKey, wrapper.Encrypt)
			if err != nil {
				return jsonErr(http.StatusBadRequest, "undecryptable_event", err), nil
			}
			body = plain
		}
	}

	var msg larkevent.Msg
	if err := json.Unmarshal(body, &msg); err != nil {
		return jsonErr(http.StatusBadRequest, "invalid_json", err), nil
	}

	log := logging.WithRequest(msg.RequestID())

	switch msg.Classify() {
	case larkevent.KindChallenge:
		return jsonOK(map[string]string{"challenge": msg.Challenge}), nil
	case larkevent.KindRefresh:
		if err := a.handler.HandleRefresh(ctx); err != nil {
			log.Error("refresh failed", zap.Error(err))
			return jsonErr(http.StatusInternalServerError, "refresh_failed", err), nil
		}
		return jsonOK(map[string]string{}), nil
	case larkevent.KindText, larkevent.KindAttachment, larkevent.KindCardAction, larkevent.KindMenuCreateCase:
		if err := a.handler.HandleChat(ctx, &msg); err != nil {
			if msghandler.IsClientInput(err) {
				return jsonErr(http.StatusBadRequest, "bad_request", err), nil
			}
			log.Error("chat event failed", zap.Error(err))
			return jsonErr(http.StatusInternalServerError, "internal_error", err), nil
		}
		return jsonOK(map[string]string{}), nil
	default:
		return jsonErr(http.StatusBadRequest, "unsupported_event", nil), nil
	}
}

// serveDirect handles EventBridge deliveries. There is no external caller
// to answer, so reconciliation failures are logged and dropped.
func (a *app) serveDirect(ctx context.Context, raw json.RawMessage) (events.APIGatewayV2HTTPResponse, error) {
	var msg larkevent.Msg
	if err := json.Unmarshal(raw, &msg); err == nil && msg.Classify() == larkevent.KindRefresh {
		if err := a.handler.HandleRefresh(ctx); err != nil {
			a.log.Error("scheduled refresh failed", zap.Error(err))
		}
		return jsonOK(map[string]string{}), nil
	}

	var bus larkevent.BusEvent
	if err := json.Unmarshal(raw, &bus); err != nil || len(bus.Detail) == 0 {
		a.log.Warn("unrecognized direct event, dropping", zap.Int("bytes", len(raw)))
		return jsonOK(map[string]string{}), nil
	}

	push, err := bus.ParseCasePush()
	if err != nil {
		a.log.Warn("case push without identity, dropping", zap.Error(err))
		return jsonOK(map[string]string{}), nil
	}

	if err := a.handler.HandleCasePush(ctx, push); err != nil {
		a.log.Error("case push failed",
			zap.String("case_pk", push.CasePK),
			zap.String("case_sk", push.CaseSK),
			zap.Error(err),
		)
	}
	return jsonOK(map[string]string{}), nil
}

func jsonOK(v any) events.APIGatewayV2HTTPResponse {
	b, _ := json.Marshal(v)
	return events.APIGatewayV2HTTPResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body: string(b),
	}
}

func jsonErr(status int, msg string, err error) events.APIGatewayV2HTTPResponse {
	resp := map[string]any{"error": msg}
	if err != nil {
		resp["detail"] = err.Error()
	}
	b, _ := json.Marshal(resp)
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body: string(b),
	}
}

func main() { lambda.Start(handle) }
