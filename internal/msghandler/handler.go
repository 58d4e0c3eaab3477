// Package msghandler is the decision core of the ingress Lambda. It turns
// classified envelopes into case-store writes, queue sends, and audit
// entries. Each public method handles one envelope kind and writes exactly
// one audit entry per case decision before returning.
package msghandler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/audit"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/botconfig"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/casestore"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/contentqueue"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/crossaccount"
	"github.com/zhang1980s/lark-aws-knowledge-assistant/internal/larkevent"
)

// Card action values the bot's own cards carry.
const (
	actionCloseCase = "close_case"
	actionAckCase   = "ack_case"
)

// caseTypeSupport marks rows owned by the remote support system; replies
// on them are mirrored back as case communications.
const caseTypeSupport = "support"

type profileSource interface {
	GetDefault(ctx context.Context) (*botconfig.Profile, error)
}

type caseAPI interface {
	Create(ctx context.Context, caze *casestore.Case) error
	Get(ctx context.Context, pk, sk string) (*casestore.Case, error)
	GetByCardMsgID(ctx context.Context, cardMsgID string) (*casestore.Case, error)
	FindShell(ctx context.Context, channelID string) (*casestore.Case, error)
	ListActive(ctx context.Context) ([]casestore.Case, error)
	UpdateCAS(ctx context.Context, pk, sk string, mutate casestore.Mutator) (*casestore.Case, error)
}

type enqueuer interface {
	Send(ctx context.Context, item contentqueue.WorkItem) error
}

type caseSyncer interface {
	FetchCase(ctx context.Context, caseID string) (*crossaccount.RemoteCase, error)
	PushComment(ctx context.Context, caseID, body string) error
}

// Handler coordinates one invocation. It is stateless; all coordination
// with concurrent invocations goes through the case store's conditional
// writes.
type Handler struct {
	Config   profileSource
	Cases    caseAPI
	Queue    enqueuer
	Sync     caseSyncer // nil disables remote reconciliation on refresh
	Audit    *audit.Recorder
	Settings botconfig.Settings
	Log      *zap.Logger

	newID func() string
}

func New(cfg profileSource, cases caseAPI, queue enqueuer, sync caseSyncer, rec *audit.Recorder, settings botconfig.Settings, log *zap.Logger) (*Handler, error) {
	if cfg == nil || cases == nil || queue == nil || rec == nil {
		return nil, errors.New("msghandler: config, cases, queue and audit are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Config:   cfg,
		Cases:    cases,
		Queue:    queue,
		Sync:     sync,
		Audit:    rec,
		Settings: settings,
		Log:      log,
		newID:    uuid.NewString,
	}, nil
}

// HandleChat dispatches a chat-originated envelope: text message, card
// action, or menu event. The profile is resolved once and treated as an
// immutable snapshot for the invocation.
func (h *Handler) HandleChat(ctx context.Context, msg *larkevent.Msg) error {
	profile, err := h.Config.GetDefault(ctx)
	if err != nil {
		return externalErr("load profile", err)
	}

	if dropped := h.whitelistGate(ctx, profile, msg); dropped {
		return nil
	}

	switch msg.Classify() {
	case larkevent.KindText:
		return h.handleText(ctx, profile, msg)
	case larkevent.KindAttachment:
		return h.handleAttachment(ctx, msg)
	case larkevent.KindCardAction:
		return h.handleCardAction(ctx, msg)
	case larkevent.KindMenuCreateCase:
		return h.handleMenuCreateCase(ctx, msg)
	default:
		h.Audit.Record(ctx, audit.Entry{
			EventKind: "chat",
			Outcome:   audit.OutcomeRejected,
			Detail:    "unhandled envelope kind",
		})
		return fmt.Errorf("%w: unhandled envelope kind", ErrMalformedEvent)
	}
}

// whitelistGate drops senders outside the profile's user list when the
// deployment has the gate enabled. Returns true when the event was
// dropped (already audited).
func (h *Handler) whitelistGate(ctx context.Context, profile *botconfig.Profile, msg *larkevent.Msg) bool {
	if !h.Settings.WhitelistEnabled || !profile.Whitelist {
		return false
	}
	sender := msg.Event.Sender.IDs.UserID
	if sender == "" {
		sender = msg.Event.Sender.IDs.OpenID
	}
	if profile.AllowsUser(sender) {
		return false
	}
	h.Log.Info("sender outside whitelist, dropping", zap.String("sender", sender))
	h.Audit.Record(ctx, audit.Entry{
		EventKind: "chat",
		Outcome:   audit.OutcomeWhitelistDrop,
		Detail:    sender,
	})
	return true
}

// handleText creates a case for a fresh conversation or appends work to
// an existing one located through the card message id. A reply whose
// normalized content matches the case's last seen hash is not re-queued.
func (h *Handler) handleText(ctx context.Context, profile *botconfig.Profile, msg *larkevent.Msg) error {
	text := msg.Text()
	if text == "" {
		h.Audit.Record(ctx, audit.Entry{
			EventKind: "chat_text",
			Outcome:   audit.OutcomeRejected,
			Detail:    "empty text content",
		})
		return fmt.Errorf("%w: empty text content", ErrMalformedEvent)
	}

	threadRoot := msg.Event.Message.RootID
	if threadRoot == "" {
		threadRoot = msg.Event.Message.ParentID
	}
	if threadRoot == "" {
		return h.createCaseFromText(ctx, profile, msg, text)
	}
	return h.appendToCase(ctx, profile, msg, threadRoot, text)
}

func (h *Handler) createCaseFromText(ctx context.Context, profile *botconfig.Profile, msg *larkevent.Msg, text string) error {
	chatID := msg.Event.Message.ChatID
	if chatID == "" {
		h.Audit.Record(ctx, audit.Entry{
			EventKind: "chat_text",
			Outcome:   audit.OutcomeRejected,
			Detail:    "message without chat id",
		})
		return fmt.Errorf("%w: message without chat id", ErrMalformedEvent)
	}

	// A menu-created shell in this chat is still waiting for its first
	// message; fill it instead of opening a sibling case.
	shell, err := h.Cases.FindShell(ctx, chatID)
	if err == nil {
		return h.fillShell(ctx, profile, shell, msg, text)
	}
	if !errors.Is(err, casestore.ErrNotFound) {
		return externalErr("locate menu shell", err)
	}

	caze := &casestore.Case{
		PK:              chatID,
		SK:              "case-" + h.newID(),
		Status:          casestore.StatusOpen,
		Type:            "chat",
		CardMsgID:       msg.Event.Message.MsgID,
		Content:         text,
		UserID:          msg.Event.Sender.IDs.UserID,
		ChannelID:       chatID,
		LastContentHash: contentqueue.Hash(text),
	}

	if err := h.Cases.Create(ctx, caze); err != nil {
		return externalErr("create case", err)
	}

	if err := h.Queue.Send(ctx, h.workItem(profile, caze, msg.Event.Message.MsgID, text)); err != nil {
		return externalErr("enqueue content", err)
	}

	h.Audit.Record(ctx, audit.Entry{
		EventKind: "chat_text",
		CasePK:    caze.PK,
		CaseSK:    caze.SK,
		Outcome:   audit.OutcomeCaseCreated,
		Detail:    caze.LastContentHash,
	})
	h.Log.Info("case created from chat",
		zap.String("case_pk", caze.PK),
		zap.String("case_sk", caze.SK),
	)
	return nil
}

// fillShell turns a menu-created shell into a live case with the chat's
// first message. The card message id is bound here so thread replies
// resolve back to the shell, not to a new case.
func (h *Handler) fillShell(ctx context.Context, profile *botconfig.Profile, shell *casestore.Case, msg *larkevent.Msg, text string) error {
	if err := h.Queue.Send(ctx, h.workItem(profile, shell, msg.Event.Message.MsgID, text)); err != nil {
		return externalErr("enqueue content", err)
	}

	hash := contentqueue.Hash(text)
	_, err := h.Cases.UpdateCAS(ctx, shell.PK, shell.SK, func(c *casestore.Case) bool {
		c.Status = casestore.StatusOpen
		c.CardMsgID = msg.Event.Message.MsgID
		c.Content = text
		c.LastContentHash = hash
		if c.UserID == "" {
			c.UserID = msg.Event.Sender.IDs.UserID
		}
		return true
	})
	if err != nil {
		return externalErr("fill case shell", err)
	}

	h.Audit.Record(ctx, audit.Entry{
		EventKind: "chat_text",
		CasePK:    shell.PK,
		CaseSK:    shell.SK,
		Outcome:   audit.OutcomeCaseUpdated,
		Detail:    hash,
	})
	h.Log.Info("menu case shell filled",
		zap.String("case_pk", shell.PK),
		zap.String("case_sk", shell.SK),
	)
	return nil
}

func (h *Handler) appendToCase(ctx context.Context, profile *botconfig.Profile, msg *larkevent.Msg, threadRoot, text string) error {
	caze, err := h.Cases.GetByCardMsgID(ctx, threadRoot)
	if errors.Is(err, casestore.ErrNotFound) {
		// The thread root is not one of ours; treat the message as a
		// fresh conversation instead of dropping it.
		return h.createCaseFromText(ctx, profile, msg, text)
	}
	if err != nil {
		return externalErr("locate case by card", err)
	}

	hash := contentqueue.Hash(text)
	if hash == caze.LastContentHash {
		h.Audit.Record(ctx, audit.Entry{
			EventKind: "chat_reply",
			CasePK:    caze.PK,
			CaseSK:    caze.SK,
			Outcome:   audit.OutcomeDuplicate,
			Detail:    hash,
		})
		return nil
	}

	if err := h.Queue.Send(ctx, h.workItem(profile, caze, msg.Event.Message.MsgID, text)); err != nil {
		return externalErr("enqueue content", err)
	}

	// Replies on cases owned by the remote support system are mirrored
	// there as communications. Best effort; the local flow never fails
	// on a remote push.
	if h.Sync != nil && caze.Type == caseTypeSupport {
		if err := h.Sync.PushComment(ctx, caze.SK, text); err != nil {
			h.Log.Warn("remote comment push failed",
				zap.String("case_sk", caze.SK),
				zap.Error(err),
			)
		}
	}

	_, err = h.Cases.UpdateCAS(ctx, caze.PK, caze.SK, func(c *casestore.Case) bool {
		if c.LastContentHash == hash {
			return false
		}
		c.LastContentHash = hash
		c.Content = text
		return true
	})
	if err != nil {
		return externalErr("record content hash", err)
	}

	h.Audit.Record(ctx, audit.Entry{
		EventKind: "chat_reply",
		CasePK:    caze.PK,
		CaseSK:    caze.SK,
		Outcome:   audit.OutcomeEnqueued,
		Detail:    hash,
	})
	return nil
}

// handleAttachment records an image or file sent into a case thread as
// an attachment reference. Attachments without a resolvable case are
// dropped after auditing; they are valid platform events, not client
// errors.
func (h *Handler) handleAttachment(ctx context.Context, msg *larkevent.Msg) error {
	key, name := msg.Attachment()
	if key == "" {
		h.Audit.Record(ctx, audit.Entry{
			EventKind: "chat_attachment",
			Outcome:   audit.OutcomeRejected,
			Detail:    "attachment without a storage key",
		})
		return nil
	}
	ref := key
	if name != "" {
		ref = name + " (" + key + ")"
	}

	threadRoot := msg.Event.Message.RootID
	if threadRoot == "" {
		threadRoot = msg.Event.Message.ParentID
	}
	if threadRoot == "" {
		h.Log.Info("attachment outside a case thread, dropping", zap.String("key", key))
		h.Audit.Record(ctx, audit.Entry{
			EventKind: "chat_attachment",
			Outcome:   audit.OutcomeRejected,
			Detail:    "attachment outside a case thread",
		})
		return nil
	}

	caze, err := h.Cases.GetByCardMsgID(ctx, threadRoot)
	if errors.Is(err, casestore.ErrNotFound) {
		h.Audit.Record(ctx, audit.Entry{
			EventKind: "chat_attachment",
			Outcome:   audit.OutcomeRejected,
			Detail:    "no case for thread " + threadRoot,
		})
		return nil
	}
	if err != nil {
		return externalErr("locate case by card", err)
	}

	_, err = h.Cases.UpdateCAS(ctx, caze.PK, caze.SK, func(c *casestore.Case) bool {
		for _, a := range c.Attachments {
			if a == ref {
				return false
			}
		}
		c.Attachments = append(c.Attachments, ref)
		return true
	})
	if err != nil {
		return externalErr("record attachment", err)
	}

	if h.Sync != nil && caze.Type == caseTypeSupport {
		if err := h.Sync.PushComment(ctx, caze.SK, "attachment: "+ref); err != nil {
			h.Log.Warn("remote attachment push failed",
				zap.String("case_sk", caze.SK),
				zap.Error(err),
			)
		}
	}

	h.Audit.Record(ctx, audit.Entry{
		EventKind: "chat_attachment",
		CasePK:    caze.PK,
		CaseSK:    caze.SK,
		Outcome:   audit.OutcomeCaseUpdated,
		Detail:    ref,
	})
	return nil
}

// handleCardAction applies a button click on one of the bot's cards to
// its case.
func (h *Handler) handleCardAction(ctx context.Context, msg *larkevent.Msg) error {
	cardID := msg.CardMsgID()
	if cardID == "" {
		h.Audit.Record(ctx, audit.Entry{
			EventKind: "card_action",
			Outcome:   audit.OutcomeRejected,
			Detail:    "card action without message id",
		})
		return fmt.Errorf("%w: card action without message id", ErrMalformedEvent)
	}

	caze, err := h.Cases.GetByCardMsgID(ctx, cardID)
	if errors.Is(err, casestore.ErrNotFound) {
		h.Audit.Record(ctx, audit.Entry{
			EventKind: "card_action",
			Outcome:   audit.OutcomeRejected,
			Detail:    "no case for card " + cardID,
		})
		return fmt.Errorf("%w: no case for card", ErrMalformedEvent)
	}
	if err != nil {
		return externalErr("locate case by card", err)
	}

	var newStatus string
	switch msg.Action.Value["action"] {
	case actionCloseCase:
		newStatus = casestore.StatusClosed
	case actionAckCase:
		newStatus = casestore.StatusPending
	default:
		h.Audit.Record(ctx, audit.Entry{
			EventKind: "card_action",
			CasePK:    caze.PK,
			CaseSK:    caze.SK,
			Outcome:   audit.OutcomeRejected,
			Detail:    "unknown card action",
		})
		return fmt.Errorf("%w: unknown card action", ErrMalformedEvent)
	}

	_, err = h.Cases.UpdateCAS(ctx, caze.PK, caze.SK, func(c *casestore.Case) bool {
		if c.Status == newStatus {
			return false
		}
		c.Status = newStatus
		return true
	})
	if err != nil {
		return externalErr("apply card action", err)
	}

	h.Audit.Record(ctx, audit.Entry{
		EventKind: "card_action",
		CasePK:    caze.PK,
		CaseSK:    caze.SK,
		Outcome:   audit.OutcomeCaseUpdated,
		Detail:    "status -> " + newStatus,
	})
	return nil
}

// handleMenuCreateCase opens an empty case shell from the bot menu. The
// first text message in the resulting thread fills it in.
func (h *Handler) handleMenuCreateCase(ctx context.Context, msg *larkevent.Msg) error {
	pk := msg.Event.Message.ChatID
	if pk == "" {
		pk = msg.Event.Sender.IDs.OpenID
	}
	if pk == "" {
		h.Audit.Record(ctx, audit.Entry{
			EventKind: "menu",
			Outcome:   audit.OutcomeRejected,
			Detail:    "menu event without chat or sender id",
		})
		return fmt.Errorf("%w: menu event without chat or sender id", ErrMalformedEvent)
	}

	caze := &casestore.Case{
		PK:        pk,
		SK:        "case-" + h.newID(),
		Status:    casestore.StatusNew,
		Type:      "menu",
		CardMsgID: msg.Event.Message.MsgID,
		UserID:    msg.Event.Sender.IDs.UserID,
		ChannelID: pk,
	}
	if err := h.Cases.Create(ctx, caze); err != nil {
		return externalErr("create case from menu", err)
	}

	h.Audit.Record(ctx, audit.Entry{
		EventKind: "menu",
		CasePK:    caze.PK,
		CaseSK:    caze.SK,
		Outcome:   audit.OutcomeCaseCreated,
	})
	return nil
}

// HandleCasePush reconciles a pushed case-change notification. The
// external system owns case identity: unknown identities create rows,
// known ones update under CAS. When the push timestamp is older than the
// row's last write, the row wins and the push is dropped.
func (h *Handler) HandleCasePush(ctx context.Context, push *larkevent.CasePush) error {
	caze, err := h.Cases.Get(ctx, push.CasePK, push.CaseSK)
	if errors.Is(err, casestore.ErrNotFound) {
		typ := push.Type
		if typ == "" {
			typ = caseTypeSupport
		}
		created := &casestore.Case{
			PK:      push.CasePK,
			SK:      push.CaseSK,
			Status:  pushStatus(push.Status),
			Type:    typ,
			Title:   push.Title,
			Content: push.Content,
			SevCode: push.SevCode,
		}
		if err := h.Cases.Create(ctx, created); err != nil {
			return externalErr("create case from push", err)
		}
		h.Audit.Record(ctx, audit.Entry{
			EventKind: "case_push",
			CasePK:    push.CasePK,
			CaseSK:    push.CaseSK,
			Outcome:   audit.OutcomeCaseCreated,
		})
		return nil
	}
	if err != nil {
		return externalErr("load case for push", err)
	}

	if stale(push.PushedAt, caze.UpdatedAt) {
		h.Audit.Record(ctx, audit.Entry{
			EventKind: "case_push",
			CasePK:    push.CasePK,
			CaseSK:    push.CaseSK,
			Outcome:   audit.OutcomeDuplicate,
			Detail:    "push older than last write",
		})
		return nil
	}

	updated, err := h.Cases.UpdateCAS(ctx, push.CasePK, push.CaseSK, func(c *casestore.Case) bool {
		return applyPush(c, push)
	})
	if err != nil {
		return externalErr("apply push", err)
	}

	outcome := audit.OutcomeCaseUpdated
	if updated.Version == caze.Version {
		outcome = audit.OutcomeDuplicate
	}
	h.Audit.Record(ctx, audit.Entry{
		EventKind: "case_push",
		CasePK:    push.CasePK,
		CaseSK:    push.CaseSK,
		Outcome:   outcome,
	})
	return nil
}

// HandleRefresh walks every non-closed case owned by the remote support
// system and reconciles it. Locally opened chat and menu cases have no
// remote counterpart and stay out of the worklist. Per-case failures are
// audited and skipped; the tick itself always succeeds.
func (h *Handler) HandleRefresh(ctx context.Context) error {
	if h.Sync == nil {
		h.Log.Info("refresh tick received but remote sync is not configured")
		return nil
	}

	cases, err := h.Cases.ListActive(ctx)
	if err != nil {
		return externalErr("list active cases", err)
	}

	for i := range cases {
		caze := &cases[i]
		if caze.Type != caseTypeSupport {
			continue
		}
		remote, err := h.Sync.FetchCase(ctx, caze.SK)
		if err != nil {
			h.Log.Warn("remote fetch failed, case untouched this cycle",
				zap.String("case_pk", caze.PK),
				zap.String("case_sk", caze.SK),
				zap.Error(err),
			)
			h.Audit.Record(ctx, audit.Entry{
				EventKind: "refresh",
				CasePK:    caze.PK,
				CaseSK:    caze.SK,
				Outcome:   audit.OutcomeSyncFailed,
				Detail:    err.Error(),
			})
			continue
		}

		_, err = h.Cases.UpdateCAS(ctx, caze.PK, caze.SK, func(c *casestore.Case) bool {
			return applyRemote(c, remote)
		})
		if err != nil {
			// A collision here means a push won the race; the next tick
			// will see the merged row.
			h.Audit.Record(ctx, audit.Entry{
				EventKind: "refresh",
				CasePK:    caze.PK,
				CaseSK:    caze.SK,
				Outcome:   audit.OutcomeSyncFailed,
				Detail:    err.Error(),
			})
			continue
		}

		h.Audit.Record(ctx, audit.Entry{
			EventKind: "refresh",
			CasePK:    caze.PK,
			CaseSK:    caze.SK,
			Outcome:   audit.OutcomeCaseUpdated,
		})
	}
	return nil
}

func (h *Handler) workItem(profile *botconfig.Profile, caze *casestore.Case, replyMsgID, text string) contentqueue.WorkItem {
	lang := profile.Language
	if lang == "" {
		lang = h.Settings.CaseLanguage
	}
	return contentqueue.WorkItem{
		Content:        text,
		ContentHash:    contentqueue.Hash(text),
		CasePK:         caze.PK,
		CaseSK:         caze.SK,
		ReplyMsgID:     replyMsgID,
		TargetLanguage: lang,
	}
}

// applyPush copies differing push fields onto the row. Returns false when
// nothing changed.
func applyPush(c *casestore.Case, push *larkevent.CasePush) bool {
	changed := false
	if s := pushStatus(push.Status); push.Status != "" && c.Status != s {
		c.Status = s
		changed = true
	}
	if push.Type != "" && c.Type != push.Type {
		c.Type = push.Type
		changed = true
	}
	if push.Title != "" && c.Title != push.Title {
		c.Title = push.Title
		changed = true
	}
	if push.Content != "" && c.Content != push.Content {
		c.Content = push.Content
		changed = true
	}
	if push.SevCode != "" && c.SevCode != push.SevCode {
		c.SevCode = push.SevCode
		changed = true
	}
	return changed
}

// applyRemote folds the remote support-system view onto the row using the
// same rule as a push.
func applyRemote(c *casestore.Case, remote *crossaccount.RemoteCase) bool {
	changed := false
	if remote.Status != "" && c.Status != remote.Status {
		c.Status = remote.Status
		changed = true
	}
	if remote.Subject != "" && c.Title != remote.Subject {
		c.Title = remote.Subject
		changed = true
	}
	if remote.SevCode != "" && c.SevCode != remote.SevCode {
		c.SevCode = remote.SevCode
		changed = true
	}
	if remote.LastComment != "" && c.Content != remote.LastComment {
		c.Content = remote.LastComment
		changed = true
	}
	return changed
}

func pushStatus(s string) string {
	switch s {
	case casestore.StatusNew, casestore.StatusOpen, casestore.StatusPending, casestore.StatusClosed:
		return s
	case "":
		return casestore.StatusOpen
	default:
		return casestore.StatusOpen
	}
}

// stale reports whether the push timestamp predates the row's last write.
// Unparseable timestamps are never stale; the CAS write still protects
// against lost updates.
func stale(pushedAt, updatedAt string) bool {
	p, err := time.Parse(time.RFC3339, pushedAt)
	if err != nil {
		return false
	}
	u, err := time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return false
	}
	return p.Before(u)
}
