// Package larkevent models the inbound envelopes the msg-event Lambda
// receives: Lark/Feishu webhook events (schema 2.0), the synthetic
// scheduled refresh tick (same envelope shape), and pushed support-case
// change notifications off the event bus.
package larkevent

import (
	"encoding/json"
	"strings"
)

// Kind classifies an envelope for dispatch.
type Kind string

const (
	KindChallenge      Kind = "challenge"
	KindText           Kind = "text"
	KindAttachment     Kind = "attachment"
	KindCardAction     Kind = "card"
	KindMenuCreateCase Kind = "menu_create_case"
	KindRefresh        Kind = "refresh"
	KindUnknown        Kind = "unknown"
)

// Msg is the Lark event envelope (schema 2.0). The scheduled refresh rule
// delivers the same shape with message_type=fresh_comment. Card
// interaction callbacks carry open_message_id and action at the top
// level.
type Msg struct {
	Schema        string  `json:"schema"`
	Challenge     string  `json:"challenge,omitempty"`
	Type          string  `json:"type,omitempty"`
	OpenMessageID string  `json:"open_message_id,omitempty"`
	OpenChatID    string  `json:"open_chat_id,omitempty"`
	Header        Header  `json:"header"`
	Event         Event   `json:"event"`
	Action        *Action `json:"action,omitempty"`
}

type Header struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	CreateTime string `json:"create_time"`
	TenantKey  string `json:"tenant_key"`
	AppID      string `json:"app_id"`
}

type Event struct {
	EventKey string  `json:"event_key,omitempty"`
	Sender   Sender  `json:"sender"`
	Message  Message `json:"message"`
}

type Sender struct {
	SenderType string    `json:"sender_type"`
	TenantKey  string    `json:"tenant_key"`
	IDs        SenderIDs `json:"sender_id"`
}

type SenderIDs struct {
	UserID  string `json:"user_id"`
	OpenID  string `json:"open_id"`
	UnionID string `json:"union_id"`
}

type Message struct {
	MsgID      string `json:"message_id"`
	RootID     string `json:"root_id,omitempty"`
	ParentID   string `json:"parent_id,omitempty"`
	CreateTime string `json:"create_time"`
	ChatID     string `json:"chat_id"`
	ChatType   string `json:"chat_type"`
	MsgType    string `json:"message_type"`
	Content    string `json:"content"`
}

// Action is present on card interaction callbacks.
type Action struct {
	Tag    string            `json:"tag"`
	Value  map[string]string `json:"value,omitempty"`
	Option string            `json:"option,omitempty"`
}

const refreshMessageType = "fresh_comment"

// Classify decides how the handler should treat the envelope.
func (m *Msg) Classify() Kind {
	switch {
	case m.Challenge != "":
		return KindChallenge
	case m.Event.Message.MsgType == refreshMessageType:
		return KindRefresh
	case m.Action != nil:
		return KindCardAction
	case m.Header.EventType == "application.bot.menu_v6" && m.Event.EventKey == "create_case":
		return KindMenuCreateCase
	case m.Event.Message.MsgType == "text":
		return KindText
	case m.Event.Message.MsgType == "image", m.Event.Message.MsgType == "file":
		return KindAttachment
	default:
		return KindUnknown
	}
}

// CardMsgID returns the id of the card message a callback refers to.
func (m *Msg) CardMsgID() string {
	if m.OpenMessageID != "" {
		return m.OpenMessageID
	}
	return m.Event.Message.MsgID
}

// Text extracts the plain text from a text message's JSON content field.
func (m *Msg) Text() string {
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(m.Event.Message.Content), &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.Text)
}

// Attachment extracts the platform storage key of an image or file
// message, plus the file name when one is present.
func (m *Msg) Attachment() (key, name string) {
	var payload struct {
		ImageKey string `json:"image_key"`
		FileKey  string `json:"file_key"`
		FileName string `json:"file_name"`
	}
	if err := json.Unmarshal([]byte(m.Event.Message.Content), &payload); err != nil {
		return "", ""
	}
	if payload.ImageKey != "" {
		return payload.ImageKey, ""
	}
	return payload.FileKey, payload.FileName
}

// RequestID returns the best correlation id available for this envelope.
func (m *Msg) RequestID() string {
	if m.Event.Message.MsgID != "" {
		return m.Event.Message.MsgID
	}
	return m.Header.EventID
}
