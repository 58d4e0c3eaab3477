package larkevent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		msg  Msg
		want Kind
	}{
		{"challenge", Msg{Challenge: "abc123"}, KindChallenge},
		{"refresh tick", Msg{Schema: "2.0", Event: Event{Message: Message{MsgType: "fresh_comment"}}}, KindRefresh},
		{"card action", Msg{Action: &Action{Tag: "button"}}, KindCardAction},
		{"menu create case", Msg{Header: Header{EventType: "application.bot.menu_v6"}, Event: Event{EventKey: "create_case"}}, KindMenuCreateCase},
		{"text", Msg{Event: Event{Message: Message{MsgType: "text"}}}, KindText},
		{"image", Msg{Event: Event{Message: Message{MsgType: "image"}}}, KindAttachment},
		{"file", Msg{Event: Event{Message: Message{MsgType: "file"}}}, KindAttachment},
		{"sticker is unknown", Msg{Event: Event{Message: Message{MsgType: "sticker"}}}, KindUnknown},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, tc.msg.Classify(), tc.name)
	}
}

func TestRefreshEnvelopeShape(t *testing.T) {
	// The exact payload the scheduled rule delivers.
	raw := `{"schema":"2.0","event":{"message":{"message_type":"fresh_comment"}}}`
	var m Msg
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	require.Equal(t, KindRefresh, m.Classify())
}

func TestText(t *testing.T) {
	m := Msg{Event: Event{Message: Message{
		MsgType: "text",
		Content: `{"text":" how do I reset my password? "}`,
	}}}
	require.Equal(t, "how do I reset my password?", m.Text())

	m.Event.Message.Content = "not json"
	require.Equal(t, "", m.Text())
}

func TestAttachment(t *testing.T) {
	m := Msg{Event: Event{Message: Message{
		MsgType: "image",
		Content: `{"image_key":"img_v2_abc"}`,
	}}}
	key, name := m.Attachment()
	require.Equal(t, "img_v2_abc", key)
	require.Equal(t, "", name)

	m.Event.Message.MsgType = "file"
	m.Event.Message.Content = `{"file_key":"file_v2_def","file_name":"error.log"}`
	key, name = m.Attachment()
	require.Equal(t, "file_v2_def", key)
	require.Equal(t, "error.log", name)

	m.Event.Message.Content = "not json"
	key, _ = m.Attachment()
	require.Equal(t, "", key)
}

func TestCardMsgID(t *testing.T) {
	// Card callbacks carry open_message_id at the top level.
	raw := `{"open_message_id":"om_card","open_chat_id":"oc_1","action":{"tag":"button","value":{"action":"close_case"}}}`
	var m Msg
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	require.Equal(t, KindCardAction, m.Classify())
	require.Equal(t, "om_card", m.CardMsgID())

	m.OpenMessageID = ""
	m.Event.Message.MsgID = "om_fallback"
	require.Equal(t, "om_fallback", m.CardMsgID())
}

func TestRequestID(t *testing.T) {
	m := Msg{Header: Header{EventID: "ev_1"}}
	require.Equal(t, "ev_1", m.RequestID())
	m.Event.Message.MsgID = "om_1"
	require.Equal(t, "om_1", m.RequestID())
}

func TestParseCasePush(t *testing.T) {
	e := BusEvent{
		Source: "support.system",
		Time:   "2026-03-01T00:00:00Z",
		Detail: map[string]any{
			"case_pk": "conv-1",
			"case_sk": "case-1",
			"status":  "CLOSED",
			"type":    "zh",
		},
	}
	p, err := e.ParseCasePush()
	require.NoError(t, err)
	require.Equal(t, "conv-1", p.CasePK)
	require.Equal(t, "closed", p.Status)
}

func TestParseCasePush_MissingIdentity(t *testing.T) {
	e := BusEvent{Detail: map[string]any{"status": "open"}}
	_, err := e.ParseCasePush()
	require.Error(t, err)
}
