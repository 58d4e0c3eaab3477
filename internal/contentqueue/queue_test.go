package contentqueue

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	err  error
	last *sqs.SendMessageInput
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.last = in
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{}, nil
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"How do I reset my password?", "how do i reset my password?"},
		{"  how   do I\treset my password? ", "how do i reset my password?"},
		{"", ""},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Normalize(tc.in), "in=%q", tc.in)
	}
}

func TestHash_IdenticalNormalizedTextCollides(t *testing.T) {
	h1 := Hash("how do I reset my password?")
	h2 := Hash("  How do   I reset my password? ")
	require.Equal(t, h1, h2, "normalized duplicates must share one content hash")
	require.NotEqual(t, h1, Hash("something else"))
}

func TestSend_SetsDedupAndGroup(t *testing.T) {
	f := &fakeSQS{}
	s, err := NewSender(f, "https://sqs.example/qContentQ.fifo")
	require.NoError(t, err)

	item := WorkItem{
		Content:        "how do I reset my password?",
		CasePK:         "conv-1",
		CaseSK:         "case-1",
		ReplyMsgID:     "om_abc",
		TargetLanguage: "zh",
	}
	require.NoError(t, s.Send(context.Background(), item))

	require.Equal(t, Hash(item.Content), *f.last.MessageDeduplicationId)
	require.Equal(t, "conv-1#case-1", *f.last.MessageGroupId)

	decoded, err := Decode(*f.last.MessageBody)
	require.NoError(t, err)
	require.Equal(t, item.Content, decoded.Content)
	require.Equal(t, "om_abc", decoded.ReplyMsgID)
}

func TestSend_MissingCaseIdentity(t *testing.T) {
	s, err := NewSender(&fakeSQS{}, "https://sqs.example/q")
	require.NoError(t, err)
	err = s.Send(context.Background(), WorkItem{Content: "hi"})
	require.Error(t, err)
}

func TestSend_SQSFailure(t *testing.T) {
	s, err := NewSender(&fakeSQS{err: errors.New("throttled")}, "https://sqs.example/q")
	require.NoError(t, err)
	err = s.Send(context.Background(), WorkItem{Content: "hi", CasePK: "a", CaseSK: "b"})
	require.Error(t, err)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode("{not json")
	require.Error(t, err)

	_, err = Decode(`{"case_pk":"a"}`)
	require.Error(t, err, "empty content must be rejected")
}
