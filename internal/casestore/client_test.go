package casestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

type fakeDynamo struct {
	items map[string]map[string]ddbtypes.AttributeValue // pk|sk -> item

	putErrs   []error // popped per PutItem call; nil means success
	getErr    error
	queryOut  *dynamodb.QueryOutput
	queryOuts []*dynamodb.QueryOutput // popped per Query call, before queryOut
	queryErr  error

	puts    []*dynamodb.PutItemInput
	queries []*dynamodb.QueryInput
}

func itemKey(item map[string]ddbtypes.AttributeValue) string {
	pk := item["pk"].(*ddbtypes.AttributeValueMemberS).Value
	sk := item["sk"].(*ddbtypes.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	pk := in.Key["pk"].(*ddbtypes.AttributeValueMemberS).Value
	sk := in.Key["sk"].(*ddbtypes.AttributeValueMemberS).Value
	item, ok := f.items[pk+"|"+sk]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.puts = append(f.puts, in)
	if len(f.putErrs) > 0 {
		err := f.putErrs[0]
		f.putErrs = f.putErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if f.items == nil {
		f.items = map[string]map[string]ddbtypes.AttributeValue{}
	}
	f.items[itemKey(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queries = append(f.queries, in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if len(f.queryOuts) > 0 {
		out := f.queryOuts[0]
		f.queryOuts = f.queryOuts[1:]
		return out, nil
	}
	if f.queryOut != nil {
		return f.queryOut, nil
	}
	return &dynamodb.QueryOutput{}, nil
}

func mustItem(t *testing.T, caze Case) map[string]ddbtypes.AttributeValue {
	t.Helper()
	item, err := attributevalue.MarshalMap(&caze)
	require.NoError(t, err)
	return item
}

func seedCase(t *testing.T, f *fakeDynamo, caze Case) {
	t.Helper()
	if f.items == nil {
		f.items = map[string]map[string]ddbtypes.AttributeValue{}
	}
	f.items[caze.PK+"|"+caze.SK] = mustItem(t, caze)
}

func conflictErr() error {
	return &ddbtypes.ConditionalCheckFailedException{}
}

func TestCreate_SetsVersionAndCondition(t *testing.T) {
	f := &fakeDynamo{}
	c, err := New(f, "bot_cases")
	require.NoError(t, err)

	caze := &Case{PK: "conv-1", SK: "case-1", Status: StatusOpen, Type: "zh"}
	require.NoError(t, c.Create(context.Background(), caze))

	require.Equal(t, int64(1), caze.Version)
	require.Len(t, f.puts, 1)
	require.Contains(t, *f.puts[0].ConditionExpression, "attribute_not_exists(pk)")
}

func TestCreate_ExistingIdentityIsConflict(t *testing.T) {
	f := &fakeDynamo{putErrs: []error{conflictErr()}}
	c, err := New(f, "bot_cases")
	require.NoError(t, err)

	err = c.Create(context.Background(), &Case{PK: "conv-1", SK: "case-1"})
	require.ErrorIs(t, err, ErrConflict)
}

func TestGet_NotFound(t *testing.T) {
	c, err := New(&fakeDynamo{}, "bot_cases")
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "conv-1", "case-9")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetByCardMsgID_NewestWins(t *testing.T) {
	older := Case{PK: "conv-1", SK: "case-1", CardMsgID: "om_1", UpdatedAt: "2026-01-01T00:00:00Z"}
	newer := Case{PK: "conv-1", SK: "case-2", CardMsgID: "om_1", UpdatedAt: "2026-02-01T00:00:00Z"}
	f := &fakeDynamo{queryOut: &dynamodb.QueryOutput{
		Items: []map[string]ddbtypes.AttributeValue{mustItem(t, older), mustItem(t, newer)},
	}}
	c, err := New(f, "bot_cases")
	require.NoError(t, err)

	got, err := c.GetByCardMsgID(context.Background(), "om_1")
	require.NoError(t, err)
	require.Equal(t, "case-2", got.SK)
	require.Equal(t, cardMsgIndex, *f.queries[0].IndexName)
}

func TestGetByCardMsgID_DrainsEveryPage(t *testing.T) {
	pageOne := Case{PK: "conv-1", SK: "case-1", CardMsgID: "om_1", UpdatedAt: "2026-01-01T00:00:00Z"}
	pageTwo := Case{PK: "conv-1", SK: "case-2", CardMsgID: "om_1", UpdatedAt: "2026-02-01T00:00:00Z"}
	f := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{
			Items: []map[string]ddbtypes.AttributeValue{mustItem(t, pageOne)},
			LastEvaluatedKey: map[string]ddbtypes.AttributeValue{
				"pk": &ddbtypes.AttributeValueMemberS{Value: "conv-1"},
			},
		},
		{Items: []map[string]ddbtypes.AttributeValue{mustItem(t, pageTwo)}},
	}}
	c, err := New(f, "bot_cases")
	require.NoError(t, err)

	got, err := c.GetByCardMsgID(context.Background(), "om_1")
	require.NoError(t, err)
	require.Equal(t, "case-2", got.SK, "the newest row sat on the second page")
	require.Len(t, f.queries, 2)
	require.NotNil(t, f.queries[1].ExclusiveStartKey)
}

func TestListActive_DrainsEveryPage(t *testing.T) {
	first := Case{PK: "conv-1", SK: "case-1", Status: StatusOpen}
	second := Case{PK: "conv-2", SK: "case-2", Status: StatusOpen}
	f := &fakeDynamo{queryOuts: []*dynamodb.QueryOutput{
		{}, // status=new
		{
			Items: []map[string]ddbtypes.AttributeValue{mustItem(t, first)},
			LastEvaluatedKey: map[string]ddbtypes.AttributeValue{
				"pk": &ddbtypes.AttributeValueMemberS{Value: "conv-1"},
			},
		},
		{Items: []map[string]ddbtypes.AttributeValue{mustItem(t, second)}},
		{}, // status=pending
	}}
	c, err := New(f, "bot_cases")
	require.NoError(t, err)

	cases, err := c.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, cases, 2)
	require.Len(t, f.queries, 4, "the open partition took two pages")
}

func TestFindShell_NewestUnfilledMenuCase(t *testing.T) {
	older := Case{PK: "conv-1", SK: "case-1", Status: StatusNew, Type: "menu", ChannelID: "conv-1", UpdatedAt: "2026-01-01T00:00:00Z"}
	newer := Case{PK: "conv-1", SK: "case-2", Status: StatusNew, Type: "menu", ChannelID: "conv-1", UpdatedAt: "2026-02-01T00:00:00Z"}
	f := &fakeDynamo{queryOut: &dynamodb.QueryOutput{
		Items: []map[string]ddbtypes.AttributeValue{mustItem(t, older), mustItem(t, newer)},
	}}
	c, err := New(f, "bot_cases")
	require.NoError(t, err)

	got, err := c.FindShell(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Equal(t, "case-2", got.SK)
	require.Contains(t, *f.queries[0].FilterExpression, "channel_id")
}

func TestFindShell_NoShell(t *testing.T) {
	c, err := New(&fakeDynamo{}, "bot_cases")
	require.NoError(t, err)

	_, err = c.FindShell(context.Background(), "conv-1")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = c.FindShell(context.Background(), "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListActive_QueriesEveryOpenStatus(t *testing.T) {
	f := &fakeDynamo{queryOut: &dynamodb.QueryOutput{}}
	c, err := New(f, "bot_cases")
	require.NoError(t, err)

	_, err = c.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, f.queries, 3, "one query per non-closed status")
	for _, q := range f.queries {
		require.Equal(t, statusTypeIndex, *q.IndexName)
	}
}

func TestUpdateCAS_HappyPath(t *testing.T) {
	f := &fakeDynamo{}
	seedCase(t, f, Case{PK: "conv-1", SK: "case-1", Status: StatusOpen, Version: 3, UpdatedAt: "2026-01-01T00:00:00Z"})
	c, err := New(f, "bot_cases")
	require.NoError(t, err)

	got, err := c.UpdateCAS(context.Background(), "conv-1", "case-1", func(caze *Case) bool {
		caze.Status = StatusClosed
		return true
	})
	require.NoError(t, err)
	require.Equal(t, StatusClosed, got.Status)
	require.Equal(t, int64(4), got.Version)
	require.Equal(t, "version = :v", *f.puts[0].ConditionExpression)
}

func TestUpdateCAS_NoopMutatorSkipsWrite(t *testing.T) {
	f := &fakeDynamo{}
	seedCase(t, f, Case{PK: "conv-1", SK: "case-1", Status: StatusClosed, Version: 5})
	c, err := New(f, "bot_cases")
	require.NoError(t, err)

	got, err := c.UpdateCAS(context.Background(), "conv-1", "case-1", func(caze *Case) bool {
		return caze.Status != StatusClosed
	})
	require.NoError(t, err)
	require.Equal(t, int64(5), got.Version)
	require.Empty(t, f.puts)
}

func TestUpdateCAS_RetriesOnceThenSucceeds(t *testing.T) {
	f := &fakeDynamo{putErrs: []error{conflictErr(), nil}}
	seedCase(t, f, Case{PK: "conv-1", SK: "case-1", Status: StatusOpen, Version: 1})
	c, err := New(f, "bot_cases")
	require.NoError(t, err)

	got, err := c.UpdateCAS(context.Background(), "conv-1", "case-1", func(caze *Case) bool {
		caze.Status = StatusPending
		return true
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.Len(t, f.puts, 2)
}

func TestUpdateCAS_SecondConflictSurfaces(t *testing.T) {
	f := &fakeDynamo{putErrs: []error{conflictErr(), conflictErr()}}
	seedCase(t, f, Case{PK: "conv-1", SK: "case-1", Status: StatusOpen, Version: 1})
	c, err := New(f, "bot_cases")
	require.NoError(t, err)

	_, err = c.UpdateCAS(context.Background(), "conv-1", "case-1", func(caze *Case) bool {
		caze.Status = StatusPending
		return true
	})
	require.ErrorIs(t, err, ErrConflict)
}

func TestUpdateCAS_NonConditionalErrorPropagates(t *testing.T) {
	f := &fakeDynamo{putErrs: []error{errors.New("throttled")}}
	seedCase(t, f, Case{PK: "conv-1", SK: "case-1", Version: 1})
	c, err := New(f, "bot_cases")
	require.NoError(t, err)

	_, err = c.UpdateCAS(context.Background(), "conv-1", "case-1", func(caze *Case) bool {
		caze.Status = StatusPending
		return true
	})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrConflict)
}

func TestTouch(t *testing.T) {
	caze := Case{Version: 2}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	caze.Touch(now)
	require.Equal(t, int64(3), caze.Version)
	require.Equal(t, "2026-03-01T12:00:00Z", caze.UpdatedAt)
}
