package dynamo

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgingest/pkg/cursor"
	"tgingest/pkg/cursor/cursortest"
	errs "tgingest/pkg/errors"
)

// fakeDynamo keeps items in memory and evaluates the one condition Commit uses
type fakeDynamo struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	putErr   error
	pageSize int
	lastPut  *dynamodb.PutItemInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := in.Key["channel"].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.items[key]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastPut = in
	if f.putErr != nil {
		return nil, f.putErr
	}
	key := in.Item["channel"].(*types.AttributeValueMemberS).Value
	if existing, ok := f.items[key]; ok {
		stored, _ := strconv.ParseInt(existing["last_message_id"].(*types.AttributeValueMemberN).Value, 10, 64)
		next, _ := strconv.ParseInt(in.ExpressionAttributeValues[":id"].(*types.AttributeValueMemberN).Value, 10, 64)
		if stored > next {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		}
	}
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]string, 0, len(f.items))
	for k := range f.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	all := make([]map[string]types.AttributeValue, 0, len(keys))
	for _, k := range keys {
		all = append(all, f.items[k])
	}
	// paginate by index so List has to follow LastEvaluatedKey
	start := 0
	if in.ExclusiveStartKey != nil {
		start, _ = strconv.Atoi(in.ExclusiveStartKey["idx"].(*types.AttributeValueMemberN).Value)
	}
	size := f.pageSize
	if size <= 0 {
		size = len(all)
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	out := &dynamodb.ScanOutput{Items: all[start:end]}
	if end < len(all) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{"idx": &types.AttributeValueMemberN{Value: strconv.Itoa(end)}}
	}
	return out, nil
}

func TestStore(t *testing.T) {
	cursortest.Run(t, func(t *testing.T) cursor.Store {
		s, err := New(newFakeDynamo(), "tgingest-cursors")
		require.NoError(t, err)
		return s
	})
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, "t")
	assert.Error(t, err)
	_, err = New(newFakeDynamo(), " ")
	assert.Error(t, err)
}

func TestCommitUsesConditionalPut(t *testing.T) {
	fake := newFakeDynamo()
	s, err := New(fake, "tgingest-cursors")
	require.NoError(t, err)

	require.NoError(t, s.Commit(context.Background(), cursor.Cursor{Channel: "rayapharmaceuticals", LastMessageID: 12}))
	require.NotNil(t, fake.lastPut)
	assert.Equal(t, "tgingest-cursors", aws.ToString(fake.lastPut.TableName))
	assert.Equal(t, "attribute_not_exists(channel) OR last_message_id <= :id", aws.ToString(fake.lastPut.ConditionExpression))
}

func TestCommitStorageError(t *testing.T) {
	fake := newFakeDynamo()
	fake.putErr = errors.New("ProvisionedThroughputExceededException")
	s, err := New(fake, "tgingest-cursors")
	require.NoError(t, err)

	err = s.Commit(context.Background(), cursor.Cursor{Channel: "a", LastMessageID: 1})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrorTypeStorage))
	assert.NotErrorIs(t, err, cursor.ErrRegression)
}

func TestListFollowsPagination(t *testing.T) {
	fake := newFakeDynamo()
	fake.pageSize = 1
	s, err := New(fake, "tgingest-cursors")
	require.NoError(t, err)

	ctx := context.Background()
	for i, ch := range []string{"c", "a", "b"} {
		require.NoError(t, s.Commit(ctx, cursor.Cursor{Channel: ch, LastMessageID: int64(i + 1)}))
	}

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{list[0].Channel, list[1].Channel, list[2].Channel})
}
