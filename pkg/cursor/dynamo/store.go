// Package dynamo stores resume cursors in a DynamoDB table keyed by channel.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"tgingest/pkg/cursor"
	errs "tgingest/pkg/errors"
)

// dynamodbAPI is the minimal DynamoDB interface required by Store
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Store is a cursor.Store on a table with string partition key "channel"
type Store struct {
	api       dynamodbAPI
	tableName string
}

// New creates a Store. api is usually dynamodb.NewFromConfig(awsCfg).
func New(api dynamodbAPI, tableName string) (*Store, error) {
	if api == nil {
		return nil, errors.New("dynamo: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamo: table name must not be empty")
	}
	return &Store{api: api, tableName: tableName}, nil
}

func (s *Store) Load(ctx context.Context, channel string) (*cursor.Cursor, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"channel": &types.AttributeValueMemberS{Value: channel},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errs.WithChannel(errs.Storage("load_cursor", err), channel)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	c, err := itemToCursor(out.Item)
	if err != nil {
		return nil, errs.WithChannel(errs.Storage("load_cursor", err), channel)
	}
	return &c, nil
}

// Commit is a conditional put: it only lands when the item is new or not ahead of c
func (s *Store) Commit(ctx context.Context, c cursor.Cursor) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                cursorToItem(c),
		ConditionExpression: aws.String("attribute_not_exists(channel) OR last_message_id <= :id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id": &types.AttributeValueMemberN{Value: strconv.FormatInt(c.LastMessageID, 10)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("%w: channel %s rejected %d", cursor.ErrRegression, c.Channel, c.LastMessageID)
		}
		return errs.WithChannel(errs.Storage("commit_cursor", err), c.Channel)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]cursor.Cursor, error) {
	var (
		out   []cursor.Cursor
		start map[string]types.AttributeValue
	)
	for {
		page, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.tableName),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, errs.Storage("list_cursors", err)
		}
		for _, item := range page.Items {
			c, err := itemToCursor(item)
			if err != nil {
				return nil, errs.Storage("list_cursors", err)
			}
			out = append(out, c)
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		start = page.LastEvaluatedKey
	}
	sortByChannel(out)
	return out, nil
}

func (s *Store) Close() error { return nil }

func cursorToItem(c cursor.Cursor) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"channel":         &types.AttributeValueMemberS{Value: c.Channel},
		"last_message_id": &types.AttributeValueMemberN{Value: strconv.FormatInt(c.LastMessageID, 10)},
		"updated_at":      &types.AttributeValueMemberS{Value: c.UpdatedAt.UTC().Format(time.RFC3339Nano)},
	}
	if !c.LastMessageTimestamp.IsZero() {
		item["last_message_ts"] = &types.AttributeValueMemberS{Value: c.LastMessageTimestamp.UTC().Format(time.RFC3339Nano)}
	}
	return item
}

func itemToCursor(item map[string]types.AttributeValue) (cursor.Cursor, error) {
	var c cursor.Cursor

	ch, ok := item["channel"].(*types.AttributeValueMemberS)
	if !ok {
		return c, errors.New("item missing channel")
	}
	c.Channel = ch.Value

	id, ok := item["last_message_id"].(*types.AttributeValueMemberN)
	if !ok {
		return c, fmt.Errorf("item %s missing last_message_id", c.Channel)
	}
	n, err := strconv.ParseInt(id.Value, 10, 64)
	if err != nil {
		return c, fmt.Errorf("item %s has bad last_message_id: %w", c.Channel, err)
	}
	c.LastMessageID = n

	if v, ok := item["last_message_ts"].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, v.Value); err == nil {
			c.LastMessageTimestamp = t
		}
	}
	if v, ok := item["updated_at"].(*types.AttributeValueMemberS); ok {
		if t, err := time.Parse(time.RFC3339Nano, v.Value); err == nil {
			c.UpdatedAt = t
		}
	}
	return c, nil
}

func sortByChannel(cs []cursor.Cursor) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Channel < cs[j].Channel })
}
