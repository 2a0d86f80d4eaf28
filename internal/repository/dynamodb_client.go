package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"thread-agent/internal/domain"
)

const (
	skMeta       = "META#"
	skPrefixTurn = "TURN#"
)

// Sentinel errors callers are expected to branch on.
var (
	// ErrThreadExists is returned by CreateThread when the thread id is taken.
	ErrThreadExists = errors.New("repository: thread already exists")
	// ErrThreadNotFound is returned when a thread has no meta item.
	ErrThreadNotFound = errors.New("repository: thread not found")
	// ErrVersionConflict is returned when a write loses an optimistic version
	// check against a concurrent commit to the same thread.
	ErrVersionConflict = errors.New("repository: thread version conflict")
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a single DynamoDB table holding thread state.
//
// Each thread owns a meta item (error flag, turn count, commit version) and
// one item per turn, keyed so a key-condition query returns turns in
// conversational order. Turn items are never updated or deleted.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// threadPK returns the partition key for a thread.
func threadPK(threadID string) string {
	return "THREAD#" + threadID
}

// turnSK returns the sort key for turn number seq (1-based). Zero-padding
// keeps lexicographic order equal to numeric order.
func turnSK(seq int) string {
	return fmt.Sprintf("%s%08d", skPrefixTurn, seq)
}

// CreateThread writes the meta item for a new, empty thread. The put is
// conditional on the key being absent; a taken id surfaces as ErrThreadExists.
func (c *Client) CreateThread(ctx context.Context, threadID string) error {
	if strings.TrimSpace(threadID) == "" {
		return errors.New("repository: CreateThread: thread id is required")
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":           &types.AttributeValueMemberS{Value: threadPK(threadID)},
			"SK":           &types.AttributeValueMemberS{Value: skMeta},
			"threadId":     &types.AttributeValueMemberS{Value: threadID},
			"error":        &types.AttributeValueMemberBOOL{Value: false},
			"turns":        &types.AttributeValueMemberN{Value: "0"},
			"version":      &types.AttributeValueMemberN{Value: "0"},
			"createdAt":    &types.AttributeValueMemberS{Value: now},
			"lastActivity": &types.AttributeValueMemberS{Value: now},
		},
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrThreadExists
		}
		return fmt.Errorf("repository: CreateThread: %w", err)
	}
	return nil
}

// LoadThread reads the meta item (consistently) and the full turn history in
// conversational order.
func (c *Client) LoadThread(ctx context.Context, threadID string) (domain.Thread, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: threadPK(threadID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Thread{}, fmt.Errorf("repository: LoadThread get meta: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Thread{}, ErrThreadNotFound
	}

	errFlag, err := boolAttr(out.Item, "error")
	if err != nil {
		return domain.Thread{}, fmt.Errorf("repository: LoadThread decode error flag: %w", err)
	}
	version, err := int64Attr(out.Item, "version")
	if err != nil {
		return domain.Thread{}, fmt.Errorf("repository: LoadThread decode version: %w", err)
	}

	turns, err := c.queryTurns(ctx, threadID)
	if err != nil {
		return domain.Thread{}, err
	}

	return domain.Thread{
		ID:      threadID,
		Turns:   turns,
		Error:   errFlag,
		Version: version,
	}, nil
}

// ListTurns returns the full turn history in conversational order, without
// touching the meta item. Absence of any turns is not an error; callers that
// need existence checks should use LoadThread.
func (c *Client) ListTurns(ctx context.Context, threadID string) ([]domain.Turn, error) {
	return c.queryTurns(ctx, threadID)
}

func (c *Client) queryTurns(ctx context.Context, threadID string) ([]domain.Turn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: threadPK(threadID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: query turns: %w", err)
	}

	turns := make([]domain.Turn, 0, len(out.Items))
	for _, item := range out.Items {
		turn, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: query turns unmarshal: %w", err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// AppendTurns commits new turns and the thread's error flag in a single
// transaction. baseSeq is the number of turns the caller observed when it
// loaded the thread; new turns take sequence numbers baseSeq+1 onward. The
// meta update is guarded by version = expectedVersion, and turn counts only
// move together with the version, so a version match also proves baseSeq is
// still current. A concurrent commit to the same thread cancels the
// transaction and surfaces as ErrVersionConflict, leaving the history
// untouched so the caller can re-load and retry. Turn item puts are
// additionally guarded against key reuse.
func (c *Client) AppendTurns(ctx context.Context, threadID string, expectedVersion int64, baseSeq int, turns []domain.Turn, errFlag bool) error {
	if strings.TrimSpace(threadID) == "" {
		return errors.New("repository: AppendTurns: thread id is required")
	}
	if len(turns) == 0 {
		return errors.New("repository: AppendTurns: no turns to append")
	}
	if baseSeq < 0 {
		return errors.New("repository: AppendTurns: negative sequence base")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	items := make([]types.TransactWriteItem, 0, len(turns)+1)
	for i, turn := range turns {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(c.tableName),
				Item: map[string]types.AttributeValue{
					"PK":        &types.AttributeValueMemberS{Value: threadPK(threadID)},
					"SK":        &types.AttributeValueMemberS{Value: turnSK(baseSeq + i + 1)},
					"role":      &types.AttributeValueMemberS{Value: string(turn.Role)},
					"content":   &types.AttributeValueMemberS{Value: turn.Content},
					"createdAt": &types.AttributeValueMemberS{Value: now},
				},
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			},
		})
	}

	items = append(items, types.TransactWriteItem{
		Update: &types.Update{
			TableName: aws.String(c.tableName),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: threadPK(threadID)},
				"SK": &types.AttributeValueMemberS{Value: skMeta},
			},
			UpdateExpression: aws.String("SET #err = :err, turns = turns + :n, version = version + :one, lastActivity = :now"),
			ConditionExpression: aws.String(
				"attribute_exists(PK) AND version = :expected",
			),
			ExpressionAttributeNames: map[string]string{"#err": "error"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":err":      &types.AttributeValueMemberBOOL{Value: errFlag},
				":n":        &types.AttributeValueMemberN{Value: strconv.Itoa(len(turns))},
				":one":      &types.AttributeValueMemberN{Value: "1"},
				":now":      &types.AttributeValueMemberS{Value: now},
				":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
			},
		},
	})

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		if isTransactionConflict(err) {
			return ErrVersionConflict
		}
		return fmt.Errorf("repository: AppendTurns: %w", err)
	}
	return nil
}

// SetError updates the thread's error flag without appending turns. The
// update is conditional on the meta item existing.
func (c *Client) SetError(ctx context.Context, threadID string, errFlag bool) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: threadPK(threadID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression:         aws.String("SET #err = :err"),
		ConditionExpression:      aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{"#err": "error"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":err": &types.AttributeValueMemberBOOL{Value: errFlag},
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrThreadNotFound
		}
		return fmt.Errorf("repository: SetError: %w", err)
	}
	return nil
}

func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Turn{}, err
	}
	createdAt, _ := strAttr(item, "createdAt") // allow empty

	return domain.Turn{
		Role:      domain.Role(role),
		Content:   content,
		CreatedAt: createdAt,
	}, nil
}

func isConditionalCheckFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

// isTransactionConflict reports whether a TransactWriteItems call was
// cancelled by a condition check or collided with another transaction.
func isTransactionConflict(err error) bool {
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				return true
			}
		}
		return false
	}
	var conflict *types.TransactionConflictException
	return errors.As(err, &conflict)
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, fmt.Errorf("repository: missing attribute %q", key)
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("repository: attribute %q is not a boolean", key)
	}
	return b.Value, nil
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
