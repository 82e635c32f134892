package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"studio-chat/internal/domain"
)

// timeLayout is fixed width so message sort keys order lexically by time.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const conditionalCheckFailed = "ConditionalCheckFailed"

var (
	ErrConversationNotFound = errors.New("repository: conversation not found")
	ErrConversationExists   = errors.New("repository: conversation already exists")
)

// StaleMessageError is returned by AppendMessage when the message is older than
// the conversation's stored lastMessageAt. Nothing was written.
type StaleMessageError struct {
	LastMessageAt time.Time
}

func (e *StaleMessageError) Error() string {
	return "repository: message predates lastMessageAt " + formatTime(e.LastMessageAt)
}

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores conversations and messages in two DynamoDB tables:
//
//	conversations: hash key "id"
//	messages:      hash key "conversationId", range key "sk" (<createdAt>#<messageId>)
type Client struct {
	api                dynamodbAPI
	conversationsTable string
	messagesTable      string
}

// New creates a new repository Client.
func New(api dynamodbAPI, conversationsTable, messagesTable string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(conversationsTable) == "" {
		return nil, errors.New("repository: conversations table name must not be empty")
	}
	if strings.TrimSpace(messagesTable) == "" {
		return nil, errors.New("repository: messages table name must not be empty")
	}
	return &Client{api: api, conversationsTable: conversationsTable, messagesTable: messagesTable}, nil
}

func conversationKey(conversationID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: conversationID},
	}
}

// messageSK returns the message sort key. Ties on the timestamp fall back to
// the message id.
func messageSK(ts time.Time, messageID string) string {
	return formatTime(ts) + "#" + messageID
}

func formatTime(ts time.Time) string {
	return ts.UTC().Format(timeLayout)
}

// CreateConversation writes a new conversation item. It fails with
// ErrConversationExists if the id is already taken.
func (c *Client) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	if conv.ID == "" {
		return errors.New("repository: CreateConversation: id is required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.conversationsTable),
		Item:                conversationItem(conv),
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrConversationExists
		}
		return fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return nil
}

// GetConversation reads one conversation with a strongly consistent read.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.conversationsTable),
		Key:            conversationKey(conversationID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, ErrConversationNotFound
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation decode: %w", err)
	}
	return conv, nil
}

// AppendMessage puts the message and moves the conversation's lastMessageAt in
// one transaction. lastMessageAt only moves forward: a message older than the
// stored value fails with *StaleMessageError. It fails with
// ErrConversationNotFound if the conversation does not exist. Either failure
// writes nothing.
func (c *Client) AppendMessage(ctx context.Context, msg domain.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return errors.New("repository: AppendMessage: message id and conversation id are required")
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:           aws.String(c.conversationsTable),
					Key:                 conversationKey(msg.ConversationID),
					UpdateExpression:    aws.String("SET lastMessageAt = :ts"),
					ConditionExpression: aws.String("attribute_exists(id) AND (attribute_not_exists(lastMessageAt) OR lastMessageAt <= :ts)"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":ts": &types.AttributeValueMemberS{Value: formatTime(msg.CreatedAt)},
					},
					ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
				},
			},
			{
				Put: &types.Put{
					TableName:           aws.String(c.messagesTable),
					Item:                messageItem(msg),
					ConditionExpression: aws.String("attribute_not_exists(conversationId) AND attribute_not_exists(sk)"),
				},
			},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) && len(canceled.CancellationReasons) > 0 &&
			aws.ToString(canceled.CancellationReasons[0].Code) == conditionalCheckFailed {
			old := canceled.CancellationReasons[0].Item
			if len(old) == 0 {
				return ErrConversationNotFound
			}
			last, terr := timeAttr(old, "lastMessageAt")
			if terr != nil {
				return fmt.Errorf("repository: AppendMessage decode: %w", terr)
			}
			return &StaleMessageError{LastMessageAt: last}
		}
		return fmt.Errorf("repository: AppendMessage: %w", err)
	}
	return nil
}

// ClaimFirstReply sets the conversation's firstReplyAt marker if it is unset.
// It reports true only to the single caller whose write created the marker.
func (c *Client) ClaimFirstReply(ctx context.Context, conversationID string, at time.Time) (bool, error) {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.conversationsTable),
		Key:                 conversationKey(conversationID),
		UpdateExpression:    aws.String("SET firstReplyAt = :ts"),
		ConditionExpression: aws.String("attribute_exists(id) AND attribute_not_exists(firstReplyAt)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ts": &types.AttributeValueMemberS{Value: formatTime(at)},
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if len(ccf.Item) == 0 {
				return false, ErrConversationNotFound
			}
			return false, nil
		}
		return false, fmt.Errorf("repository: ClaimFirstReply: %w", err)
	}
	return true, nil
}

// ActivateConversation moves a new conversation to active. Conversations in any
// other status are left alone.
func (c *Client) ActivateConversation(ctx context.Context, conversationID string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(c.conversationsTable),
		Key:                      conversationKey(conversationID),
		UpdateExpression:         aws.String("SET #status = :active"),
		ConditionExpression:      aws.String("#status = :new"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":active": &types.AttributeValueMemberS{Value: string(domain.StatusActive)},
			":new":    &types.AttributeValueMemberS{Value: string(domain.StatusNew)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil
		}
		return fmt.Errorf("repository: ActivateConversation: %w", err)
	}
	return nil
}

// UpdateContact sets or removes the contact attributes named by update.
func (c *Client) UpdateContact(ctx context.Context, conversationID string, update domain.ContactUpdate) error {
	if update.Empty() {
		if _, err := c.GetConversation(ctx, conversationID); err != nil {
			return err
		}
		return nil
	}

	var set, remove []string
	values := map[string]types.AttributeValue{}
	apply := func(attr string, v *string) {
		switch {
		case v == nil:
		case *v == "":
			remove = append(remove, attr)
		default:
			set = append(set, attr+" = :"+attr)
			values[":"+attr] = &types.AttributeValueMemberS{Value: *v}
		}
	}
	apply("contactName", update.Name)
	apply("contactEmail", update.Email)

	var expr []string
	if len(set) > 0 {
		expr = append(expr, "SET "+strings.Join(set, ", "))
	}
	if len(remove) > 0 {
		expr = append(expr, "REMOVE "+strings.Join(remove, ", "))
	}

	in := &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.conversationsTable),
		Key:                 conversationKey(conversationID),
		UpdateExpression:    aws.String(strings.Join(expr, " ")),
		ConditionExpression: aws.String("attribute_exists(id)"),
	}
	if len(values) > 0 {
		in.ExpressionAttributeValues = values
	}
	if _, err := c.api.UpdateItem(ctx, in); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrConversationNotFound
		}
		return fmt.Errorf("repository: UpdateContact: %w", err)
	}
	return nil
}

// CloseConversation sets the status to closed.
func (c *Client) CloseConversation(ctx context.Context, conversationID string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(c.conversationsTable),
		Key:                      conversationKey(conversationID),
		UpdateExpression:         aws.String("SET #status = :closed"),
		ConditionExpression:      aws.String("attribute_exists(id)"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":closed": &types.AttributeValueMemberS{Value: string(domain.StatusClosed)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrConversationNotFound
		}
		return fmt.Errorf("repository: CloseConversation: %w", err)
	}
	return nil
}

// ListMessages queries every message of a conversation in chronological order.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.messagesTable),
		KeyConditionExpression: aws.String("conversationId = :cid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cid": &types.AttributeValueMemberS{Value: conversationID},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	}

	msgs := []domain.Message{}
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListMessages query: %w", err)
		}
		for _, item := range out.Items {
			msg, err := itemToMessage(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListMessages unmarshal: %w", err)
			}
			msgs = append(msgs, msg)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return msgs, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// ListConversations scans the conversations table, optionally keeping only one
// status. Results are unordered.
func (c *Client) ListConversations(ctx context.Context, status domain.Status) ([]domain.Conversation, error) {
	in := &dynamodb.ScanInput{
		TableName: aws.String(c.conversationsTable),
	}
	if status != "" {
		in.FilterExpression = aws.String("#status = :status")
		in.ExpressionAttributeNames = map[string]string{"#status": "status"}
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
		}
	}

	convs := []domain.Conversation{}
	for {
		out, err := c.api.Scan(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("repository: ListConversations scan: %w", err)
		}
		for _, item := range out.Items {
			conv, err := itemToConversation(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListConversations unmarshal: %w", err)
			}
			convs = append(convs, conv)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return convs, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}
