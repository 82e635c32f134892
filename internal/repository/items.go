package repository

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"studio-chat/internal/domain"
)

func conversationItem(conv domain.Conversation) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"id":            &types.AttributeValueMemberS{Value: conv.ID},
		"channel":       &types.AttributeValueMemberS{Value: string(conv.Channel)},
		"status":        &types.AttributeValueMemberS{Value: string(conv.Status)},
		"createdAt":     &types.AttributeValueMemberS{Value: formatTime(conv.CreatedAt)},
		"lastMessageAt": &types.AttributeValueMemberS{Value: formatTime(conv.LastMessageAt)},
	}
	// Absent contact details are stored as missing attributes, not empty strings.
	if conv.ContactName != "" {
		item["contactName"] = &types.AttributeValueMemberS{Value: conv.ContactName}
	}
	if conv.ContactEmail != "" {
		item["contactEmail"] = &types.AttributeValueMemberS{Value: conv.ContactEmail}
	}
	return item
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"conversationId": &types.AttributeValueMemberS{Value: msg.ConversationID},
		"sk":             &types.AttributeValueMemberS{Value: messageSK(msg.CreatedAt, msg.ID)},
		"id":             &types.AttributeValueMemberS{Value: msg.ID},
		"role":           &types.AttributeValueMemberS{Value: string(msg.Role)},
		"source":         &types.AttributeValueMemberS{Value: string(msg.Source)},
		"content":        &types.AttributeValueMemberS{Value: msg.Content},
		"createdAt":      &types.AttributeValueMemberS{Value: formatTime(msg.CreatedAt)},
	}
}

// itemToConversation converts a DynamoDB attribute map to a Conversation.
func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Conversation{}, err
	}
	channel, err := strAttr(item, "channel")
	if err != nil {
		return domain.Conversation{}, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return domain.Conversation{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	lastMessageAt, err := timeAttr(item, "lastMessageAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	name, _ := strAttr(item, "contactName")   // allow absent
	email, _ := strAttr(item, "contactEmail") // allow absent

	return domain.Conversation{
		ID:            id,
		Channel:       domain.Source(channel),
		Status:        domain.Status(status),
		ContactName:   name,
		ContactEmail:  email,
		CreatedAt:     createdAt,
		LastMessageAt: lastMessageAt,
	}, nil
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	conversationID, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Message{}, err
	}
	id, err := strAttr(item, "id")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Message{}, err
	}
	source, _ := strAttr(item, "source") // allow empty

	return domain.Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           domain.Role(role),
		Source:         domain.Source(source),
		Content:        content,
		CreatedAt:      createdAt,
	}, nil
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

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return ts.UTC(), nil
}
