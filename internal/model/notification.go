package model

import (
	"encoding/json"
	"time"
)

type NotificationStatus string

const (
	StatusWaitingToSend NotificationStatus = "WAITING_TO_SEND"
	StatusSent          NotificationStatus = "SENT"
	StatusRead          NotificationStatus = "READ"
	StatusReplied       NotificationStatus = "REPLIED"
	StatusExpired       NotificationStatus = "EXPIRED"
)

// notificationTransitions lists the forward moves a notification may make.
var notificationTransitions = map[NotificationStatus][]NotificationStatus{
	StatusWaitingToSend: {StatusSent, StatusExpired},
	StatusSent:          {StatusRead, StatusExpired},
	StatusRead:          {StatusReplied, StatusExpired},
}

// CanTransition reports whether a notification in s may move to next.
// REPLIED is reachable only from READ.
func (s NotificationStatus) CanTransition(next NotificationStatus) bool {
	for _, to := range notificationTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// NotificationType selects the reply handler for a prompt.
type NotificationType string

const (
	TypePOASimple      NotificationType = "POA_SIMPLE"
	TypePOAPassword    NotificationType = "POA_PASSWORD"
	TypeQuestion       NotificationType = "QUESTION"
	TypeQuestionAnswer NotificationType = "QUESTION_ANSWER"
	TypeGeneric        NotificationType = "GENERIC"
)

type ItemType string

const (
	ItemPOATrigger    ItemType = "POA_TRIGGER"
	ItemEventQuestion ItemType = "EVENT_QUESTION"
	ItemUnknown       ItemType = "UNKNOWN"
)

// Notification is a per-recipient, time-boxed prompt or alert.
type Notification struct {
	ID             int64              `json:"id"`
	OwnerUserID    int64              `json:"ownerUserId"`
	Type           NotificationType   `json:"type"`
	ItemType       ItemType           `json:"itemType"`
	ItemID         int64              `json:"itemId"`
	Title          string             `json:"title"`
	Description    string             `json:"description"`
	AdditionalData map[string]any     `json:"additionalData,omitempty"`
	Priority       int                `json:"priority"`
	ActionTimeout  int                `json:"actionTimeout"` // seconds
	Status         NotificationStatus `json:"status"`
	ReplyAnswer    string             `json:"replyAnswer,omitempty"`
	Attempts       int                `json:"attempts"`
	ReadAt         *time.Time         `json:"readAt,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	ExpiresAt      time.Time          `json:"expiresAt"`
}

// ReplyDeadline is readAt + actionTimeout + margin. ok is false while unread.
func (n Notification) ReplyDeadline(margin time.Duration) (deadline time.Time, ok bool) {
	if n.ReadAt == nil {
		return time.Time{}, false
	}
	return n.ReadAt.Add(time.Duration(n.ActionTimeout)*time.Second + margin), true
}

// Expired reports whether the notification passed its retention window.
func (n Notification) Expired(now time.Time) bool {
	return !n.ExpiresAt.IsZero() && now.After(n.ExpiresAt)
}

// Int64Data reads an integer from AdditionalData, tolerating JSON float decoding.
func (n Notification) Int64Data(key string) (int64, bool) {
	v, ok := n.AdditionalData[key]
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	case json.Number:
		i, err := x.Int64()
		return i, err == nil
	}
	return 0, false
}

// Payload is the push body for a notification.
type Payload struct {
	NotificationID int64            `json:"notificationId"`
	Type           NotificationType `json:"type"`
	ItemType       ItemType         `json:"itemType"`
	ItemID         int64            `json:"itemId"`
	Title          string           `json:"title"`
	Description    string           `json:"description"`
	AdditionalData map[string]any   `json:"additionalData,omitempty"`
	Priority       int              `json:"priority"`
	ActionTimeout  int              `json:"actionTimeout"`
	ExpiresAt      time.Time        `json:"expiresAt"`
}

func (n Notification) Payload() Payload {
	return Payload{
		NotificationID: n.ID,
		Type:           n.Type,
		ItemType:       n.ItemType,
		ItemID:         n.ItemID,
		Title:          n.Title,
		Description:    n.Description,
		AdditionalData: n.AdditionalData,
		Priority:       n.Priority,
		ActionTimeout:  n.ActionTimeout,
		ExpiresAt:      n.ExpiresAt,
	}
}

// QueueMessage is the durable queue body.
type QueueMessage struct {
	RecipientID int64   `json:"recipientId"`
	Payload     Payload `json:"payload"`
}
