package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// MessageRef identifies a message already sent through the provider.
type MessageRef struct {
	ChatID    int64 `json:"chat_id"`
	ThreadID  int   `json:"thread_id,omitempty"`
	MessageID int   `json:"message_id"`
}

func (r MessageRef) IsZero() bool { return r.ChatID == 0 && r.MessageID == 0 }

// String renders the ref as "<chat>:<message>" for ledger storage.
func (r MessageRef) String() string {
	if r.IsZero() {
		return ""
	}
	return fmt.Sprintf("%d:%d", r.ChatID, r.MessageID)
}

// Button is a single inline keyboard button carrying callback data.
type Button struct {
	Text string
	Data string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// Keyboard is rendered as one button per row.
	Keyboard []Button
}

// CopyOptions tunes CopyMessage. A non-empty Caption replaces the source caption.
type CopyOptions struct {
	Caption   string
	ParseMode string
}

// Document is an in-memory file attachment.
type Document struct {
	FileName string
	MIME     string
	Data     []byte
	Caption  string
}

// Update is an inbound provider event the service cares about.
// Only inline keyboard callbacks are surfaced today (poll votes).
type Update struct {
	CallbackID string
	FromID     int64
	ChatID     int64
	MessageID  int
	Data       string
}

// Sender is the outbound provider used by dispatch, report and the operator log sink.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	CopyMessage(ctx context.Context, to ChatTarget, src MessageRef, opt *CopyOptions) (MessageRef, error)
	SendDocument(ctx context.Context, to ChatTarget, doc Document, opt *SendOptions) (MessageRef, error)
	CreateInviteLink(ctx context.Context, chatID int64, name string) (string, error)
}

// Adapter is a Sender that also owns a receive loop.
type Adapter interface {
	Sender
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// Error is a provider error normalized by the adapter.
type Error struct {
	Code        int
	Description string
	RetryAfter  time.Duration
	Err         error
}

func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error %d: %s", e.Code, e.Description)
	}
	if e.Err != nil {
		return fmt.Sprintf("provider error %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("provider error %d", e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
