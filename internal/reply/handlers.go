package reply

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"notifyhub/internal/model"
	"notifyhub/pkg/logx"
)

const maxAnswerLen = 1000

// input is everything a subtype handler may look at. event is the zero value
// for notifications that do not reference one.
type input struct {
	n        model.Notification
	req      Request
	callerID int64
	event    model.Event
	now      time.Time
}

// outcome is an accepted reply: the answer to persist and an optional
// notification to escalate to someone else.
type outcome struct {
	answer   string
	followUp *model.Notification
}

// handler validates the subtype-specific part of a reply. A non-nil Result
// rejects the reply and nothing is committed.
type handler func(ctx context.Context, v *Validator, in input) (outcome, *Result)

type subtype struct {
	needsEvent bool
	handle     handler
}

var subtypes = map[model.NotificationType]subtype{
	model.TypePOASimple:      {needsEvent: true, handle: handleSimple},
	model.TypePOAPassword:    {needsEvent: true, handle: handlePassword},
	model.TypeQuestion:       {needsEvent: true, handle: handleQuestion},
	model.TypeQuestionAnswer: {handle: handleFreeText},
	model.TypeGeneric:        {handle: handleFreeText},
}

func reject(r Result) (outcome, *Result) { return outcome{}, &r }

func handleSimple(_ context.Context, _ *Validator, in input) (outcome, *Result) {
	a := strings.ToLower(strings.TrimSpace(in.req.Answer))
	if a != "yes" && a != "no" {
		return reject(fail("Answer must be yes or no"))
	}
	return outcome{answer: a}, nil
}

func handleFreeText(_ context.Context, _ *Validator, in input) (outcome, *Result) {
	a := strings.TrimSpace(in.req.Answer)
	if len(a) > maxAnswerLen {
		return reject(fail("Answer is too long"))
	}
	return outcome{answer: a}, nil
}

func handleQuestion(_ context.Context, v *Validator, in input) (outcome, *Result) {
	a := strings.TrimSpace(in.req.Answer)
	if a == "" {
		return reject(fail("Answer is required"))
	}
	if len(a) > maxAnswerLen {
		return reject(fail("Answer is too long"))
	}
	follow := &model.Notification{
		OwnerUserID: in.event.OrganizerID,
		Type:        model.TypeQuestionAnswer,
		ItemType:    model.ItemEventQuestion,
		ItemID:      in.n.ItemID,
		Title:       in.n.Title,
		Description: a,
		Priority:    in.n.Priority,
		AdditionalData: map[string]any{
			"eventId":              in.event.ID,
			"fromUserId":           in.callerID,
			"sourceNotificationId": in.n.ID,
		},
	}
	if in.event.OrganizerID == 0 {
		v.log.Warn("question has no organizer to escalate to", logx.Int64("event", in.event.ID))
		follow = nil
	}
	return outcome{answer: a, followUp: follow}, nil
}

// FallbackKey is the day-derived master key: <day><infix>@<Mon>, e.g. 3Key@Mar.
func FallbackKey(now time.Time, infix string) string {
	return fmt.Sprintf("%d%s@%s", now.Day(), infix, now.Format("Jan"))
}

// normalizeSecret is applied to both the stored event secret and every
// entered password; secrets are case-insensitive.
func normalizeSecret(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// HashSecret returns the bcrypt hash stored as an event's secret phrase.
func HashSecret(phrase string, cost int) (string, error) {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(normalizeSecret(phrase)), cost)
	return string(b), err
}

func handlePassword(ctx context.Context, v *Validator, in input) (outcome, *Result) {
	cfg := v.config()
	pw := normalizeSecret(in.req.Answer)
	limit := cfg.MaxPasswordAttempts
	if in.n.Attempts >= limit {
		return reject(Result{Status: StatusPasswordAttemptsError, Message: "Too many wrong attempts"})
	}
	if pw == "" {
		return reject(Result{Status: StatusPasswordError, Message: "Password is required"})
	}

	ok := strings.EqualFold(pw, FallbackKey(in.now.In(cfg.Location), cfg.PasswordInfix))
	if !ok && in.event.SecretPhrase != "" {
		ok = bcrypt.CompareHashAndPassword([]byte(in.event.SecretPhrase), []byte(pw)) == nil
	}
	if !ok {
		attempts, err := v.store.IncrementAttempts(ctx, in.n.ID)
		if err != nil {
			v.log.Warn("counting password attempt failed", logx.Int64("notification", in.n.ID), logx.Err(err))
			return reject(fail("Internal error"))
		}
		if attempts >= limit {
			return reject(Result{Status: StatusPasswordAttemptsError, Message: "Too many wrong attempts"})
		}
		return reject(Result{Status: StatusPasswordError, Message: fmt.Sprintf("Wrong password, %d attempts left", limit-attempts)})
	}

	if in.event.PasswordFieldID != 0 {
		hash, err := bcrypt.GenerateFromPassword([]byte(pw), cfg.BcryptCost)
		if err != nil {
			v.log.Error("hashing password answer failed", logx.Err(err))
			return reject(fail("Internal error"))
		}
		if err := v.store.SaveFieldAnswer(ctx, in.event.ID, in.callerID, in.event.PasswordFieldID, string(hash)); err != nil {
			v.log.Warn("saving password answer failed", logx.Int64("event", in.event.ID), logx.Err(err))
			return reject(fail("Internal error"))
		}
	}
	// The plaintext never reaches the notification row.
	return outcome{answer: "verified"}, nil
}
