package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"notifyhub/internal/model"
)

type eventRow struct {
	ID              int64  `db:"id"`
	Name            string `db:"name"`
	OrganizerID     int64  `db:"organizer_id"`
	StartAt         int64  `db:"start_at"`
	EndAt           int64  `db:"end_at"`
	SecretPhrase    string `db:"secret_phrase"`
	PasswordFieldID int64  `db:"password_field_id"`
}

// UpsertEvent inserts e (ID 0) or replaces it, returning the stored record.
func (s *Store) UpsertEvent(ctx context.Context, e model.Event) (model.Event, error) {
	if e.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO events (name, organizer_id, start_at, end_at, secret_phrase, password_field_id)
			VALUES (?, ?, ?, ?, ?, ?)`,
			e.Name, e.OrganizerID, toMillis(e.StartAt), toMillis(e.EndAt), e.SecretPhrase, e.PasswordFieldID)
		if err != nil {
			return e, fmt.Errorf("creating event: %w", err)
		}
		e.ID, err = res.LastInsertId()
		return e, err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, name, organizer_id, start_at, end_at, secret_phrase, password_field_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, organizer_id = excluded.organizer_id,
			start_at = excluded.start_at, end_at = excluded.end_at,
			secret_phrase = excluded.secret_phrase, password_field_id = excluded.password_field_id`,
		e.ID, e.Name, e.OrganizerID, toMillis(e.StartAt), toMillis(e.EndAt), e.SecretPhrase, e.PasswordFieldID)
	if err != nil {
		return e, fmt.Errorf("updating event: %w", err)
	}
	return e, nil
}

func (s *Store) GetEvent(ctx context.Context, id int64) (model.Event, error) {
	var r eventRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM events WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Event{}, ErrNotFound
	}
	if err != nil {
		return model.Event{}, fmt.Errorf("loading event: %w", err)
	}
	return model.Event{
		ID:              r.ID,
		Name:            r.Name,
		OrganizerID:     r.OrganizerID,
		StartAt:         fromMillis(r.StartAt),
		EndAt:           fromMillis(r.EndAt),
		SecretPhrase:    r.SecretPhrase,
		PasswordFieldID: r.PasswordFieldID,
	}, nil
}

func (s *Store) UpsertRegistrant(ctx context.Context, r model.Registrant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_registrants (event_id, user_id, status) VALUES (?, ?, ?)
		ON CONFLICT(event_id, user_id) DO UPDATE SET status = excluded.status`,
		r.EventID, r.UserID, string(r.Status))
	if err != nil {
		return fmt.Errorf("saving registrant: %w", err)
	}
	return nil
}

func (s *Store) GetRegistrant(ctx context.Context, eventID, userID int64) (model.Registrant, error) {
	var status string
	err := s.db.GetContext(ctx, &status,
		`SELECT status FROM event_registrants WHERE event_id = ? AND user_id = ?`, eventID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Registrant{}, ErrNotFound
	}
	if err != nil {
		return model.Registrant{}, fmt.Errorf("loading registrant: %w", err)
	}
	return model.Registrant{EventID: eventID, UserID: userID, Status: model.RegistrationStatus(status)}, nil
}

// SaveFieldAnswer stores a custom field answer (already hashed when sensitive).
func (s *Store) SaveFieldAnswer(ctx context.Context, eventID, userID, fieldID int64, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_event_fields (event_id, user_id, field_id, value, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(event_id, user_id, field_id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		eventID, userID, fieldID, value, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("saving field answer: %w", err)
	}
	return nil
}

func (s *Store) GetFieldAnswer(ctx context.Context, eventID, userID, fieldID int64) (string, error) {
	var v string
	err := s.db.GetContext(ctx, &v,
		`SELECT value FROM user_event_fields WHERE event_id = ? AND user_id = ? AND field_id = ?`,
		eventID, userID, fieldID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("loading field answer: %w", err)
	}
	return v, nil
}

// GetOrCreateAffiliateLink returns the user's referral hash for itemType,
// creating it on first use.
func (s *Store) GetOrCreateAffiliateLink(ctx context.Context, userID int64, itemType string) (string, error) {
	hash := strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	if _, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO affiliate_links (user_id, item_type, hash, created_at) VALUES (?, ?, ?, ?)`,
		userID, itemType, hash, toMillis(s.now())); err != nil {
		return "", fmt.Errorf("creating affiliate link: %w", err)
	}
	var stored string
	if err := s.db.GetContext(ctx, &stored,
		`SELECT hash FROM affiliate_links WHERE user_id = ? AND item_type = ?`, userID, itemType); err != nil {
		return "", fmt.Errorf("loading affiliate link: %w", err)
	}
	return stored, nil
}

func (s *Store) GetInviteLink(ctx context.Context, chatID, userID int64) (string, error) {
	var link string
	err := s.db.GetContext(ctx, &link,
		`SELECT link FROM invite_links WHERE chat_id = ? AND user_id = ?`, chatID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("loading invite link: %w", err)
	}
	return link, nil
}

func (s *Store) SaveInviteLink(ctx context.Context, chatID, userID int64, link string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invite_links (chat_id, user_id, link, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id, user_id) DO UPDATE SET link = excluded.link`,
		chatID, userID, link, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("saving invite link: %w", err)
	}
	return nil
}

// CreatePoll stores the poll and its answers in one transaction.
func (s *Store) CreatePoll(ctx context.Context, p model.Poll) (model.Poll, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return p, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var deadline any
	if p.Deadline != nil {
		deadline = toMillis(*p.Deadline)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO polls (question, deadline) VALUES (?, ?)`, p.Question, deadline)
	if err != nil {
		return p, fmt.Errorf("creating poll: %w", err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return p, err
	}
	for i := range p.Answers {
		res, err := tx.ExecContext(ctx, `INSERT INTO poll_answers (poll_id, text) VALUES (?, ?)`, p.ID, p.Answers[i].Text)
		if err != nil {
			return p, fmt.Errorf("creating poll answer: %w", err)
		}
		p.Answers[i].PollID = p.ID
		if p.Answers[i].ID, err = res.LastInsertId(); err != nil {
			return p, err
		}
	}
	if err := tx.Commit(); err != nil {
		return p, fmt.Errorf("committing poll: %w", err)
	}
	return p, nil
}

func (s *Store) GetPoll(ctx context.Context, id int64) (model.Poll, error) {
	var r struct {
		ID       int64         `db:"id"`
		Question string        `db:"question"`
		Deadline sql.NullInt64 `db:"deadline"`
	}
	err := s.db.GetContext(ctx, &r, `SELECT id, question, deadline FROM polls WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Poll{}, ErrNotFound
	}
	if err != nil {
		return model.Poll{}, fmt.Errorf("loading poll: %w", err)
	}
	p := model.Poll{ID: r.ID, Question: r.Question, Deadline: fromNullMillis(r.Deadline)}
	if err := s.db.SelectContext(ctx, &p.Answers,
		`SELECT id, poll_id AS pollid, text FROM poll_answers WHERE poll_id = ? ORDER BY id`, id); err != nil {
		return model.Poll{}, fmt.Errorf("loading poll answers: %w", err)
	}
	return p, nil
}

// PollIDForAnswer resolves the poll an answer belongs to.
func (s *Store) PollIDForAnswer(ctx context.Context, answerID int64) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `SELECT poll_id FROM poll_answers WHERE id = ?`, answerID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("loading poll answer: %w", err)
	}
	return id, nil
}

// ErrPollClosed is returned when voting after the poll deadline.
var ErrPollClosed = errors.New("poll closed")

// RecordVote stores or replaces the user's answer. The answer must belong to the poll.
func (s *Store) RecordVote(ctx context.Context, pollID, userID, answerID int64, at time.Time) error {
	p, err := s.GetPoll(ctx, pollID)
	if err != nil {
		return err
	}
	if p.Deadline != nil && at.After(*p.Deadline) {
		return ErrPollClosed
	}
	valid := false
	for _, a := range p.Answers {
		if a.ID == answerID {
			valid = true
			break
		}
	}
	if !valid {
		return ErrNotFound
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO poll_votes (poll_id, user_id, answer_id, voted_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(poll_id, user_id) DO UPDATE SET answer_id = excluded.answer_id, voted_at = excluded.voted_at`,
		pollID, userID, answerID, toMillis(at))
	if err != nil {
		return fmt.Errorf("recording vote: %w", err)
	}
	return nil
}

// PollTally returns vote counts keyed by answer id.
func (s *Store) PollTally(ctx context.Context, pollID int64) (map[int64]int, error) {
	var rows []struct {
		AnswerID int64 `db:"answer_id"`
		N        int   `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT answer_id, COUNT(1) AS n FROM poll_votes WHERE poll_id = ? GROUP BY answer_id`, pollID); err != nil {
		return nil, fmt.Errorf("tallying poll: %w", err)
	}
	out := make(map[int64]int, len(rows))
	for _, r := range rows {
		out[r.AnswerID] = r.N
	}
	return out, nil
}
