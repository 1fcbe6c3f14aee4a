package dispatch

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"notifyhub/internal/storage"
	"notifyhub/internal/transport"
	"notifyhub/pkg/logx"
)

const (
	voteRecorded = "Your vote has been recorded."
	voteClosed   = "Voting for this poll has ended."
	voteUnknown  = "This option is no longer available."
	voteFailed   = "Could not record your vote, please try again."
)

// HandleVote records a poll button press. handled is false for callbacks
// that are not votes; text is the answer to show the voter.
func (s *Service) HandleVote(ctx context.Context, u transport.Update) (text string, handled bool) {
	raw, ok := strings.CutPrefix(u.Data, VotePrefix)
	if !ok {
		return "", false
	}
	answerID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || u.FromID == 0 {
		return voteUnknown, true
	}
	pollID, err := s.store.PollIDForAnswer(ctx, answerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return voteUnknown, true
		}
		s.log.Warn("resolving vote failed", logx.Int64("answer_id", answerID), logx.Err(err))
		return voteFailed, true
	}
	err = s.store.RecordVote(ctx, pollID, u.FromID, answerID, s.now())
	switch {
	case err == nil:
		s.log.Debug("vote recorded", logx.Int64("poll_id", pollID), logx.Int64("user_id", u.FromID), logx.Int64("answer_id", answerID))
		return voteRecorded, true
	case errors.Is(err, storage.ErrPollClosed):
		return voteClosed, true
	case errors.Is(err, storage.ErrNotFound):
		return voteUnknown, true
	default:
		s.log.Warn("recording vote failed", logx.Int64("poll_id", pollID), logx.Err(err))
		return voteFailed, true
	}
}
