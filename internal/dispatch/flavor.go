package dispatch

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"notifyhub/internal/model"
	"notifyhub/internal/sender"
	"notifyhub/internal/storage"
	"notifyhub/internal/transport"
	"notifyhub/pkg/logx"
)

// Flavor sends one job's content to one recipient.
type Flavor interface {
	Send(ctx context.Context, job model.DeliveryJob, recipientID int64) (transport.MessageRef, error)
}

type flavorKey int

const (
	flavorCopy flavorKey = iota
	flavorTemplated
	flavorPoll
)

func flavorOf(job model.DeliveryJob) flavorKey {
	switch {
	case job.Kind == model.KindPoll:
		return flavorPoll
	case job.Templated:
		return flavorTemplated
	default:
		return flavorCopy
	}
}

// CopyFlavor replicates the source message verbatim.
type CopyFlavor struct {
	Out transport.Sender
}

func (f CopyFlavor) Send(ctx context.Context, job model.DeliveryJob, recipientID int64) (transport.MessageRef, error) {
	src := transport.MessageRef{ChatID: job.SourceChatID, MessageID: job.SourceMessageID}
	return f.Out.CopyMessage(ctx, transport.ChatTarget{ChatID: recipientID}, src, nil)
}

// LinkError replaces a placeholder whose link could not be issued.
const LinkError = "[LINK_ERROR]"

// {aff:<itemType>} and {invite:<chatID>}
var placeholderRe = regexp.MustCompile(`\{(aff|invite):([^{}\s]+)\}`)

// Telegram clients may turn the "-" of a group chat id into a dash.
var dashes = strings.NewReplacer("—", "-", "–", "-")

// TemplatedFlavor substitutes personal links before sending. With a source
// message the rendered text becomes its caption, otherwise it is sent as text.
type TemplatedFlavor struct {
	Out         transport.Sender
	Links       LinkStore
	BotUsername string
	Log         logx.Logger
}

func (f TemplatedFlavor) Send(ctx context.Context, job model.DeliveryJob, recipientID int64) (transport.MessageRef, error) {
	text := f.Render(ctx, job.MessageText, recipientID)
	to := transport.ChatTarget{ChatID: recipientID}
	if job.SourceMessageID != 0 {
		src := transport.MessageRef{ChatID: job.SourceChatID, MessageID: job.SourceMessageID}
		return f.Out.CopyMessage(ctx, to, src, &transport.CopyOptions{Caption: text, ParseMode: "HTML"})
	}
	return f.Out.SendText(ctx, to, text, &transport.SendOptions{ParseMode: "HTML"})
}

// Render resolves every placeholder for userID. Placeholders that fail
// become LinkError; Render itself never fails.
func (f TemplatedFlavor) Render(ctx context.Context, text string, userID int64) string {
	log := f.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	text = dashes.Replace(text)
	resolved := map[string]string{}
	return placeholderRe.ReplaceAllStringFunc(text, func(ph string) string {
		if v, ok := resolved[ph]; ok {
			return v
		}
		m := placeholderRe.FindStringSubmatch(ph)
		var (
			link string
			err  error
		)
		switch m[1] {
		case "aff":
			link, err = f.referralLink(ctx, userID, m[2])
		case "invite":
			link, err = f.inviteLink(ctx, userID, m[2])
		}
		if err != nil {
			log.Warn("placeholder failed", logx.String("placeholder", ph), logx.Int64("user_id", userID), logx.Err(err))
			link = LinkError
		}
		resolved[ph] = link
		return link
	})
}

func (f TemplatedFlavor) referralLink(ctx context.Context, userID int64, itemType string) (string, error) {
	bot := strings.TrimPrefix(strings.TrimSpace(f.BotUsername), "@")
	if bot == "" {
		return "", errors.New("bot username not configured")
	}
	hash, err := f.Links.GetOrCreateAffiliateLink(ctx, userID, itemType)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://t.me/%s/event?startapp=campaign-aff-%s", bot, hash), nil
}

func (f TemplatedFlavor) inviteLink(ctx context.Context, userID int64, rawChat string) (string, error) {
	chatID, err := strconv.ParseInt(rawChat, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid chat id %q", rawChat)
	}
	link, err := f.Links.GetInviteLink(ctx, chatID, userID)
	if err == nil {
		return link, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	link, err = f.Out.CreateInviteLink(ctx, chatID, fmt.Sprintf("u%d", userID))
	if err != nil {
		return "", err
	}
	if err := f.Links.SaveInviteLink(ctx, chatID, userID, link); err != nil {
		return "", err
	}
	return link, nil
}

// VotePrefix starts the callback data of a poll button.
const VotePrefix = "vote_"

// PollFlavor sends the poll question with one vote button per answer. Polls
// are cached for the flavor's lifetime, which is one run.
type PollFlavor struct {
	Out   transport.Sender
	Polls PollStore

	mu    sync.Mutex
	cache map[int64]model.Poll
}

func (f *PollFlavor) Send(ctx context.Context, job model.DeliveryJob, recipientID int64) (transport.MessageRef, error) {
	p, err := f.poll(ctx, job.PollID)
	if err != nil {
		return transport.MessageRef{}, err
	}
	text, kb := RenderPoll(p)
	return f.Out.SendText(ctx, transport.ChatTarget{ChatID: recipientID}, text,
		&transport.SendOptions{ParseMode: "HTML", Keyboard: kb})
}

func (f *PollFlavor) poll(ctx context.Context, id int64) (model.Poll, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.cache[id]; ok {
		return p, nil
	}
	p, err := f.Polls.GetPoll(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return p, sender.NoRetry(fmt.Errorf("poll %d not found", id))
	}
	if err != nil {
		return p, err
	}
	if f.cache == nil {
		f.cache = map[int64]model.Poll{}
	}
	f.cache[id] = p
	return p, nil
}

// RenderPoll builds the poll message and its keyboard.
func RenderPoll(p model.Poll) (string, []transport.Button) {
	var b strings.Builder
	b.WriteString("📊 <b>")
	b.WriteString(html.EscapeString(p.Question))
	b.WriteString("</b>")
	if p.Deadline != nil {
		b.WriteString("\n\n<b>⏱️ Voting ends at:</b> ")
		b.WriteString(p.Deadline.UTC().Format("2006-01-02 15:04"))
		b.WriteString(" UTC")
	}
	kb := make([]transport.Button, 0, len(p.Answers))
	for _, a := range p.Answers {
		kb = append(kb, transport.Button{Text: a.Text, Data: VotePrefix + strconv.FormatInt(a.ID, 10)})
	}
	return b.String(), kb
}
