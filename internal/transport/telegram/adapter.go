package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "notifyhub/internal/runtime/supervisor"
	"notifyhub/internal/transport"
	"notifyhub/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

// Adapter is the Telegram transport: outbound sends for dispatch, reports and
// operator logs, plus a long-poll loop surfacing inline keyboard callbacks.
type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	out     atomic.Value // chan<- transport.Update
	runMu   sync.Mutex
	running bool

	// sup owns the poll loop and the drop reporter; created on Start.
	sup *rtsup.Supervisor

	droppedUpdates atomic.Uint64
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, bot: b}
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a, nil
}

// Supervisor returns the adapter's internal supervisor (nil if not started).
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) registerHandlers() {
	a.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		m := c.Message()
		if cb == nil || m == nil || cb.Sender == nil {
			return nil
		}
		a.sendUpdate(transport.Update{
			CallbackID: cb.ID,
			FromID:     cb.Sender.ID,
			ChatID:     m.Chat.ID,
			MessageID:  m.ID,
			Data:       strings.TrimSpace(cb.Data),
		})
		return nil
	})
}

func (a *Adapter) sendUpdate(up transport.Update) {
	out, _ := a.out.Load().(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.droppedUpdates.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		flush := func() {
			if n := a.droppedUpdates.Swap(0); n > 0 {
				a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
			}
		}
		for {
			select {
			case <-c.Done():
				flush()
				return
			case <-ticker.C:
				flush()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// bot.Start blocks until Stop; restart it if it returns while still running.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.Uint64("dropped_updates_pending", a.droppedUpdates.Load()))
	sup.Cancel()
	go a.bot.Stop()

	// Keep shutdown snappy even if getUpdates is still long-polling.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func sendOptions(to transport.ChatTarget, opt *transport.SendOptions, withKeyboard bool) *tele.SendOptions {
	so := &tele.SendOptions{ThreadID: to.ThreadID}
	if opt == nil {
		return so
	}
	so.ParseMode = opt.ParseMode
	so.DisableWebPagePreview = opt.DisablePreview
	if withKeyboard && len(opt.Keyboard) > 0 {
		rm := &tele.ReplyMarkup{}
		rows := make([]tele.Row, 0, len(opt.Keyboard))
		for _, b := range opt.Keyboard {
			rows = append(rows, rm.Row(tele.Btn{Text: b.Text, Data: b.Data}))
		}
		rm.Inline(rows...)
		so.ReplyMarkup = rm
	}
	return so
}

// SendText sends text, split into provider-sized chunks. The returned ref is
// the first chunk; the keyboard is attached to the last one.
func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	parseMode := ""
	if opt != nil {
		parseMode = opt.ParseMode
	}
	chunks := splitTelegramText(text, telegramTextLimit, parseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first transport.MessageRef
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, sendOptions(to, opt, i == len(chunks)-1))
		if err != nil {
			return first, mapError(err)
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// CopyMessage re-sends src into to without a forward header.
func (a *Adapter) CopyMessage(ctx context.Context, to transport.ChatTarget, src transport.MessageRef, opt *transport.CopyOptions) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	params := map[string]any{
		"chat_id":      to.ChatID,
		"from_chat_id": src.ChatID,
		"message_id":   src.MessageID,
	}
	if to.ThreadID != 0 {
		params["message_thread_id"] = to.ThreadID
	}
	if opt != nil && opt.Caption != "" {
		params["caption"] = opt.Caption
		if opt.ParseMode != "" {
			params["parse_mode"] = opt.ParseMode
		}
	}
	data, err := a.bot.Raw("copyMessage", params)
	if err != nil {
		return transport.MessageRef{}, mapError(err)
	}
	var resp struct {
		Result struct {
			MessageID int `json:"message_id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return transport.MessageRef{}, &transport.Error{Code: 502, Description: "malformed copyMessage response", Err: err}
	}
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: resp.Result.MessageID}, nil
}

func (a *Adapter) SendDocument(ctx context.Context, to transport.ChatTarget, doc transport.Document, opt *transport.SendOptions) (transport.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return transport.MessageRef{}, err
	}
	d := &tele.Document{
		File:     tele.FromReader(bytes.NewReader(doc.Data)),
		FileName: doc.FileName,
		MIME:     doc.MIME,
		Caption:  doc.Caption,
	}
	msg, err := a.bot.Send(&tele.Chat{ID: to.ChatID}, d, sendOptions(to, opt, true))
	if err != nil {
		return transport.MessageRef{}, mapError(err)
	}
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

// CreateInviteLink creates a single-use invite link for chatID.
func (a *Adapter) CreateInviteLink(ctx context.Context, chatID int64, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	link, err := a.bot.CreateInviteLink(&tele.Chat{ID: chatID}, &tele.ChatInviteLink{Name: name, MemberLimit: 1})
	if err != nil {
		return "", mapError(err)
	}
	return link.InviteLink, nil
}

func (a *Adapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.Respond(&tele.Callback{ID: callbackID}, &tele.CallbackResponse{Text: text}); err != nil {
		return mapError(err)
	}
	return nil
}
