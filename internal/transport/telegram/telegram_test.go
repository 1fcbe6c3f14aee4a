package telegram

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"notifyhub/internal/transport"
)

func TestSplitTelegramText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		in        string
		limit     int
		parseMode string
		want      []string
	}{
		{name: "short", in: "hello", limit: 10, want: []string{"hello"}},
		{name: "hard cut", in: "abcdefghij", limit: 4, want: []string{"abcd", "efgh", "ij"}},
		{name: "newline preferred", in: "aaaa\nbbbbbb", limit: 8, want: []string{"aaaa", "bbbbbb"}},
		{name: "html tag kept whole", in: "abc<b>x</b>", limit: 5, parseMode: "HTML", want: []string{"abc", "<b>x", "</b>"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitTelegramText(tt.in, tt.limit, tt.parseMode)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Fatalf("split = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantCode  int
		wantRetry time.Duration
	}{
		{name: "blocked", err: tele.ErrBlockedByUser, wantCode: 403},
		{name: "chat not found", err: tele.ErrChatNotFound, wantCode: 400},
		{name: "flood", err: tele.FloodError{RetryAfter: 7}, wantCode: 429, wantRetry: 7 * time.Second},
		{name: "unknown api error", err: fmt.Errorf("telegram: Bad Gateway (502)"), wantCode: 502},
		{name: "opaque", err: errors.New("boom"), wantCode: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pe, ok := transport.AsError(mapError(tt.err))
			if !ok {
				t.Fatalf("not a transport error")
			}
			if pe.Code != tt.wantCode || pe.RetryAfter != tt.wantRetry {
				t.Fatalf("mapped = code %d retry %v, want %d %v", pe.Code, pe.RetryAfter, tt.wantCode, tt.wantRetry)
			}
		})
	}
}
