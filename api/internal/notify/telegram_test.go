package notify

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type captureBot struct {
	sent []tgbotapi.MessageConfig
}

func (b *captureBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.sent = append(b.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{}, nil
}

func TestNotify(t *testing.T) {
	bot := &captureBot{}
	tg := &Telegram{bot: bot, chatID: -100500}

	if err := tg.Notify(context.Background(), "sheet 7 failed"); err != nil {
		t.Fatal(err)
	}
	if len(bot.sent) != 1 || bot.sent[0].ChatID != -100500 || bot.sent[0].Text != "sheet 7 failed" {
		t.Fatalf("sent: %+v", bot.sent)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tg.Notify(ctx, "late"); err == nil || len(bot.sent) != 1 {
		t.Fatal("cancelled context must not send")
	}
}

func TestNewTelegram_Validation(t *testing.T) {
	if _, err := NewTelegram("", 1); err == nil {
		t.Fatal("empty token must be rejected")
	}
	if _, err := NewTelegram("123:abc", 0); err == nil {
		t.Fatal("empty chat id must be rejected")
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("лист ", 2000)
	got := truncate(long, maxMessageLen)
	if len(got) > maxMessageLen || !utf8.ValidString(got) || !strings.HasSuffix(got, "...") {
		t.Fatalf("len %d valid %v", len(got), utf8.ValidString(got))
	}
	if truncate("short", 10) != "short" {
		t.Fatal("short text must be kept")
	}
}
