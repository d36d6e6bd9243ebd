package notification

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier sends alerts through the Telegram Bot API.
type TelegramNotifier struct {
	apiBase  string
	botToken string
	chatID   string
	client   *http.Client
}

// NewTelegramNotifier creates a notifier posting to chatID as the bot.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{apiBase: telegramAPI, botToken: botToken, chatID: chatID, client: httpClient}
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	marker := "ℹ️"
	switch alert.Level {
	case AlertWarning:
		marker = "⚠️"
	case AlertCritical:
		marker = "🚨"
	}
	text := fmt.Sprintf("%s *%s* \\(%s\\)\n\n%s", marker,
		escapeMarkdown(alert.Title), escapeMarkdown(alert.Source), escapeMarkdown(alert.Message))

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.botToken)
	err := postJSON(ctx, t.client, url, map[string]string{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "MarkdownV2",
	})
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	log.Printf("[telegram] sent alert: %s", alert.Title)
	return nil
}

// escapeMarkdown escapes the characters MarkdownV2 reserves.
func escapeMarkdown(s string) string {
	const specials = "_*[]()~`>#+-=|{}.!\\"
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		if bytes.IndexByte([]byte(specials), s[i]) >= 0 {
			buf.WriteByte('\\')
		}
		buf.WriteByte(s[i])
	}
	return buf.String()
}
