package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/user1303836/intelstream-sub000/internal/domain"
	"github.com/user1303836/intelstream-sub000/internal/ports"
)

// Notifier delivers summarized items to a Telegram chat via the bot API.
type Notifier struct {
	botToken string
	chatID   string
	client   *http.Client
	apiBase  string
}

var _ ports.Notifier = (*Notifier)(nil)

// NewNotifier registers bot token and chat identifier.
func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 5 * time.Second},
		apiBase:  "https://api.telegram.org",
	}
}

// PostItem sends one item as a Markdown message.
func (n *Notifier) PostItem(ctx context.Context, item domain.ContentItem, source domain.Source) error {
	if n.botToken == "" || n.chatID == "" || n.client == nil {
		return fmt.Errorf("telegram notifier misconfigured")
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.apiBase, n.botToken)
	form := url.Values{}
	form.Set("chat_id", n.chatID)
	form.Set("text", formatMessage(item, source))
	form.Set("parse_mode", "Markdown")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram error: %s", resp.Status)
	}

	return nil
}

func formatMessage(item domain.ContentItem, source domain.Source) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*%s*\n", item.Title)
	if item.OriginalURL != "" {
		sb.WriteString(item.OriginalURL)
		sb.WriteString("\n")
	}
	if item.Summary != "" {
		sb.WriteString("\n")
		sb.WriteString(item.Summary)
		sb.WriteString("\n")
	}

	footer := source.Name
	if item.Author != "" && item.Author != source.Name {
		footer = fmt.Sprintf("%s · %s", source.Name, item.Author)
	}
	fmt.Fprintf(&sb, "\n_%s_", footer)
	return sb.String()
}
