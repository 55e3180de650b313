package notify

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"remindsync/internal/models"
)

// Sender is the part of *tgbotapi.BotAPI the notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier tells an organization's chat that its calendar credential
// stopped working and has to be connected again.
type TelegramNotifier struct {
	bot Sender
	// reconnectURL builds the link shown in the message; may be nil.
	reconnectURL func(orgID string) string
	logger       zerolog.Logger
}

func NewTelegramNotifier(bot Sender, reconnectURL func(orgID string) string, logger *zerolog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		bot:          bot,
		reconnectURL: reconnectURL,
		logger:       logger.With().Str("component", "notify").Logger(),
	}
}

// NewBotAPI connects to Telegram with the configured token.
func NewBotAPI(token string, debug bool) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	bot.Debug = debug
	return bot, nil
}

func (n *TelegramNotifier) NotifyCredentialRevoked(ctx context.Context, org *models.Organization) error {
	if org == nil || org.TelegramChatID == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := tgbotapi.NewMessage(org.TelegramChatID, revokedText(org, n.link(org.ID)))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram alert to org %s: %w", org.ID, err)
	}
	n.logger.Info().Str("org_id", org.ID).Int64("chat_id", org.TelegramChatID).Msg("credential alert sent")
	return nil
}

func (n *TelegramNotifier) link(orgID string) string {
	if n.reconnectURL == nil {
		return ""
	}
	return n.reconnectURL(orgID)
}

func revokedText(org *models.Organization, link string) string {
	var b strings.Builder
	b.WriteString("<b>Calendar access lost</b>\n")
	name := org.Name
	if name == "" {
		name = org.ID
	}
	fmt.Fprintf(&b, "Birthday reminders for %s can no longer be written", escape(name))
	if org.AccountEmail != "" {
		fmt.Fprintf(&b, " to %s", escape(org.AccountEmail))
	}
	b.WriteString(".\nAutomatic retries are paused until the calendar is connected again.")
	if link != "" {
		fmt.Fprintf(&b, "\n\n<a href=\"%s\">Reconnect calendar</a>", escape(link))
	}
	return b.String()
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

func escape(s string) string { return htmlEscaper.Replace(s) }
