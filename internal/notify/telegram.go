package notify

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mybookshelf/pricewatch/internal/model"
)

// telegramMessageLimit is the Bot API cap on message text length.
const telegramMessageLimit = 4096

type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier posts plain-text summaries to a chat.
type TelegramNotifier struct {
	bot    messageSender
	chatID int64
}

// NewTelegramNotifier connects to the Bot API with token. The connection
// is verified with a getMe call.
func NewTelegramNotifier(token string, chatID int64) (*TelegramNotifier, error) {
	if token == "" || chatID == 0 {
		return nil, eris.New("notify: telegram token and chat id are required")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, eris.Wrap(err, "notify: connect telegram bot")
	}
	zap.L().Debug("notify: telegram bot ready", zap.String("username", bot.Self.UserName))
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

// NotifyRun posts the pass summary.
func (t *TelegramNotifier) NotifyRun(_ context.Context, summary model.RunSummary) error {
	return t.send(runText(summary))
}

// NotifyAlert posts the alert.
func (t *TelegramNotifier) NotifyAlert(_ context.Context, alert model.Alert) error {
	return t.send(fmt.Sprintf("[%s] %s\n%s", strings.ToUpper(alert.Severity), alertTitle(alert.Type), alert.Message))
}

func (t *TelegramNotifier) send(text string) error {
	if len(text) > telegramMessageLimit {
		text = text[:telegramMessageLimit-3] + "..."
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := t.bot.Send(msg); err != nil {
		return eris.Wrap(err, "notify: send telegram message")
	}
	return nil
}

func runText(s model.RunSummary) string {
	st := s.Statistics
	var b strings.Builder
	fmt.Fprintf(&b, "Price update %s\n", s.StartedAt.UTC().Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "%s\n\n", s.Message)
	fmt.Fprintf(&b, "Items: %d\nUpdated: %d\nUnchanged: %d\nErrors: %d\n",
		st.TotalItems, st.UpdatedItems, st.UnchangedItems, st.ErrorItems)
	fmt.Fprintf(&b, "Queued for approval: %d\nRejected: %d\n", st.QueuedForApproval, st.RejectedPriceChanges)
	fmt.Fprintf(&b, "Success rate: %.1f%%\nDuration: %.1fs", s.SuccessRate, s.DurationSeconds)

	for _, c := range s.Changes {
		if c.Outcome != model.ChangeQueued {
			continue
		}
		fmt.Fprintf(&b, "\nReview: %s $%s -> $%s (%s)", c.Title, c.OldPrice.StringFixed(2), c.NewPrice.StringFixed(2), signedPercent(c.PercentChange))
	}
	return b.String()
}
