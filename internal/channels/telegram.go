package channels

import (
	"context"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/parley-ai/parley/internal/orchestrator"
)

// telegramMessageLimit is the Telegram hard cap per message bubble.
const telegramMessageLimit = 4096

// TelegramChannel long-polls the Telegram Bot API and runs each inbound
// text message through the orchestrator, replying with the final response.
// Telegram chats map to sessions via the chat ID as the external user ID,
// so each chat keeps its own history and conversation segments.
type TelegramChannel struct {
	bot       *tgbotapi.BotAPI
	orch      *orchestrator.Orchestrator
	workspace string
	log       zerolog.Logger

	cancel context.CancelFunc
}

// NewTelegramChannel authenticates with the Bot API. Returns an error when
// the token is rejected; callers should treat that as a config problem, not
// a fatal startup failure.
func NewTelegramChannel(token, workspace string, orch *orchestrator.Orchestrator, log zerolog.Logger) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	tgLog := log.With().Str("channel", "telegram").Logger()
	tgLog.Info().Str("username", bot.Self.UserName).Msg("telegram bot authorized")

	return &TelegramChannel{
		bot:       bot,
		orch:      orch,
		workspace: workspace,
		log:       tgLog,
	}, nil
}

// Start launches the long-polling update loop in a background goroutine.
func (t *TelegramChannel) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	go t.pollLoop(ctx)
}

// Stop cancels the polling loop. In-flight turns finish on their own.
func (t *TelegramChannel) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *TelegramChannel) pollLoop(ctx context.Context) {
	offset := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cfg := tgbotapi.NewUpdate(offset)
		cfg.Timeout = 30

		updates, err := t.bot.GetUpdates(cfg)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			t.log.Debug().Err(err).Msg("get updates failed")
			time.Sleep(3 * time.Second)
			continue
		}

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			go t.handleMessage(ctx, update.Message)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	// Typing indicator while the pipeline works. Best effort.
	if _, err := t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		t.log.Debug().Err(err).Msg("chat action failed")
	}

	result, err := t.orch.Process(ctx, orchestrator.Request{
		Workspace:      t.workspace,
		ChannelID:      "telegram",
		ExternalUserID: strconv.FormatInt(chatID, 10),
		Message:        msg.Text,
	}, nil)
	if err != nil {
		t.log.Warn().Err(err).Int64("chat_id", chatID).Msg("turn failed")
		t.reply(chatID, "Sorry, something went wrong processing that.")
		return
	}
	if result.Response == "" {
		return
	}
	t.reply(chatID, result.Response)
}

// reply sends text, chunked to the Telegram per-message limit.
func (t *TelegramChannel) reply(chatID int64, text string) {
	runes := []rune(text)
	for i := 0; i < len(runes); i += telegramMessageLimit {
		end := i + telegramMessageLimit
		if end > len(runes) {
			end = len(runes)
		}
		if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, string(runes[i:end]))); err != nil {
			t.log.Warn().Err(err).Int64("chat_id", chatID).Msg("telegram send failed")
			return
		}
	}
}
