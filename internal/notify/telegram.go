package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/featureloop/internal/audit"
	"github.com/basket/featureloop/internal/persistence"
)

// Controller is the slice of the coordinator reachable from chat commands.
type Controller interface {
	Pause(slotID string) error
	Resume(slotID string) error
}

// ProgressSource reports backlog progress for /status.
type ProgressSource interface {
	Stats(ctx context.Context) (persistence.Stats, error)
}

type TelegramOptions struct {
	Token  string
	ChatID int64
	// Endpoint overrides the Bot API URL format (tgbotapi.APIEndpoint).
	Endpoint string
	Client   *http.Client
	Control  Controller
	Progress ProgressSource
	Logger   *slog.Logger
}

// Telegram posts notifications to one chat and answers /status, /pause and
// /resume commands sent from that chat.
type Telegram struct {
	bot      *tgbotapi.BotAPI
	chatID   int64
	control  Controller
	progress ProgressSource
	logger   *slog.Logger
}

func NewTelegram(opts TelegramOptions) (*Telegram, error) {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bot, err := tgbotapi.NewBotAPIWithClient(opts.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	return &Telegram{
		bot:      bot,
		chatID:   opts.ChatID,
		control:  opts.Control,
		progress: opts.Progress,
		logger:   logger.With("component", "telegram"),
	}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(_ context.Context, n Notification) error {
	text := fmt.Sprintf("[%s] %s", n.Project, n.Message)
	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// Start polls for chat commands until ctx is done, reconnecting with
// exponential backoff.
func (t *Telegram) Start(ctx context.Context) error {
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// pollUpdates returns nil on context cancellation and an error when the
// update channel closes or stalls.
func (t *Telegram) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// Long polls return at least every 60s, so silence for longer means a dead connection.
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}
			timer.Reset(stallTimeout)
			msg := update.Message
			if msg == nil || msg.Chat == nil || !msg.IsCommand() {
				continue
			}
			if msg.Chat.ID != t.chatID {
				t.logger.Warn("telegram command from unknown chat", "chat_id", msg.Chat.ID)
				audit.Record(ctx, "telegram", msg.Command(), fmt.Sprint(msg.Chat.ID), audit.OutcomeDenied, "unknown chat")
				continue
			}
			t.reply(t.handleCommand(ctx, msg.Command(), strings.TrimSpace(msg.CommandArguments())))
		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *Telegram) handleCommand(ctx context.Context, command, slotID string) string {
	switch command {
	case "status":
		if t.progress == nil {
			return "status unavailable"
		}
		st, err := t.progress.Stats(ctx)
		if err != nil {
			return "status failed: " + err.Error()
		}
		return fmt.Sprintf("%d/%d features passing (%.1f%%), %d in progress, %d stuck",
			st.Passing, st.Total, st.Percentage, st.InProgress, st.Stuck)
	case "pause", "resume":
		if t.control == nil {
			return command + " unavailable"
		}
		fn := t.control.Pause
		if command == "resume" {
			fn = t.control.Resume
		}
		target := slotID
		if target == "" {
			target = "all"
		}
		if err := fn(slotID); err != nil {
			audit.Record(ctx, "telegram", "control."+command, target, audit.OutcomeRejected, err.Error())
			return command + " failed: " + err.Error()
		}
		audit.Record(ctx, "telegram", "control."+command, target, audit.OutcomeOK, "")
		return command + " sent to " + target
	default:
		return "commands: /status, /pause [slot], /resume [slot]"
	}
}

func (t *Telegram) reply(text string) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		t.logger.Error("telegram reply failed", "error", err)
	}
}
