package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/incidentd/internal/delivery"
	"github.com/user/incidentd/internal/state"
	"github.com/user/incidentd/internal/types"
)

const (
	maxTelegramMessage = 4096
	// TargetPrefix routes delivery targets such as "telegram:12345" here.
	TargetPrefix = "telegram:"
)

// Sessions is the part of the gateway the chat commands drive.
type Sessions interface {
	Create(ctx context.Context, scenario, alertText string) (*types.Session, error)
	Get(ctx context.Context, id types.SessionID) (*types.Session, error)
	Cancel(ctx context.Context, id types.SessionID) error
	Save(ctx context.Context, id types.SessionID) (*state.Manifest, error)
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Adapter bridges Telegram to the gateway: chat commands start and manage
// investigations, and finished turns are reported back to the chat that
// started them.
type Adapter struct {
	bot      *tgbotapi.BotAPI
	send     sender
	sessions Sessions

	mu     sync.Mutex
	origin map[types.SessionID]int64
}

// New creates a Telegram adapter.
func New(token string, sessions Sessions) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	a := newAdapter(bot, sessions)
	a.bot = bot
	return a, nil
}

func newAdapter(s sender, sessions Sessions) *Adapter {
	return &Adapter{
		send:     s,
		sessions: sessions,
		origin:   make(map[types.SessionID]int64),
	}
}

// Register installs the adapter as the delivery handler for telegram
// targets.
func (a *Adapter) Register(reg *delivery.Registry) {
	reg.Register(TargetPrefix, a.Deliver)
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}
	a.sendResponse(msg.Chat.ID, "Send /investigate <scenario> <alert text> to start an investigation.")
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start", "help":
		a.sendResponse(chatID, usage)

	case "investigate":
		scenario, alert, _ := strings.Cut(args, " ")
		sess, err := a.sessions.Create(ctx, scenario, strings.TrimSpace(alert))
		if err != nil {
			a.sendResponse(chatID, "Could not start investigation: "+err.Error())
			return
		}
		a.mu.Lock()
		a.origin[sess.ID] = chatID
		a.mu.Unlock()
		a.sendResponse(chatID, fmt.Sprintf("Investigating %s\nSession: %s", sess.Scenario, sess.ID))

	case "status":
		id, ok := a.parseID(chatID, args)
		if !ok {
			return
		}
		sess, err := a.sessions.Get(ctx, id)
		if err != nil {
			a.sendResponse(chatID, "Error fetching status: "+err.Error())
			return
		}
		a.sendResponse(chatID, formatStatus(sess))

	case "cancel":
		id, ok := a.parseID(chatID, args)
		if !ok {
			return
		}
		if err := a.sessions.Cancel(ctx, id); err != nil {
			a.sendResponse(chatID, "Could not cancel: "+err.Error())
			return
		}
		a.sendResponse(chatID, fmt.Sprintf("Cancelling %s", id))

	case "save":
		id, ok := a.parseID(chatID, args)
		if !ok {
			return
		}
		m, err := a.sessions.Save(ctx, id)
		if err != nil {
			a.sendResponse(chatID, "Could not save: "+err.Error())
			return
		}
		a.sendResponse(chatID, fmt.Sprintf("Saved %s: %d events in %d chunks", id, m.EventCount, m.ChunkCount))

	default:
		a.sendResponse(chatID, "Unknown command.\n\n"+usage)
	}
}

const usage = "Available commands:\n" +
	"/investigate <scenario> <alert text>\n" +
	"/status <session id>\n" +
	"/cancel <session id>\n" +
	"/save <session id>"

func (a *Adapter) parseID(chatID int64, arg string) (types.SessionID, bool) {
	id, err := types.ParseSessionID(arg)
	if err != nil {
		a.sendResponse(chatID, "Please give a valid session id.")
		return "", false
	}
	return id, true
}

func formatStatus(s *types.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\nScenario: %s\nStatus: %s\nTurns: %d\nEvents: %d", s.ID, s.Scenario, s.Status, s.TurnCount, len(s.Events))
	if s.LastError != "" {
		fmt.Fprintf(&b, "\nLast error: %s", s.LastError)
	}
	if s.Diagnosis != "" {
		fmt.Fprintf(&b, "\n\n%s", s.Diagnosis)
	}
	return b.String()
}

// OnTurnComplete reports a finished turn to the chat that started the
// investigation, if any.
func (a *Adapter) OnTurnComplete(s types.Session) {
	a.mu.Lock()
	chatID, ok := a.origin[s.ID]
	a.mu.Unlock()
	if !ok {
		return
	}
	go a.sendResponse(chatID, delivery.FormatOutcome(s))
}

// Deliver sends message to the chat named by a "telegram:<chat id>" target.
func (a *Adapter) Deliver(target, message string) error {
	chatID, err := parseTarget(target)
	if err != nil {
		return err
	}
	a.sendResponse(chatID, message)
	return nil
}

func parseTarget(target string) (int64, error) {
	raw := strings.TrimPrefix(target, TargetPrefix)
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || raw == target {
		return 0, fmt.Errorf("invalid telegram target %q", target)
	}
	return chatID, nil
}

func (a *Adapter) sendResponse(chatID int64, text string) {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := a.send.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := a.send.Send(msg); err != nil {
				slog.Error("telegram send failed", "chat_id", chatID, "error", err)
			}
		}
	}
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
