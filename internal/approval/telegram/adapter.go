// Package telegram drives the approval channel over the Telegram Bot API:
// pairing, approval keyboards, decision callbacks, activity digests, and
// the admin command set.
package telegram

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"golang.org/x/time/rate"

	"github.com/porterolabs/portero/internal/approval"
	"github.com/porterolabs/portero/internal/registry"
	"github.com/porterolabs/portero/internal/store"
	"github.com/porterolabs/portero/internal/task"
)

// ErrUnpaired indicates no admin chat is bound yet; approval requests
// cannot be delivered.
var ErrUnpaired = errors.New("approval channel not paired")

// Callback data prefixes. Telegram caps callback data at 64 bytes, so the
// encodings stay short: "d:<decision>:<taskID>" and "qa:<action>:<tool>".
const (
	callbackDecision    = "d"
	callbackQuickAction = "qa"
	callbackDataMax     = 64
)

// Startup probe windows.
const (
	probeTimeout  = 5 * time.Second
	slowStartWarn = 30 * time.Second
)

// Config holds the adapter settings.
type Config struct {
	// Token is the bot token from @BotFather.
	Token string
	// PairingSecret authorizes the one-time /pair command. Empty
	// disables pairing.
	PairingSecret string
	// RateLimit caps outbound sends per second (default 25).
	RateLimit float64
	// RateBurst is the limiter burst size (default 10).
	RateBurst int
}

// Deps are the collaborators the adapter drives.
type Deps struct {
	Store      store.Store
	Tasks      *task.Manager
	Decider    *approval.Decider
	Digest     *approval.Digest
	Registry   *registry.Registry
	Aggregator *registry.Aggregator
}

// Adapter is the Telegram approval channel. It implements
// approval.Channel.
type Adapter struct {
	cfg     Config
	client  BotClient
	bot     *bot.Bot
	store   store.Store
	tasks   *task.Manager
	decider *approval.Decider
	digest  *approval.Digest
	reg     *registry.Registry
	agg     *registry.Aggregator
	limiter *rate.Limiter

	mu      sync.RWMutex
	adminID int64

	slowTimer *time.Timer
	firstSeen sync.Once
}

// New creates the adapter and its underlying bot client.
func New(cfg Config, deps Deps) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: empty bot token")
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 25
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}

	a := &Adapter{
		cfg:     cfg,
		store:   deps.Store,
		tasks:   deps.Tasks,
		decider: deps.Decider,
		digest:  deps.Digest,
		reg:     deps.Registry,
		agg:     deps.Aggregator,
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
	}

	b, err := bot.New(cfg.Token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	a.bot = b
	a.client = &realBotClient{bot: b}
	return a, nil
}

// Run loads the pairing record, probes the API, and long-polls for
// updates until ctx is done. Probe failures warn; they are not fatal.
func (a *Adapter) Run(ctx context.Context) error {
	if err := a.loadPairing(ctx); err != nil {
		slog.Warn("load pairing", "error", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	me, err := a.client.GetMe(probeCtx)
	cancel()
	if err != nil {
		slog.Warn("approval channel probe failed", "error", err)
		a.slowTimer = time.AfterFunc(slowStartWarn, func() {
			slog.Warn("approval channel slow start: no updates received",
				"after", slowStartWarn)
		})
	} else {
		slog.Info("approval channel online", "bot", me.Username)
	}

	if a.bot == nil {
		<-ctx.Done()
		return nil
	}
	a.bot.Start(ctx)
	return nil
}

// RequestApproval renders the task, sends it with the decision keyboard,
// and records the message handle on the task.
func (a *Adapter) RequestApproval(ctx context.Context, t *store.Task) error {
	adminID, paired := a.admin()
	if !paired {
		return ErrUnpaired
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	msg, err := a.client.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      adminID,
		Text:        approval.Summary(t),
		ReplyMarkup: decisionKeyboard(t.ID),
	})
	if err != nil {
		return fmt.Errorf("send approval request: %w", err)
	}
	ref := store.MessageRef{ChatID: adminID, MessageID: msg.ID}
	if _, err := a.tasks.SetMessage(ctx, t.ID, ref); err != nil {
		slog.Warn("record message handle", "task", t.ID, "error", err)
	}
	return nil
}

// Notify queues a notice for the next digest flush.
func (a *Adapter) Notify(n approval.Notice) {
	a.digest.Notify(n)
}

// FlushDigest delivers one batched activity message. Used as the
// digest's Flusher.
func (a *Adapter) FlushDigest(ctx context.Context, groups []approval.Group) {
	adminID, paired := a.admin()
	if !paired {
		return
	}
	params := &bot.SendMessageParams{
		ChatID: adminID,
		Text:   renderDigest(groups),
	}
	if kb := digestKeyboard(groups); kb != nil {
		params.ReplyMarkup = kb
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return
	}
	if _, err := a.client.SendMessage(ctx, params); err != nil {
		slog.Warn("send digest", "error", err)
	}
}

// handleUpdate is the bot's default handler for both messages and
// callback queries.
func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	a.firstSeen.Do(func() {
		if a.slowTimer != nil {
			a.slowTimer.Stop()
		}
	})
	if update == nil {
		return
	}
	switch {
	case update.CallbackQuery != nil:
		a.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		a.handleMessage(ctx, update.Message)
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *models.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	chatID := msg.Chat.ID
	fields := strings.Fields(text)
	cmd := fields[0]
	// Group chats suffix commands with the bot name: /pair@portero_bot.
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}

	adminID, paired := a.admin()
	if !paired {
		switch cmd {
		case "/start":
			a.reply(ctx, chatID, fmt.Sprintf(
				"portero approval channel.\nChat id: %d\nPair with: /pair <secret>", chatID))
		case "/pair":
			a.handlePair(ctx, chatID, fields)
		default:
			a.reply(ctx, chatID, "Not paired. Pair with: /pair <secret>")
		}
		return
	}
	if chatID != adminID {
		a.reply(ctx, chatID, "Unauthorized.")
		return
	}

	a.handleCommand(ctx, chatID, cmd, fields)
}

func (a *Adapter) handlePair(ctx context.Context, chatID int64, fields []string) {
	if a.cfg.PairingSecret == "" {
		a.reply(ctx, chatID, "Pairing disabled: no pairing secret configured.")
		return
	}
	if len(fields) != 2 {
		a.reply(ctx, chatID, "Usage: /pair <secret>")
		return
	}
	if subtle.ConstantTimeCompare([]byte(fields[1]), []byte(a.cfg.PairingSecret)) != 1 {
		slog.Warn("pairing attempt failed", "chat", chatID)
		a.reply(ctx, chatID, "Pairing failed.")
		return
	}
	if err := a.store.SetAdmin(ctx, chatID); err != nil {
		slog.Error("persist pairing", "error", err)
		a.reply(ctx, chatID, "Pairing failed to persist.")
		return
	}
	a.setAdmin(chatID)
	slog.Info("approval channel paired", "chat", chatID)
	a.reply(ctx, chatID, "Paired. This chat now controls approvals. /help lists commands.")
}

func (a *Adapter) handleCallback(ctx context.Context, cq *models.CallbackQuery) {
	chatID := callbackChatID(cq)
	adminID, paired := a.admin()
	if !paired || chatID != adminID {
		a.answerCallback(ctx, cq.ID, "Unauthorized")
		return
	}

	parts := strings.SplitN(cq.Data, ":", 3)
	if len(parts) != 3 {
		a.answerCallback(ctx, cq.ID, "Malformed action")
		return
	}
	switch parts[0] {
	case callbackDecision:
		a.handleDecisionCallback(ctx, cq, parts[1], parts[2])
	case callbackQuickAction:
		a.handleQuickAction(ctx, cq, parts[1], parts[2])
	default:
		a.answerCallback(ctx, cq.ID, "Unknown action")
	}
}

func (a *Adapter) handleDecisionCallback(ctx context.Context, cq *models.CallbackQuery, rawDecision, taskID string) {
	dec, err := approval.ParseDecision(rawDecision)
	if err != nil {
		a.answerCallback(ctx, cq.ID, "Unknown decision")
		return
	}
	t, err := a.decider.Decide(ctx, taskID, dec)
	switch {
	case errors.Is(err, approval.ErrAlreadyDecided):
		a.answerCallback(ctx, cq.ID, "Already processed")
		return
	case errors.Is(err, store.ErrNotFound):
		a.answerCallback(ctx, cq.ID, "Unknown task")
		return
	case err != nil:
		slog.Error("apply decision", "task", taskID, "error", err)
		a.answerCallback(ctx, cq.ID, "Failed to apply decision")
		return
	}
	a.answerCallback(ctx, cq.ID, dec.Label())
	a.editDecided(ctx, cq, t, dec)
}

func (a *Adapter) handleQuickAction(ctx context.Context, cq *models.CallbackQuery, action, toolName string) {
	var err error
	switch action {
	case "restrict":
		err = a.decider.Restrict(ctx, toolName)
	case "block":
		err = a.decider.Block(ctx, toolName)
	default:
		a.answerCallback(ctx, cq.ID, "Unknown action")
		return
	}
	if err != nil {
		slog.Error("quick action", "action", action, "tool", toolName, "error", err)
		a.answerCallback(ctx, cq.ID, "Failed to save rule")
		return
	}
	a.answerCallback(ctx, cq.ID, "Rule saved: "+action+" "+toolName)
}

// editDecided rewrites the approval message with the outcome and drops
// the keyboard.
func (a *Adapter) editDecided(ctx context.Context, cq *models.CallbackQuery, t *store.Task, dec approval.Decision) {
	chatID, messageID := int64(0), 0
	if cq.Message.Message != nil {
		chatID = cq.Message.Message.Chat.ID
		messageID = cq.Message.Message.ID
	} else if t.Message != nil {
		chatID = t.Message.ChatID
		messageID = t.Message.MessageID
	}
	if messageID == 0 {
		return
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return
	}
	_, err := a.client.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    chatID,
		MessageID: messageID,
		Text:      approval.Summary(t) + "\n\nDecision: " + dec.Label(),
	})
	if err != nil {
		slog.Warn("edit approval message", "task", t.ID, "error", err)
	}
}

func (a *Adapter) reply(ctx context.Context, chatID int64, text string) {
	if err := a.limiter.Wait(ctx); err != nil {
		return
	}
	if _, err := a.client.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
		slog.Warn("send reply", "chat", chatID, "error", err)
	}
}

func (a *Adapter) answerCallback(ctx context.Context, id, text string) {
	if _, err := a.client.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: id,
		Text:            text,
	}); err != nil {
		slog.Warn("answer callback", "error", err)
	}
}

func (a *Adapter) loadPairing(ctx context.Context) error {
	p, err := a.store.GetAdmin(ctx)
	if err != nil {
		return err
	}
	if p.Paired() {
		a.setAdmin(*p.ChatID)
	}
	return nil
}

func (a *Adapter) admin() (int64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.adminID, a.adminID != 0
}

func (a *Adapter) setAdmin(chatID int64) {
	a.mu.Lock()
	a.adminID = chatID
	a.mu.Unlock()
}

// callbackChatID prefers the chat the callback's message lives in; for
// inaccessible messages it falls back to the sender, which equals the
// chat id in the private admin chat.
func callbackChatID(cq *models.CallbackQuery) int64 {
	if cq.Message.Message != nil {
		return cq.Message.Message.Chat.ID
	}
	return cq.From.ID
}

// decisionKeyboard lays the six decisions out two per row.
func decisionKeyboard(taskID string) *models.InlineKeyboardMarkup {
	rows := make([][]models.InlineKeyboardButton, 0, 3)
	for i := 0; i < len(approval.Decisions); i += 2 {
		row := make([]models.InlineKeyboardButton, 0, 2)
		for j := i; j < i+2 && j < len(approval.Decisions); j++ {
			d := approval.Decisions[j]
			row = append(row, models.InlineKeyboardButton{
				Text:         d.Label(),
				CallbackData: callbackDecision + ":" + string(d) + ":" + taskID,
			})
		}
		rows = append(rows, row)
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func renderDigest(groups []approval.Group) string {
	var sb strings.Builder
	sb.WriteString("Activity:")
	for _, g := range groups {
		fmt.Fprintf(&sb, "\n- %s: %d %s", g.ToolName, g.Count, g.Status)
		if g.Reason != "" {
			fmt.Fprintf(&sb, " (%s)", g.Reason)
		}
	}
	return sb.String()
}

// digestKeyboard offers downgrade actions for tools that ran on auto
// allow. At most three tools get buttons per digest.
func digestKeyboard(groups []approval.Group) *models.InlineKeyboardMarkup {
	var rows [][]models.InlineKeyboardButton
	seen := map[string]struct{}{}
	for _, g := range groups {
		if g.Status != approval.StatusSuccess {
			continue
		}
		if _, ok := seen[g.ToolName]; ok {
			continue
		}
		seen[g.ToolName] = struct{}{}
		restrict := callbackQuickAction + ":restrict:" + g.ToolName
		block := callbackQuickAction + ":block:" + g.ToolName
		if len(restrict) > callbackDataMax || len(block) > callbackDataMax {
			continue
		}
		rows = append(rows, []models.InlineKeyboardButton{
			{Text: "Restrict " + g.ToolName, CallbackData: restrict},
			{Text: "Block " + g.ToolName, CallbackData: block},
		})
		if len(rows) == 3 {
			break
		}
	}
	if len(rows) == 0 {
		return nil
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}
