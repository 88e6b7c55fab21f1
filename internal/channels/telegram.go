package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/drover/internal/account"
	"github.com/basket/drover/internal/bus"
	"github.com/basket/drover/internal/diagnose"
	"github.com/basket/drover/internal/journal"
	"github.com/basket/drover/internal/onboard"
	"github.com/basket/drover/internal/worker"
)

const welcomeText = `Drover runs one worker per account and walks new accounts through setup.

/add - set up a new account
/accounts - list your accounts
/run <account> - start a worker
/stop <account> - stop a running worker
/delete <account> - remove a stopped account
/status - running workers and recent runs
/cancel - abandon an in-progress setup`

// Deps carries everything the bot needs to serve commands. All fields except
// Logger must be set for real use.
type Deps struct {
	Registry  *worker.Registry
	Store     *account.Store
	Journal   *journal.Store
	Onboard   *onboard.Manager
	Bus       *bus.Bus
	Diagnoser diagnose.Diagnoser
	Logger    *slog.Logger
}

// TelegramChannel implements the Channel interface for Telegram.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	registry   *worker.Registry
	store      *account.Store
	journal    *journal.Store
	onboarding *onboard.Manager
	eventBus   *bus.Bus
	diagnoser  diagnose.Diagnoser
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
}

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(token string, allowedIDs []int64, deps Deps) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		registry:   deps.Registry,
		store:      deps.Store,
		journal:    deps.Journal,
		onboarding: deps.Onboard,
		eventBus:   deps.Bus,
		diagnoser:  deps.Diagnoser,
		logger:     logger.With("component", "telegram"),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	if t.eventBus != nil {
		go t.notify(ctx)
	}

	// Reconnection loop with exponential backoff.
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

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection). Returns nil on context cancellation, or an error to trigger
// reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5
	// minutes, the connection is likely dead (the library blocks rather than
	// closing the channel).
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

			// Reset stall timer on every received update (including empty
			// long-poll returns).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
					t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
					continue
				}
				t.handleMessage(ctx, update.Message)
				continue
			}

			if update.CallbackQuery != nil {
				if _, ok := t.allowedIDs[update.CallbackQuery.From.ID]; !ok {
					t.logger.Warn("telegram callback access denied", "user_id", update.CallbackQuery.From.ID)
					continue
				}
				t.handleCallback(ctx, update.CallbackQuery)
				continue
			}

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	chatID := msg.Chat.ID
	userID := msg.From.ID

	if strings.HasPrefix(text, "/") {
		t.handleCommand(ctx, chatID, userID, text)
		return
	}

	// Free text only means something inside a setup conversation.
	if !t.onboarding.Active(userID) {
		t.reply(chatID, "No setup in progress. Send /add to create an account or /start for the command list.")
		return
	}
	reply, _, err := t.onboarding.Input(ctx, userID, text)
	if err != nil {
		t.reply(chatID, fmt.Sprintf("Setup failed: %v", err))
		return
	}
	t.reply(chatID, reply)
}

func (t *TelegramChannel) handleCommand(ctx context.Context, chatID, userID int64, text string) {
	cmd, arg := parseCommand(text)
	switch cmd {
	case "start", "help":
		t.reply(chatID, welcomeText)
	case "add":
		t.cmdAdd(chatID)
	case "accounts":
		t.cmdAccounts(chatID, userID)
	case "run":
		if arg == "" {
			t.reply(chatID, "Usage: /run <account>")
			return
		}
		t.startWorker(ctx, chatID, userID, arg)
	case "stop":
		if arg == "" {
			t.reply(chatID, "Usage: /stop <account>")
			return
		}
		t.stopWorker(chatID, userID, arg)
	case "delete":
		if arg == "" {
			t.reply(chatID, "Usage: /delete <account>")
			return
		}
		t.deleteAccount(chatID, userID, arg)
	case "status":
		t.cmdStatus(ctx, chatID, userID)
	case "cancel":
		if t.onboarding.Cancel(userID) {
			t.reply(chatID, "Setup cancelled.")
			return
		}
		t.reply(chatID, "Nothing to cancel.")
	default:
		t.reply(chatID, "Unknown command. Send /start for the list.")
	}
}

func (t *TelegramChannel) cmdAdd(chatID int64) {
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Direct", "add:direct"),
			tgbotapi.NewInlineKeyboardButtonData("Browser", "add:browser"),
		),
	)
	t.replyKeyboard(chatID, "Which backend should the new account use?", keyboard)
}

func (t *TelegramChannel) cmdAccounts(chatID, userID int64) {
	idents, err := t.store.List(userID)
	if err != nil {
		t.logger.Error("account listing failed", "user_id", userID, "error", err)
		t.reply(chatID, "Could not list your accounts.")
		return
	}
	if len(idents) == 0 {
		t.reply(chatID, "You have no accounts yet. Send /add to create one.")
		return
	}

	var b strings.Builder
	b.WriteString("Your accounts:\n")
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(idents))
	for _, id := range idents {
		counter, err := t.store.Counter(id.Backend, id.Name)
		if err != nil {
			t.logger.Warn("counter read failed", "account", id.Name, "error", err)
		}
		fmt.Fprintf(&b, "%s  [%s]  %d actions total\n", id.Name, id.Backend, counter)
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Run "+id.Name, "acct:run:"+id.Name),
			tgbotapi.NewInlineKeyboardButtonData("Stop "+id.Name, "acct:stop:"+id.Name),
			tgbotapi.NewInlineKeyboardButtonData("Delete "+id.Name, "acct:del:"+id.Name),
		))
	}
	t.replyKeyboard(chatID, strings.TrimRight(b.String(), "\n"), tgbotapi.NewInlineKeyboardMarkup(rows...))
}

func (t *TelegramChannel) startWorker(ctx context.Context, chatID, userID int64, name string) {
	ident, err := t.store.Get(name)
	if err != nil && !errors.Is(err, account.ErrNotFound) {
		t.logger.Error("account lookup failed", "account", name, "error", err)
		t.reply(chatID, "Could not look up that account.")
		return
	}
	// Other users' accounts read as absent.
	if errors.Is(err, account.ErrNotFound) || ident.OwnerID != userID {
		t.reply(chatID, fmt.Sprintf("No account named %s. Send /accounts to see yours.", name))
		return
	}

	w, err := t.registry.Start(ctx, userID, ident)
	if errors.Is(err, worker.ErrAlreadyRunning) {
		t.reply(chatID, fmt.Sprintf("A worker for %s is already running.", name))
		return
	}
	if err != nil {
		t.reply(chatID, fmt.Sprintf("Could not start %s: %v", name, err))
		return
	}
	t.reply(chatID, fmt.Sprintf("Started %s (run %s).", name, shortRunID(w.RunID)))
}

func (t *TelegramChannel) stopWorker(chatID, userID int64, name string) {
	err := t.registry.Stop(userID, name)
	if errors.Is(err, worker.ErrNotFound) {
		t.reply(chatID, fmt.Sprintf("No worker is running for %s.", name))
		return
	}
	if err != nil {
		t.reply(chatID, fmt.Sprintf("Could not stop %s: %v", name, err))
		return
	}
	t.reply(chatID, fmt.Sprintf("Stopping %s.", name))
}

func (t *TelegramChannel) deleteAccount(chatID, userID int64, name string) {
	if t.registry.Get(userID, name) != nil {
		t.reply(chatID, fmt.Sprintf("A worker for %s is still running. Stop it first with /stop %s.", name, name))
		return
	}
	ident, err := t.store.Delete(userID, name)
	if errors.Is(err, account.ErrNotFound) || errors.Is(err, account.ErrNotOwner) {
		t.reply(chatID, fmt.Sprintf("No account named %s. Send /accounts to see yours.", name))
		return
	}
	if err != nil {
		t.logger.Error("account delete failed", "account", name, "error", err)
		t.reply(chatID, fmt.Sprintf("Could not delete %s.", name))
		return
	}
	if t.eventBus != nil {
		t.eventBus.Publish(bus.TopicAccountDeleted, bus.AccountEvent{
			UserID:  userID,
			Account: ident.Name,
			Backend: string(ident.Backend),
		})
	}
	t.reply(chatID, fmt.Sprintf("Deleted %s.", name))
}

func (t *TelegramChannel) cmdStatus(ctx context.Context, chatID, userID int64) {
	var b strings.Builder
	b.WriteString("Workers:\n")
	running := 0
	for _, info := range t.registry.Snapshot() {
		if info.UserID != userID {
			continue
		}
		b.WriteString("  " + formatWorkerLine(info) + "\n")
		running++
	}
	if running == 0 {
		b.WriteString("  none\n")
	}

	if t.journal != nil {
		runs, err := t.journal.RecentRuns(ctx, userID, 5)
		if err != nil {
			t.logger.Warn("recent runs unavailable", "user_id", userID, "error", err)
		}
		if len(runs) > 0 {
			b.WriteString("Recent runs:\n")
			for _, r := range runs {
				b.WriteString("  " + formatRunLine(r) + "\n")
			}
		}
	}
	t.reply(chatID, strings.TrimRight(b.String(), "\n"))
}

// handleCallback handles inline button clicks from the /add and /accounts
// keyboards.
func (t *TelegramChannel) handleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) {
	if query.Message == nil {
		return
	}
	group, action, name, err := parseCallback(query.Data)
	if err != nil {
		// Stale keyboard or foreign callback, ignore.
		return
	}
	chatID := query.Message.Chat.ID
	userID := query.From.ID

	switch group {
	case "add":
		backend, err := account.ParseBackend(action)
		if err != nil {
			return
		}
		t.ack(query.ID, "Starting setup")
		t.beginOnboarding(chatID, userID, backend)
	case "acct":
		switch action {
		case "run":
			t.ack(query.ID, "Starting "+name)
			t.startWorker(ctx, chatID, userID, name)
		case "stop":
			t.ack(query.ID, "Stopping "+name)
			t.stopWorker(chatID, userID, name)
		case "del":
			t.ack(query.ID, "Deleting "+name)
			t.deleteAccount(chatID, userID, name)
		}
	}
}

func (t *TelegramChannel) beginOnboarding(chatID, userID int64, backend account.Backend) {
	prompt, err := t.onboarding.Begin(userID, backend)
	switch {
	case errors.Is(err, onboard.ErrConversationActive):
		t.reply(chatID, "A setup is already in progress. Finish it or send /cancel.")
		return
	case errors.Is(err, onboard.ErrBrowserDisabled):
		t.reply(chatID, "The browser backend is not available on this install.")
		return
	case err != nil:
		t.reply(chatID, fmt.Sprintf("Could not start setup: %v", err))
		return
	}
	t.reply(chatID, prompt)
}

// notify forwards bus events to the owning user's private chat. Telegram user
// IDs double as private chat IDs, so an event is deliverable whenever its
// owner is on the allowlist.
func (t *TelegramChannel) notify(ctx context.Context) {
	workers := t.eventBus.Subscribe("worker.")
	defer t.eventBus.Unsubscribe(workers)
	onboards := t.eventBus.Subscribe("onboard.")
	defer t.eventBus.Unsubscribe(onboards)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-workers.Ch():
			t.notifyWorker(ctx, ev)
		case ev := <-onboards.Ch():
			t.notifyOnboard(ev)
		}
	}
}

func (t *TelegramChannel) notifyWorker(ctx context.Context, ev bus.Event) {
	we, ok := ev.Payload.(bus.WorkerEvent)
	if !ok {
		return
	}
	if _, ok := t.allowedIDs[we.UserID]; !ok {
		return
	}
	switch ev.Topic {
	case bus.TopicWorkerCompleted:
		t.reply(we.UserID, fmt.Sprintf("%s finished its run: %d actions.", we.Account, we.Actions))
	case bus.TopicWorkerCancelled:
		t.reply(we.UserID, fmt.Sprintf("%s stopped after %d actions.", we.Account, we.Actions))
	case bus.TopicWorkerFailed:
		text := failureText(we)
		if d := t.diagnosis(ctx, we); d != "" {
			text += "\n\n" + d
		}
		t.reply(we.UserID, text)
	}
}

// failureText builds the notification for a failed run. Auth failures get
// re-onboarding instructions since restarting cannot fix them.
func failureText(we bus.WorkerEvent) string {
	text := fmt.Sprintf("%s failed after %d actions: %s", we.Account, we.Actions, we.Err)
	if we.AuthExpired {
		text += fmt.Sprintf("\nThe stored session is no longer valid. Delete the account with /delete %s and set it up again with /add.", we.Account)
	}
	return text
}

func (t *TelegramChannel) notifyOnboard(ev bus.Event) {
	oe, ok := ev.Payload.(bus.OnboardEvent)
	if !ok {
		return
	}
	if _, ok := t.allowedIDs[oe.UserID]; !ok {
		return
	}
	browser := oe.Backend == string(account.BackendBrowser)

	switch ev.Topic {
	case bus.TopicOnboardStage:
		if !relayStage(oe) {
			return
		}
		t.reply(oe.UserID, onboard.PromptFor(onboard.Stage(oe.Stage)))
	case bus.TopicOnboardTimeout:
		if oe.Account == "" {
			t.reply(oe.UserID, "Setup timed out. Send /add to start over.")
			return
		}
		t.reply(oe.UserID, fmt.Sprintf("Setup for %s timed out and was rolled back. Send /add to start over.", oe.Account))
	case bus.TopicOnboardCompleted:
		// Direct completions are answered in the conversation itself.
		if !browser {
			return
		}
		t.reply(oe.UserID, fmt.Sprintf("Account %s is ready. Start it with /run %s.", oe.Account, oe.Account))
	case bus.TopicOnboardFailed:
		if !browser {
			return
		}
		t.reply(oe.UserID, fmt.Sprintf("Setup for %s failed: %s", oe.Account, oe.Err))
	}
}

// relayStage reports whether a stage event should be forwarded to the user.
// Browser logins advance from a background goroutine, so their code and
// password prompts arrive over the bus instead of as command replies; every
// other transition was already answered in the conversation.
func relayStage(oe bus.OnboardEvent) bool {
	if oe.Backend != string(account.BackendBrowser) {
		return false
	}
	s := onboard.Stage(oe.Stage)
	return s == onboard.StageCode || s == onboard.StagePassword
}

// diagnosis asks the configured diagnoser for a short explanation of a failed
// run. An empty string means nothing worth appending.
func (t *TelegramChannel) diagnosis(ctx context.Context, we bus.WorkerEvent) string {
	if t.diagnoser == nil {
		return ""
	}
	f := diagnose.Failure{
		Account: we.Account,
		Backend: we.Backend,
		Actions: we.Actions,
		Err:     we.Err,
	}
	if t.journal != nil {
		if runs, err := t.journal.RecentRuns(ctx, we.UserID, 5); err == nil {
			f.Recent = runs
		}
	}
	text, err := t.diagnoser.Diagnose(ctx, f)
	if err != nil {
		t.logger.Warn("failure diagnosis unavailable", "account", we.Account, "error", err)
		return ""
	}
	return text
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

func (t *TelegramChannel) replyKeyboard(chatID int64, text string, keyboard tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = keyboard
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram keyboard", "error", err)
	}
}

func (t *TelegramChannel) ack(queryID, text string) {
	if _, err := t.bot.Request(tgbotapi.NewCallback(queryID, text)); err != nil {
		t.logger.Warn("callback ack failed", "error", err)
	}
}

// parseCommand splits a slash command into its name and argument. The
// "@botname" suffix Telegram appends in group chats is stripped.
func parseCommand(text string) (cmd, arg string) {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	cmd = strings.TrimPrefix(parts[0], "/")
	if i := strings.Index(cmd, "@"); i >= 0 {
		cmd = cmd[:i]
	}
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}

// parseCallback splits inline button data. Two forms are in use:
// "add:<backend>" from the /add keyboard and "acct:<action>:<name>" from the
// /accounts keyboard.
func parseCallback(data string) (group, action, name string, err error) {
	parts := strings.SplitN(strings.TrimSpace(data), ":", 3)
	switch {
	case len(parts) == 2 && parts[0] == "add" && parts[1] != "":
		return parts[0], parts[1], "", nil
	case len(parts) == 3 && parts[0] == "acct" && parts[1] != "" && parts[2] != "":
		return parts[0], parts[1], parts[2], nil
	}
	return "", "", "", fmt.Errorf("unrecognized callback data %q", data)
}

func shortRunID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatWorkerLine(info worker.Info) string {
	return fmt.Sprintf("%s  [%s]  %s, %d actions", info.Account, info.Backend, info.State, info.Actions)
}

func formatRunLine(r journal.Run) string {
	line := fmt.Sprintf("%s  %s, %d actions", r.Account, r.State, r.Actions)
	if r.EndedAt != nil {
		line += "  " + r.EndedAt.UTC().Format("2006-01-02 15:04")
	}
	if r.Error != "" {
		line += "  (" + r.Error + ")"
	}
	return line
}
