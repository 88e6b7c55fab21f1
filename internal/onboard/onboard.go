// Package onboard runs the conversational flow that turns a user's answers
// into a finalized account. One conversation per user at a time; every exit
// path that is not success discards the reserved account directory.
package onboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/drover/internal/account"
	"github.com/basket/drover/internal/browserd"
	"github.com/basket/drover/internal/bus"
	"github.com/basket/drover/internal/journal"
	"github.com/basket/drover/internal/remote"
	"github.com/basket/drover/internal/shared"
)

// Stage is where a conversation is waiting.
type Stage string

const (
	StageAlias          Stage = "awaiting_alias"
	StageIdentifier     Stage = "awaiting_identifier"
	StageCode           Stage = "awaiting_code"
	StagePassword       Stage = "awaiting_password"
	StageBrowserPending Stage = "browser_pending"
)

// Journal outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeTimeout   = "timeout"
	OutcomeFailed    = "failed"
)

var (
	// ErrConversationActive means the user must finish or cancel the
	// current onboarding before starting another.
	ErrConversationActive = errors.New("onboard: conversation already active")
	// ErrNoConversation means there is nothing to feed input to.
	ErrNoConversation = errors.New("onboard: no active conversation")
	// ErrBrowserDisabled means no driver is configured for browser logins.
	ErrBrowserDisabled = errors.New("onboard: browser backend not available")
)

// User-facing prompts. The Telegram layer relays these verbatim.
const (
	PromptAlias          = "Name the new account. Letters, digits, dash and underscore only."
	promptAliasInvalid   = "That name will not work. Use 1-64 letters, digits, dashes or underscores."
	promptAliasTaken     = "That name is taken. Pick another."
	promptIdentifier     = "Send the account identifier (phone number or email)."
	promptCode           = "Enter the login code you just received."
	promptCodeInvalid    = "That code was rejected. Try again."
	promptCodeFailed     = "Could not request a code for that identifier. Check it and send it again."
	promptPassword       = "Two-step verification is on. Send the account password."
	promptPasswordWrong  = "Wrong password. Try again."
	promptBrowserStarted = "Driving the browser login. I will ask here if the platform wants a code or password."
	promptBrowserBusy    = "The browser is still working. Hang tight."
)

// PromptFor returns the user-facing prompt for a stage. The notifier uses it
// to relay stage changes that arrive through the bus instead of a command
// reply.
func PromptFor(s Stage) string {
	switch s {
	case StageAlias:
		return PromptAlias
	case StageIdentifier:
		return promptIdentifier
	case StageCode:
		return promptCode
	case StagePassword:
		return promptPassword
	case StageBrowserPending:
		return promptBrowserBusy
	}
	return ""
}

// Authenticator is the direct backend's login API. Satisfied by
// remote.Client.
type Authenticator interface {
	RequestCode(ctx context.Context, identifier string) (string, error)
	SubmitCode(ctx context.Context, challenge, code string) ([]byte, error)
	SubmitPassword(ctx context.Context, challenge, password string) ([]byte, error)
}

// LoginDriver walks a browser profile through the platform's login form.
// Satisfied by browserd.Client.
type LoginDriver interface {
	Login(ctx context.Context, acct, identifier string, code, password browserd.Provider) (bool, error)
}

type browserLogin struct {
	inputs chan string
	cancel context.CancelFunc
}

type conversation struct {
	userID   int64
	backend  account.Backend
	stage    Stage
	alias    string
	deadline time.Time

	// turn serializes messages from this user: login calls block, and a
	// second message must not reach the backend while one is in flight.
	turn sync.Mutex

	auth      Authenticator // direct only
	challenge string

	login *browserLogin // browser only
}

// Manager owns every in-flight onboarding conversation.
type Manager struct {
	store   *account.Store
	journal *journal.Store // may be nil in tests
	bus     *bus.Bus       // may be nil in tests
	newAuth func() (Authenticator, error)
	driver  LoginDriver // nil disables the browser backend
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	convs map[int64]*conversation
}

func NewManager(store *account.Store, j *journal.Store, b *bus.Bus, newAuth func() (Authenticator, error), driver LoginDriver, timeout time.Duration, logger *slog.Logger) *Manager {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		journal: j,
		bus:     b,
		newAuth: newAuth,
		driver:  driver,
		timeout: timeout,
		logger:  logger.With("component", "onboard"),
		convs:   make(map[int64]*conversation),
	}
}

// Active reports whether the user has a conversation in flight.
func (m *Manager) Active(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.convs[userID] != nil
}

// Stage returns the user's current stage, if any.
func (m *Manager) Stage(userID int64) (Stage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.convs[userID]
	if c == nil {
		return "", false
	}
	return c.stage, true
}

// Begin opens a conversation for the chosen backend and returns the first
// prompt.
func (m *Manager) Begin(userID int64, b account.Backend) (string, error) {
	if b == account.BackendBrowser && m.driver == nil {
		return "", ErrBrowserDisabled
	}

	m.mu.Lock()
	if m.convs[userID] != nil {
		m.mu.Unlock()
		return "", ErrConversationActive
	}
	m.convs[userID] = &conversation{
		userID:   userID,
		backend:  b,
		stage:    StageAlias,
		deadline: time.Now().Add(m.timeout),
	}
	m.mu.Unlock()

	m.logger.Info("onboarding started", "user_id", userID, "backend", b)
	m.publish(bus.TopicOnboardStarted, bus.OnboardEvent{UserID: userID, Backend: string(b), Stage: string(StageAlias)})
	return PromptAlias, nil
}

// Input feeds one user message to the conversation. The reply is the next
// prompt; done reports that the conversation ended (successfully or not).
// A non-nil error means an internal failure that already rolled back.
func (m *Manager) Input(ctx context.Context, userID int64, text string) (reply string, done bool, err error) {
	m.mu.Lock()
	c := m.convs[userID]
	if c == nil {
		m.mu.Unlock()
		return "", false, ErrNoConversation
	}
	m.mu.Unlock()

	c.turn.Lock()
	defer c.turn.Unlock()

	m.mu.Lock()
	if m.convs[userID] != c {
		// The message ahead of this one ended the conversation while we
		// waited our turn.
		m.mu.Unlock()
		return "", false, ErrNoConversation
	}
	c.deadline = time.Now().Add(m.timeout)
	stage := c.stage // the login goroutine moves browser conversations
	m.mu.Unlock()

	text = strings.TrimSpace(text)

	switch stage {
	case StageAlias:
		return m.inputAlias(c, text)
	case StageIdentifier:
		return m.inputIdentifier(ctx, c, text)
	case StageCode, StagePassword:
		if c.backend == account.BackendBrowser {
			return m.feedBrowser(c, text)
		}
		if stage == StageCode {
			return m.inputCode(ctx, c, text)
		}
		return m.inputPassword(ctx, c, text)
	case StageBrowserPending:
		return promptBrowserBusy, false, nil
	default:
		return "", true, m.abort(c, fmt.Errorf("conversation in impossible stage %q", stage))
	}
}

func (m *Manager) inputAlias(c *conversation, alias string) (string, bool, error) {
	if err := account.ValidateName(alias); err != nil {
		return promptAliasInvalid, false, nil
	}
	if m.store.NameInUse(alias) {
		return promptAliasTaken, false, nil
	}
	if err := m.store.Reserve(c.backend, alias, c.userID); err != nil {
		if errors.Is(err, account.ErrNameTaken) {
			return promptAliasTaken, false, nil
		}
		return "", true, m.abort(c, fmt.Errorf("reserve account: %w", err))
	}
	c.alias = alias
	m.setStage(c, StageIdentifier)
	return promptIdentifier, false, nil
}

func (m *Manager) inputIdentifier(ctx context.Context, c *conversation, identifier string) (string, bool, error) {
	if identifier == "" {
		return promptIdentifier, false, nil
	}

	if c.backend == account.BackendBrowser {
		m.startBrowserLogin(c, identifier)
		m.setStage(c, StageBrowserPending)
		return promptBrowserStarted, false, nil
	}

	if c.auth == nil {
		auth, err := m.newAuth()
		if err != nil {
			return "", true, m.abort(c, fmt.Errorf("open auth client: %w", err))
		}
		c.auth = auth
	}
	challenge, err := c.auth.RequestCode(ctx, identifier)
	if err != nil {
		m.logger.Warn("code request rejected", "user_id", c.userID, "identifier", shared.MaskIdentifier(identifier), "error", err)
		return promptCodeFailed, false, nil
	}
	c.challenge = challenge
	m.setStage(c, StageCode)
	return promptCode, false, nil
}

func (m *Manager) inputCode(ctx context.Context, c *conversation, code string) (string, bool, error) {
	material, err := c.auth.SubmitCode(ctx, c.challenge, code)
	switch {
	case errors.Is(err, remote.ErrCodeInvalid):
		return promptCodeInvalid, false, nil
	case errors.Is(err, remote.ErrPasswordNeeded):
		m.setStage(c, StagePassword)
		return promptPassword, false, nil
	case err != nil:
		return "", true, m.abort(c, fmt.Errorf("verify code: %w", err))
	}
	return m.complete(c, material)
}

func (m *Manager) inputPassword(ctx context.Context, c *conversation, password string) (string, bool, error) {
	material, err := c.auth.SubmitPassword(ctx, c.challenge, password)
	switch {
	case errors.Is(err, remote.ErrUnauthorized):
		return promptPasswordWrong, false, nil
	case err != nil:
		return "", true, m.abort(c, fmt.Errorf("verify password: %w", err))
	}
	return m.complete(c, material)
}

// complete finalizes the reservation and closes the conversation.
func (m *Manager) complete(c *conversation, material []byte) (string, bool, error) {
	if err := m.store.Finalize(c.backend, c.alias, c.userID, material); err != nil {
		return "", true, m.abort(c, fmt.Errorf("finalize account: %w", err))
	}
	m.remove(c.userID)

	m.logger.Info("onboarding completed", "user_id", c.userID, "account", c.alias, "backend", c.backend)
	m.record(c, OutcomeCompleted, "")
	m.publish(bus.TopicOnboardCompleted, bus.OnboardEvent{UserID: c.userID, Account: c.alias, Backend: string(c.backend)})
	m.publish(bus.TopicAccountCreated, bus.AccountEvent{UserID: c.userID, Account: c.alias, Backend: string(c.backend)})
	return fmt.Sprintf("Account %s is ready. Start it with /run %s.", c.alias, c.alias), true, nil
}

// Cancel tears down the user's conversation, if any.
func (m *Manager) Cancel(userID int64) bool {
	c := m.remove(userID)
	if c == nil {
		return false
	}
	m.rollback(c)
	m.record(c, OutcomeCancelled, "")
	m.publish(bus.TopicOnboardCancelled, bus.OnboardEvent{UserID: c.userID, Account: c.alias, Backend: string(c.backend)})
	m.logger.Info("onboarding cancelled", "user_id", userID, "account", c.alias)
	return true
}

// Sweep expires idle conversations until ctx ends. Run it once, in its own
// goroutine.
func (m *Manager) Sweep(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.expire(time.Now())
		}
	}
}

func (m *Manager) expire(now time.Time) {
	m.mu.Lock()
	var expired []*conversation
	for userID, c := range m.convs {
		if now.After(c.deadline) {
			expired = append(expired, c)
			delete(m.convs, userID)
		}
	}
	m.mu.Unlock()

	for _, c := range expired {
		m.rollback(c)
		m.record(c, OutcomeTimeout, "no reply within the onboarding window")
		m.publish(bus.TopicOnboardTimeout, bus.OnboardEvent{UserID: c.userID, Account: c.alias, Backend: string(c.backend)})
		m.logger.Info("onboarding timed out", "user_id", c.userID, "account", c.alias)
	}
}

// Shutdown cancels every conversation, discarding their reservations.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	convs := make([]*conversation, 0, len(m.convs))
	for _, c := range m.convs {
		convs = append(convs, c)
	}
	m.convs = make(map[int64]*conversation)
	m.mu.Unlock()

	for _, c := range convs {
		m.rollback(c)
		m.record(c, OutcomeCancelled, "daemon shutting down")
	}
}

// startBrowserLogin launches the driver conversation on its own goroutine.
// The providers surface the driver's questions back into this conversation
// through noteNeed; answers arrive through the inputs channel.
func (m *Manager) startBrowserLogin(c *conversation, identifier string) {
	ctx, cancel := context.WithCancel(context.Background())
	c.login = &browserLogin{inputs: make(chan string, 1), cancel: cancel}

	go func() {
		defer cancel()
		ok, err := m.driver.Login(ctx, c.alias, identifier,
			m.provider(c, StageCode), m.provider(c, StagePassword))
		m.finishBrowser(c.userID, ok, err)
	}()
}

func (m *Manager) provider(c *conversation, need Stage) browserd.Provider {
	return func(ctx context.Context) (string, error) {
		m.noteNeed(c.userID, need)
		select {
		case v := <-c.login.inputs:
			return v, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// noteNeed moves a browser conversation to the stage the driver is asking
// for. The prompt reaches the user through the bus, not a command reply.
func (m *Manager) noteNeed(userID int64, need Stage) {
	m.mu.Lock()
	c := m.convs[userID]
	if c == nil {
		m.mu.Unlock()
		return
	}
	c.stage = need
	c.deadline = time.Now().Add(m.timeout)
	m.mu.Unlock()

	m.publish(bus.TopicOnboardStage, bus.OnboardEvent{UserID: userID, Account: c.alias, Backend: string(c.backend), Stage: string(need)})
}

// feedBrowser hands the user's answer to the waiting provider.
func (m *Manager) feedBrowser(c *conversation, text string) (string, bool, error) {
	select {
	case c.login.inputs <- text:
		m.setStage(c, StageBrowserPending)
		return promptBrowserBusy, false, nil
	default:
		return promptBrowserBusy, false, nil
	}
}

// finishBrowser runs on the login goroutine once the driver is done. A
// conversation that was cancelled or timed out meanwhile is already gone and
// already rolled back.
func (m *Manager) finishBrowser(userID int64, ok bool, err error) {
	c := m.remove(userID)
	if c == nil {
		return
	}
	if err != nil || !ok {
		if err == nil {
			err = errors.New("platform rejected the browser login")
		}
		m.rollback(c)
		m.record(c, OutcomeFailed, err.Error())
		m.publish(bus.TopicOnboardFailed, bus.OnboardEvent{UserID: userID, Account: c.alias, Backend: string(c.backend), Err: err.Error()})
		m.logger.Warn("browser login failed", "user_id", userID, "account", c.alias, "error", err)
		return
	}
	if err := m.store.Finalize(c.backend, c.alias, c.userID, nil); err != nil {
		m.rollback(c)
		m.record(c, OutcomeFailed, err.Error())
		m.publish(bus.TopicOnboardFailed, bus.OnboardEvent{UserID: userID, Account: c.alias, Backend: string(c.backend), Err: err.Error()})
		m.logger.Error("finalize after browser login failed", "user_id", userID, "account", c.alias, "error", err)
		return
	}
	m.logger.Info("onboarding completed", "user_id", userID, "account", c.alias, "backend", c.backend)
	m.record(c, OutcomeCompleted, "")
	m.publish(bus.TopicOnboardCompleted, bus.OnboardEvent{UserID: userID, Account: c.alias, Backend: string(c.backend)})
	m.publish(bus.TopicAccountCreated, bus.AccountEvent{UserID: userID, Account: c.alias, Backend: string(c.backend)})
}

// abort ends a conversation on an internal failure and rolls back.
func (m *Manager) abort(c *conversation, err error) error {
	m.remove(c.userID)
	m.rollback(c)
	m.record(c, OutcomeFailed, err.Error())
	m.publish(bus.TopicOnboardFailed, bus.OnboardEvent{UserID: c.userID, Account: c.alias, Backend: string(c.backend), Err: err.Error()})
	m.logger.Error("onboarding aborted", "user_id", c.userID, "account", c.alias, "error", err)
	return err
}

// rollback releases everything a conversation holds: the login goroutine and
// the reserved directory. Finalized accounts are never discarded.
func (m *Manager) rollback(c *conversation) {
	if c.login != nil {
		c.login.cancel()
	}
	if c.alias == "" {
		return
	}
	if err := m.store.Discard(c.backend, c.alias); err != nil {
		m.logger.Error("discard reservation failed", "account", c.alias, "error", err)
	}
}

func (m *Manager) remove(userID int64) *conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.convs[userID]
	delete(m.convs, userID)
	return c
}

func (m *Manager) setStage(c *conversation, s Stage) {
	m.mu.Lock()
	c.stage = s
	m.mu.Unlock()
	m.publish(bus.TopicOnboardStage, bus.OnboardEvent{UserID: c.userID, Account: c.alias, Backend: string(c.backend), Stage: string(s)})
}

func (m *Manager) record(c *conversation, outcome, errText string) {
	if m.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec := journal.Onboarding{
		UserID:  c.userID,
		Account: c.alias,
		Backend: string(c.backend),
		Outcome: outcome,
		Error:   errText,
	}
	if err := m.journal.RecordOnboarding(ctx, rec); err != nil {
		m.logger.Error("journal onboarding failed", "user_id", c.userID, "error", err)
	}
}

func (m *Manager) publish(topic string, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, payload)
}
