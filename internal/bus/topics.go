package bus

// Worker lifecycle topics. Prefix-subscribing to "worker." receives all of them.
const (
	TopicWorkerStarted   = "worker.started"
	TopicWorkerAction    = "worker.action"
	TopicWorkerSleeping  = "worker.sleeping"
	TopicWorkerCompleted = "worker.completed"
	TopicWorkerCancelled = "worker.cancelled"
	TopicWorkerFailed    = "worker.failed"
)

// Onboarding topics.
const (
	TopicOnboardStarted   = "onboard.started"
	TopicOnboardStage     = "onboard.stage"
	TopicOnboardCompleted = "onboard.completed"
	TopicOnboardCancelled = "onboard.cancelled"
	TopicOnboardTimeout   = "onboard.timeout"
	TopicOnboardFailed    = "onboard.failed"
)

// Account and configuration topics.
const (
	TopicAccountCreated = "account.created"
	TopicAccountDeleted = "account.deleted"
	TopicConfigChanged  = "config.changed"
	TopicPoolsReloaded  = "pools.reloaded"
)

// WorkerEvent is published on every worker state transition.
type WorkerEvent struct {
	RunID    string // Run ID for journal correlation
	UserID   int64  // Owning user
	Account  string // Account name
	Backend  string // "direct" or "browser"
	State    string // Loop state at publication
	Action   string // Name of the resource just created (action events)
	Actions  int    // Successful actions so far this run
	WaitSecs int    // Upcoming sleep duration (sleeping events)
	Err      string // Failure description (failed events)
	// AuthExpired marks failures that need the account onboarded again
	// rather than restarted.
	AuthExpired bool
}

// OnboardEvent is published as an onboarding conversation advances.
type OnboardEvent struct {
	UserID  int64  // Conversation owner
	Account string // Alias once collected, "" before
	Backend string // Chosen backend
	Stage   string // Stage after the transition
	Err     string // Re-prompt reason, if any
}

// AccountEvent is published when an account is created or deleted.
type AccountEvent struct {
	UserID  int64
	Account string
	Backend string
}

// ConfigChangedEvent is published when the config file changes on disk.
type ConfigChangedEvent struct {
	Fingerprint string // New config fingerprint
}

// PoolsReloadedEvent is published when a proxy/user-agent list file changes.
type PoolsReloadedEvent struct {
	Proxies    int // Entries in the proxy pool after reload
	UserAgents int // Entries in the user-agent pool after reload
}
