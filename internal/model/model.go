package model

import (
	"time"
)

// Mode selects the dispatch algorithm for a job.
type Mode string

const (
	// ModeNormal sends to each target once, rotating accounts until one
	// succeeds or all eligible accounts have been tried.
	ModeNormal Mode = "normal"
	// ModeRepeat makes every account send to every target exactly once,
	// regardless of other accounts' outcomes.
	ModeRepeat Mode = "repeat"
	// ModeForce drains one account at a time, preferring never-attempted
	// targets, and rotates on a consecutive-failure streak.
	ModeForce Mode = "force"
)

// Valid reports whether m is a known dispatch mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeNormal, ModeRepeat, ModeForce:
		return true
	}
	return false
}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobStopping  JobStatus = "stopping"
	JobCompleted JobStatus = "completed"
	JobStopped   JobStatus = "stopped"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status is final. Terminal states are
// never left.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobStopped, JobFailed:
		return true
	}
	return false
}

// CanTransition reports whether the status change is allowed. Job
// status moves strictly forward: pending -> running -> stopping ->
// terminal, and never out of a terminal state.
func (s JobStatus) CanTransition(to JobStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case JobPending:
		return to == JobRunning || to == JobStopped || to == JobFailed
	case JobRunning:
		return to == JobStopping || to.Terminal()
	case JobStopping:
		return to.Terminal()
	}
	return false
}

// AccountStatus represents the health of a sender identity.
type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountLimited  AccountStatus = "limited"
	AccountBanned   AccountStatus = "banned"
	AccountInactive AccountStatus = "inactive"
)

// Job is one bulk-dispatch run with a fixed target list, account pool
// and mode.
type Job struct {
	ID         string   `json:"id"`
	Name       string   `json:"name,omitempty"`
	Mode       Mode     `json:"mode"`
	Message    string   `json:"message"`
	TargetIDs  []string `json:"target_ids"`
	AccountIDs []string `json:"account_ids"`

	// Numeric parameters.
	Threads         int           `json:"threads"`
	MinDelay        time.Duration `json:"min_delay"`
	MaxDelay        time.Duration `json:"max_delay"`
	FailStreakLimit int           `json:"fail_streak_limit"` // force mode rotation threshold
	MutualRetryMax  int           `json:"mutual_retry_max"`  // retries allowed on mutual-contact errors

	Status      JobStatus `json:"status"`
	SentCount   int       `json:"sent_count"`
	FailedCount int       `json:"failed_count"`
	TotalCount  int       `json:"total_count"`
	StopReason  string    `json:"stop_reason,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Target is one message recipient within a job.
type Target struct {
	ID      string `json:"id"`
	JobID   string `json:"job_id"`
	Address string `json:"address"`

	Sent           bool      `json:"sent"`
	SentAt         time.Time `json:"sent_at,omitempty"`
	SentBy         string    `json:"sent_by,omitempty"`
	FailedAccounts []string  `json:"failed_accounts,omitempty"`
	LastError      string    `json:"last_error,omitempty"` // classified outcome kind
	RetryCount     int       `json:"retry_count"`
	LastAccountID  string    `json:"last_account_id,omitempty"`
}

// FailedBy reports whether the account already failed against this
// target.
func (t *Target) FailedBy(accountID string) bool {
	for _, id := range t.FailedAccounts {
		if id == accountID {
			return true
		}
	}
	return false
}

// AddFailedAccount records a failed account id, keeping the set unique.
func (t *Target) AddFailedAccount(accountID string) {
	if !t.FailedBy(accountID) {
		t.FailedAccounts = append(t.FailedAccounts, accountID)
	}
}

// Account is one sender identity. Credentials live in the session
// store; only health status and proxy assignment are owned here.
type Account struct {
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`

	Status       AccountStatus `json:"status"`
	StatusReason string        `json:"status_reason,omitempty"`
	ProxyID      string        `json:"proxy_id,omitempty"`

	SentToday  int       `json:"sent_today"`
	DailyLimit int       `json:"daily_limit"`
	LastUsed   time.Time `json:"last_used,omitempty"`
	CheckedAt  time.Time `json:"checked_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Usable reports whether the account may be selected for a new attempt.
func (a *Account) Usable() bool {
	return a.Status == AccountActive
}

// DailyBudgetLeft reports whether the account is under its daily send
// limit. A zero limit means unlimited.
func (a *Account) DailyBudgetLeft() bool {
	return a.DailyLimit <= 0 || a.SentToday < a.DailyLimit
}

// Proxy is an optional network intermediary used when connecting an
// account.
type Proxy struct {
	ID      string `json:"id"`
	Address string `json:"address"` // host:port, SOCKS5

	Active       bool `json:"active"`
	SuccessCount int  `json:"success_count"`
	FailureCount int  `json:"failure_count"`
}

// SendLog is one per-attempt record, kept for the final report.
type SendLog struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	AccountID string    `json:"account_id"`
	TargetID  string    `json:"target_id"`
	Success   bool      `json:"success"`
	Kind      string    `json:"kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
