package cfg

import (
	"errors"
	"flag"
	"fmt"
)

// Config holds the monitor's application configuration, bound to flags
// and filled from BEACON_-prefixed environment variables.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	FeedsFile           string
	PassIntervalMinutes int
	PassTimeoutSeconds  int
	ContactEmail        string
	ContactURL          string

	ClaudeAPIKey string
	ExtractModel string
	SummaryModel string
	BatchSize    int

	DatabaseURL string
	SQLitePath  string

	SlackWebhookURL string

	SeenRetentionDays int
	GroupWindowHours  int
	GroupRadiusKm     float64

	RetryMaxAttempts     int
	RetryBaseDelaySecond int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token for the status API (empty = no auth)")

	fs.StringVar(&c.FeedsFile, "feeds-file", "", "YAML file with feed source definitions (empty = built-in defaults)")
	fs.IntVar(&c.PassIntervalMinutes, "pass-interval-minutes", 10, "minutes between monitor passes (1..1440)")
	fs.IntVar(&c.PassTimeoutSeconds, "pass-timeout-seconds", 300, "per-pass timeout in seconds (10..3600)")
	fs.StringVar(&c.ContactEmail, "contact-email", "", "contact email advertised in the feed User-Agent")
	fs.StringVar(&c.ContactURL, "contact-url", "", "contact URL advertised in the feed User-Agent")

	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for accessing the Claude LLM provider")
	fs.StringVar(&c.ExtractModel, "extract-model", "claude-haiku-4-5", "Claude model for batched entry extraction")
	fs.StringVar(&c.SummaryModel, "summary-model", "claude-sonnet-4-5", "Claude model for aggregate summaries")
	fs.IntVar(&c.BatchSize, "batch-size", 10, "entries per extraction call (1..50)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL for the seen store")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "", "SQLite file path for the seen store (used when no database URL is set)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")

	fs.IntVar(&c.SeenRetentionDays, "seen-retention-days", 30, "days to keep seen records before pruning (1..365)")
	fs.IntVar(&c.GroupWindowHours, "group-window-hours", 24, "max spread in hours between event dates in one group (1..168)")
	fs.Float64Var(&c.GroupRadiusKm, "group-radius-km", 500, "max distance in km between located reports in one group")

	fs.IntVar(&c.RetryMaxAttempts, "retry-max-attempts", 3, "attempts per LLM call or delivery, including the first (1..10)")
	fs.IntVar(&c.RetryBaseDelaySecond, "retry-base-delay-seconds", 2, "initial retry backoff in seconds (1..60)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.PassIntervalMinutes <= 0 || c.PassIntervalMinutes > 1440 {
		errs = append(errs, fmt.Errorf("invalid PASS_INTERVAL_MINUTES %d (must be 1..1440)", c.PassIntervalMinutes))
	}
	if c.PassTimeoutSeconds < 10 || c.PassTimeoutSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid PASS_TIMEOUT_SECONDS %d (must be 10..3600)", c.PassTimeoutSeconds))
	}

	// Claude API key is required for LLM access
	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}
	if c.ExtractModel == "" {
		errs = append(errs, errors.New("EXTRACT_MODEL is required"))
	}
	if c.SummaryModel == "" {
		errs = append(errs, errors.New("SUMMARY_MODEL is required"))
	}
	if c.BatchSize <= 0 || c.BatchSize > 50 {
		errs = append(errs, fmt.Errorf("invalid BATCH_SIZE %d (must be 1..50)", c.BatchSize))
	}

	if c.SeenRetentionDays <= 0 || c.SeenRetentionDays > 365 {
		errs = append(errs, fmt.Errorf("invalid SEEN_RETENTION_DAYS %d (must be 1..365)", c.SeenRetentionDays))
	}
	if c.GroupWindowHours <= 0 || c.GroupWindowHours > 168 {
		errs = append(errs, fmt.Errorf("invalid GROUP_WINDOW_HOURS %d (must be 1..168)", c.GroupWindowHours))
	}
	if c.GroupRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("invalid GROUP_RADIUS_KM %v (must be positive)", c.GroupRadiusKm))
	}

	if c.RetryMaxAttempts <= 0 || c.RetryMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("invalid RETRY_MAX_ATTEMPTS %d (must be 1..10)", c.RetryMaxAttempts))
	}
	if c.RetryBaseDelaySecond <= 0 || c.RetryBaseDelaySecond > 60 {
		errs = append(errs, fmt.Errorf("invalid RETRY_BASE_DELAY_SECONDS %d (must be 1..60)", c.RetryBaseDelaySecond))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
