package dispatch

// Config defines the dispatcher and reaper loop parameters.
type Config struct {
	// Stream is the subject prefix shared with the microcontroller firmware.
	Stream string `json:"stream"`
	// Source names this service in outbound envelopes.
	Source string `json:"source"`

	ClaimIntervalSeconds int `json:"claim_interval_seconds"`
	ClaimLimit           int `json:"claim_limit"`
	AckTimeoutSeconds    int `json:"ack_timeout_seconds"`
	MaxInflightPerTarget int `json:"max_inflight_per_target"`

	MaxRetry            int `json:"max_retry"`
	RetryBackoffSeconds int `json:"retry_backoff_seconds"`
	RetryJitterSeconds  int `json:"retry_jitter_seconds"`

	ReaperIntervalSeconds int `json:"reaper_interval_seconds"`
	ReaperPageSize        int `json:"reaper_page_size"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.Stream == "" {
		c.Stream = "smart"
	}
	if c.Source == "" {
		c.Source = "schedulerd"
	}
	if c.ClaimIntervalSeconds <= 0 {
		c.ClaimIntervalSeconds = 2
	}
	if c.ClaimLimit <= 0 {
		c.ClaimLimit = 50
	}
	if c.AckTimeoutSeconds <= 0 {
		c.AckTimeoutSeconds = 5
	}
	if c.MaxInflightPerTarget <= 0 {
		c.MaxInflightPerTarget = 4
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 3
	}
	if c.RetryBackoffSeconds <= 0 {
		c.RetryBackoffSeconds = 5
	}
	if c.RetryJitterSeconds < 0 {
		c.RetryJitterSeconds = 0
	}
	if c.ReaperIntervalSeconds <= 0 {
		c.ReaperIntervalSeconds = 10
	}
	if c.ReaperPageSize <= 0 {
		c.ReaperPageSize = 100
	}
}
