package model

// DecisionKind classifies the outcome of a threshold gate evaluation.
type DecisionKind string

const (
	DecisionAllowOn            DecisionKind = "ALLOW_ON"
	DecisionSkipNoPowerData    DecisionKind = "SKIP_NO_POWER_DATA"
	DecisionSkipThresholdUnmet DecisionKind = "SKIP_THRESHOLD_NOT_MET"
)

// Trigger reasons recorded with decisions and audit events.
const (
	ReasonSchedulerMatch           = "SCHEDULER_MATCH"
	ReasonSchedulerEnd             = "SCHEDULER_END"
	ReasonThresholdConfigMissing   = "THRESHOLD_CONFIG_MISSING"
	ReasonPowerProviderUnavailable = "POWER_PROVIDER_UNAVAILABLE"
	ReasonPowerIntervalMissing     = "POWER_INTERVAL_MISSING"
	ReasonPowerMissing             = "POWER_MISSING"
	ReasonPowerStale               = "POWER_STALE"
	ReasonThresholdNotMet          = "THRESHOLD_NOT_MET"
	ReasonAckTimeout               = "ACK_TIMEOUT"
	ReasonAckRejected              = "ACK_REJECTED"
	ReasonRetriesExhausted         = "RETRIES_EXHAUSTED"
)

// Decision is the outcome of evaluating a due slot against its gate.
type Decision struct {
	Kind          DecisionKind
	TriggerReason string
	MeasuredValue *float64
	MeasuredUnit  *string
}
