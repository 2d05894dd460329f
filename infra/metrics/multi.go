package metrics

import coremetrics "github.com/smartenergy/schedulerd/core/metrics"

// MultiSink fans records out to multiple sinks.
type MultiSink struct {
	Sinks []coremetrics.MetricsSink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...coremetrics.MetricsSink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

// RecordCommandEvent forwards the record to all sinks, returning the first
// error encountered.
func (m *MultiSink) RecordCommandEvent(ev coremetrics.CommandEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordCommandEvent(ev); err != nil {
			return err
		}
	}
	return nil
}

// RecordAckLatency forwards latency records to all sinks.
func (m *MultiSink) RecordAckLatency(lat coremetrics.AckLatency) error {
	for _, s := range m.Sinks {
		if err := s.RecordAckLatency(lat); err != nil {
			return err
		}
	}
	return nil
}

// RecordSkip forwards skip records to all sinks.
func (m *MultiSink) RecordSkip(ev coremetrics.SkipEvent) error {
	for _, s := range m.Sinks {
		if err := s.RecordSkip(ev); err != nil {
			return err
		}
	}
	return nil
}
