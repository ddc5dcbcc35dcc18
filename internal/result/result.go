// Package result defines the canonical job result and recovers the
// in-container processor's JSON payload from a stdout stream that may be
// interleaved with diagnostic noise.
package result

import "time"

// Payload is the wire object a processor writes to stdout. It is the sole
// communication channel between container and host; everything in it is
// untrusted until normalized.
type Payload struct {
	Success          bool           `json:"success"`
	PreviewType      string         `json:"preview_type"`
	Content          string         `json:"content"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Thumbnail        string         `json:"thumbnail,omitempty"`
	Behaviors        []string       `json:"behaviors_detected"`
	ThreatIndicators []string       `json:"threat_indicators"`
	BehavioralScore  int            `json:"behavioral_score"`
	Error            string         `json:"error,omitempty"`
}

// ProcessingResult is the canonical outcome returned to callers.
type ProcessingResult struct {
	Success          bool           `json:"success"`
	PreviewType      string         `json:"preview_type"`
	Content          string         `json:"content"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	Thumbnail        string         `json:"thumbnail,omitempty"`
	Behaviors        []string       `json:"behaviors"`
	ThreatIndicators []string       `json:"threat_indicators"`

	// BehavioralScore is 100 for no suspicious signal, decreasing per
	// weighted finding, floored at 0. One direction, everywhere.
	BehavioralScore int `json:"behavioral_score"`

	ExecutionTime time.Duration `json:"execution_time"`
	Logs          []string      `json:"logs,omitempty"`

	// SecureProcessing is true only when the artifact was processed inside
	// the sandbox. False is never equivalent to true: callers must surface
	// it, not assume it.
	SecureProcessing bool `json:"secure_processing"`

	// DockerRequired is true when the container runtime was unreachable.
	// It means "no verdict available", never "parse it on the host instead".
	DockerRequired bool `json:"docker_required"`

	// FailureReason classifies the failure per the error taxonomy when
	// Success is false.
	FailureReason string `json:"failure_reason,omitempty"`
}

// FromPayload normalizes an untrusted payload into a canonical result.
// The score is clamped into [0,100]; a payload cannot talk its way out of
// the bounded range.
func FromPayload(p Payload, elapsed time.Duration) ProcessingResult {
	score := p.BehavioralScore
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	res := ProcessingResult{
		Success:          p.Success,
		PreviewType:      p.PreviewType,
		Content:          p.Content,
		Metadata:         p.Metadata,
		Thumbnail:        p.Thumbnail,
		Behaviors:        p.Behaviors,
		ThreatIndicators: p.ThreatIndicators,
		BehavioralScore:  score,
		ExecutionTime:    elapsed,
		SecureProcessing: true,
	}
	// FailureReason classifies failures only; a stray error string on a
	// successful payload is dropped.
	if !p.Success {
		res.FailureReason = p.Error
	}
	return res
}
