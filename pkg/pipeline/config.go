package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/symbolicdet/symbolicdet/pkg/detect"
	"github.com/symbolicdet/symbolicdet/pkg/facts"
	"github.com/symbolicdet/symbolicdet/pkg/reason"
	"github.com/symbolicdet/symbolicdet/pkg/track"
)

// Config is the per-stream configuration, loadable from a JSON file.
type Config struct {
	// ConfidenceThreshold drops detections below it before any processing.
	ConfidenceThreshold float32 `json:"confidenceThreshold"`

	Tracker   track.Options          `json:"tracker"`
	Extractor facts.ExtractorOptions `json:"extractor"`
	Reason    reason.Options         `json:"reason"`

	// TaskDescription is handed to the LLM proposer verbatim.
	TaskDescription string `json:"taskDescription"`
	// ProposalIntervalFrames is how often we start an LLM proposal cycle.
	// Zero disables proposals.
	ProposalIntervalFrames int `json:"proposalIntervalFrames"`
	// LLMMaxRetries and LLMRetryBackoffMS bound the retry policy per cycle.
	LLMMaxRetries     int `json:"llmMaxRetries"`
	LLMRetryBackoffMS int `json:"llmRetryBackoffMS"`
	LLMTimeoutMS      int `json:"llmTimeoutMS"`

	// AutoPromoteThreshold promotes a new candidate to active when the
	// proposer's confidence meets it. Zero or negative means manual promotion
	// only (rules wait for an external Promote call).
	AutoPromoteThreshold float64 `json:"autoPromoteThreshold"`
}

func DefaultConfig() *Config {
	return &Config{
		ConfidenceThreshold:    detect.DefaultConfidenceThreshold,
		Tracker:                track.DefaultOptions(),
		Extractor:              facts.DefaultExtractorOptions(),
		Reason:                 reason.DefaultOptions(),
		ProposalIntervalFrames: 30,
		LLMMaxRetries:          3,
		LLMRetryBackoffMS:      2000,
		LLMTimeoutMS:           30000,
		AutoPromoteThreshold:   0.7,
	}
}

// LoadConfig reads a JSON config file. Fields absent from the file keep their
// defaults.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Failed to load config file %v: %w", filename, err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Failed to parse config file %v: %w", filename, err)
	}
	return cfg, nil
}

func (c *Config) LLMRetryBackoff() time.Duration {
	return time.Duration(c.LLMRetryBackoffMS) * time.Millisecond
}

func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutMS) * time.Millisecond
}
