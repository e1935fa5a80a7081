// Package propose asks an LLM for candidate event rules and inserts the
// structurally valid ones into the rule repository.
package propose

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/symbolicdet/symbolicdet/pkg/facts"
	"github.com/symbolicdet/symbolicdet/pkg/ruledb"
)

type Options struct {
	// TaskDescription is the natural-language description of the events we
	// want rules for, eg "detect a person picking up a box".
	TaskDescription string
	// MaxRetries bounds transient-failure retries per cycle.
	MaxRetries int
	// RetryBackoff is the initial backoff; it doubles per retry.
	RetryBackoff time.Duration
	// RequestTimeout applies to each individual LLM request.
	RequestTimeout time.Duration
	// MaxFactsInPrompt bounds the recent-fact window we summarize for the LLM.
	MaxFactsInPrompt int
}

func DefaultOptions(task string) Options {
	return Options{
		TaskDescription:  task,
		MaxRetries:       3,
		RetryBackoff:     2 * time.Second,
		RequestTimeout:   30 * time.Second,
		MaxFactsInPrompt: 200,
	}
}

// CycleResult is the outcome of one proposal cycle. A cycle that fails
// permanently yields no candidates; it never halts the pipeline.
type CycleResult struct {
	Inserted []string // repository IDs of the new candidate rules
	Rejected int      // rules discarded by structural validation
	Err      error    // nil, or the permanent failure after exhausting retries
}

type Proposer struct {
	log    logs.Log
	client ChatClient
	repo   *ruledb.RuleDB
	opts   Options
}

func NewProposer(logger logs.Log, client ChatClient, repo *ruledb.RuleDB, opts Options) *Proposer {
	return &Proposer{
		log:    logger,
		client: client,
		repo:   repo,
		opts:   opts,
	}
}

// RunCycle performs one proposal round: build the prompt from recent activity,
// query the LLM (with bounded retries and backoff), parse and validate the
// reply, and insert valid rules as candidates.
func (p *Proposer) RunCycle(ctx context.Context, recentFacts []facts.Fact, active []ruledb.Rule) CycleResult {
	system := p.systemPrompt()
	user := p.userPrompt(recentFacts, active)

	var text string
	var err error
	backoff := p.opts.RetryBackoff
	for attempt := 0; attempt <= p.opts.MaxRetries; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
		text, err = p.client.Complete(reqCtx, system, user)
		cancel()
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			// The stream is shutting down; don't burn retries.
			return CycleResult{Err: ctx.Err()}
		}
		p.log.Warnf("Proposer: LLM request failed (attempt %v/%v): %v", attempt+1, p.opts.MaxRetries+1, err)
		if attempt < p.opts.MaxRetries {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return CycleResult{Err: ctx.Err()}
			}
			backoff *= 2
		}
	}
	if err != nil {
		p.log.Errorf("Proposer: LLM unavailable after %v attempts, continuing without new candidates", p.opts.MaxRetries+1)
		return CycleResult{Err: err}
	}

	defs, err := parseResponse(text)
	if err != nil {
		p.log.Warnf("Proposer: discarding LLM response: %v", err)
		return CycleResult{Rejected: 1}
	}

	result := CycleResult{}
	for i := range defs {
		d := &defs[i]
		ruleID, err := p.repo.AddRule(d.precondition(), d.postcondition(), ruledb.RuleSourceLLM, d.Confidence)
		if err != nil {
			p.log.Warnf("Proposer: discarding rule '%v': %v", d.Event, err)
			result.Rejected++
			continue
		}
		result.Inserted = append(result.Inserted, ruleID)
	}
	return result
}

func (p *Proposer) systemPrompt() string {
	b := strings.Builder{}
	b.WriteString("You write symbolic event-detection rules over a fixed predicate vocabulary.\n")
	b.WriteString("Answer with a JSON array only. Each element:\n")
	b.WriteString(`{"event": "<label>", "all": [{"predicate": "...", "args": ["...", "..."]}], ` +
		`"any": [], "temporal": [{"kind": "within"|"before", "first": 0, "second": 1, "frames": 5}], ` +
		`"args": ["<variables bound into the event>"], "formula": "product"|"min"|"mean", "confidence": 0.0-1.0}` + "\n")
	b.WriteString("Arguments starting with an uppercase letter are variables; lowercase arguments are literals.\n")
	b.WriteString("Predicate vocabulary:\n")
	for _, spec := range facts.Vocabulary {
		fmt.Fprintf(&b, "- %v\n", spec.Doc)
	}
	return b.String()
}

func (p *Proposer) userPrompt(recentFacts []facts.Fact, active []ruledb.Rule) string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "Task: %v\n\n", p.opts.TaskDescription)

	b.WriteString("Active rules (do not repeat these):\n")
	if len(active) == 0 {
		b.WriteString("(none)\n")
	}
	for i := range active {
		r := &active[i]
		pre, _ := json.Marshal(&r.Precondition.Data)
		fmt.Fprintf(&b, "- %v: %v\n", r.Postcondition.Data.Event, string(pre))
	}

	b.WriteString("\nRecent facts:\n")
	window := recentFacts
	if len(window) > p.opts.MaxFactsInPrompt {
		window = window[len(window)-p.opts.MaxFactsInPrompt:]
	}
	for i := range window {
		f := &window[i]
		fmt.Fprintf(&b, "- frame %v-%v: %v (%.2f)\n", f.Frame, f.FrameEnd, f.String(), f.Confidence)
	}

	b.WriteString("\nPropose zero or more new rules for the task.\n")
	return b.String()
}
