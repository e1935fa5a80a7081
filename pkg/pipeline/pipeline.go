// Package pipeline runs the per-stream orchestration: detections in, tracked
// facts through the reasoning engine, judgments out, with LLM proposal cycles
// running asynchronously alongside frame processing.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/symbolicdet/symbolicdet/pkg/detect"
	"github.com/symbolicdet/symbolicdet/pkg/facts"
	"github.com/symbolicdet/symbolicdet/pkg/gen"
	"github.com/symbolicdet/symbolicdet/pkg/propose"
	"github.com/symbolicdet/symbolicdet/pkg/reason"
	"github.com/symbolicdet/symbolicdet/pkg/ruledb"
	"github.com/symbolicdet/symbolicdet/pkg/track"
)

var ErrStreamClosed = errors.New("stream is closed")

// Stream is one independent processing pipeline, typically one per video
// source. Frame processing is strictly ordered and single threaded; multiple
// Streams share nothing but the rule repository.
type Stream struct {
	log       logs.Log
	cfg       *Config
	repo      *ruledb.RuleDB
	tracker   *track.Tracker
	extractor *facts.Extractor
	engine    *reason.Engine
	proposer  *propose.Proposer // nil when proposals are disabled

	activeRules []ruledb.Rule

	// recent facts kept for proposal prompts, bounded
	recentFacts    []facts.Fact
	maxRecentFacts int

	proposalResult    chan propose.CycleResult
	proposalBusy      bool
	lastProposalFrame int
	proposalCancel    context.CancelFunc
	proposalWG        sync.WaitGroup

	watchersLock sync.Mutex
	watchers     []chan *reason.EventJudgment

	closed bool
}

// NewStream creates a stream with its own tracker, extractor and engine.
// llm may be nil, in which case no proposal cycles run and the stream operates
// purely on the repository's existing rules.
func NewStream(logger logs.Log, cfg *Config, repo *ruledb.RuleDB, llm propose.ChatClient) (*Stream, error) {
	s := &Stream{
		log:               logger,
		cfg:               cfg,
		repo:              repo,
		tracker:           track.NewTracker(logger, cfg.Tracker),
		extractor:         facts.NewExtractor(cfg.Extractor),
		engine:            reason.NewEngine(logger, cfg.Reason),
		maxRecentFacts:    500,
		proposalResult:    make(chan propose.CycleResult, 1),
		lastProposalFrame: -1,
	}
	if llm != nil && cfg.ProposalIntervalFrames > 0 {
		opts := propose.DefaultOptions(cfg.TaskDescription)
		opts.MaxRetries = cfg.LLMMaxRetries
		opts.RetryBackoff = cfg.LLMRetryBackoff()
		opts.RequestTimeout = cfg.LLMTimeout()
		s.proposer = propose.NewProposer(logger, llm, repo, opts)
	}
	if err := s.RefreshRules(); err != nil {
		return nil, err
	}
	return s, nil
}

// RefreshRules reloads the active-rule snapshot from the repository. Called
// automatically when a proposal cycle completes; call it manually after an
// external Promote/Retire. The new snapshot applies to subsequent frames only.
func (s *Stream) RefreshRules() error {
	rules, err := s.repo.QueryActive()
	if err != nil {
		return fmt.Errorf("Failed to load active rules: %w", err)
	}
	s.activeRules = rules
	s.engine.SetRules(rules)
	return nil
}

// ProcessFrame runs one frame batch through the full pipeline and returns the
// judgments it produced. Frames must arrive in strictly increasing order.
// An error return means the stream must not receive further frames.
func (s *Stream) ProcessFrame(frame *detect.FrameDetections) ([]reason.EventJudgment, error) {
	if s.closed {
		return nil, ErrStreamClosed
	}

	// Non-blocking check for a finished proposal cycle. New rules become
	// visible to this batch onward, never retroactively.
	s.collectProposalResult()

	objects := frame.FilterConfidence(s.cfg.ConfidenceThreshold)

	tracks, err := s.tracker.ProcessFrame(frame, objects)
	if err != nil {
		return nil, err
	}

	frameFacts := s.extractor.ExtractFrame(frame, objects, tracks)
	for i := range frameFacts {
		for _, arg := range frameFacts[i].Args {
			if arg.IsTrack() && !s.tracker.IsKnown(arg.Track) {
				// Upstream contract breach. Corrupted judgments are worse than
				// a dead stream, so this is fatal.
				return nil, fmt.Errorf("fact %v at frame %v references unknown track %v",
					frameFacts[i].String(), frame.FrameIndex, arg.Track)
			}
		}
	}
	s.appendRecentFacts(frameFacts)

	judgments := s.engine.ProcessBatch(frame.FrameIndex, frameFacts)
	for i := range judgments {
		j := &judgments[i]
		if err := s.repo.SaveJudgment(j.Event, j.RuleID, j.Tracks, j.FrameStart, j.FrameEnd, j.Confidence); err != nil {
			s.log.Warnf("Stream: failed to journal judgment '%v': %v", j.Event, err)
		}
		s.sendToWatchers(j)
	}

	s.maybeStartProposal(frame.FrameIndex)

	return judgments, nil
}

// Close cancels any in-flight proposal cycle and drops the engine's window
// state. Judgments already returned by ProcessFrame are final; incomplete
// evaluations are discarded.
func (s *Stream) Close() {
	if s.closed {
		return
	}
	s.closed = true

	if s.proposalCancel != nil {
		s.proposalCancel()
	}
	s.proposalWG.Wait()
	for _, r := range gen.DrainChannelIntoSlice(s.proposalResult) {
		if len(r.Inserted) > 0 {
			s.log.Infof("Stream: discarding proposal cycle finished during shutdown (%v candidates remain in repository)", len(r.Inserted))
		}
	}

	s.engine.Reset()

	s.watchersLock.Lock()
	for _, ch := range s.watchers {
		close(ch)
	}
	s.watchers = nil
	s.watchersLock.Unlock()

	s.log.Infof("Stream: closed")
}

// Tracker exposes the stream's tracker, for querying open/closed tracks.
func (s *Stream) Tracker() *track.Tracker {
	return s.tracker
}

// AddWatcher returns a channel that receives every emitted judgment.
// The channel is closed when the stream closes. A watcher that falls too far
// behind has messages dropped rather than blocking frame processing.
func (s *Stream) AddWatcher() chan *reason.EventJudgment {
	s.watchersLock.Lock()
	defer s.watchersLock.Unlock()
	ch := make(chan *reason.EventJudgment, 100)
	s.watchers = append(s.watchers, ch)
	return ch
}

func (s *Stream) RemoveWatcher(ch chan *reason.EventJudgment) {
	s.watchersLock.Lock()
	defer s.watchersLock.Unlock()
	for i, w := range s.watchers {
		if w == ch {
			s.watchers = gen.DeleteFromSliceUnordered(s.watchers, i)
			return
		}
	}
	s.log.Warnf("Stream.RemoveWatcher failed to find channel")
}

func (s *Stream) sendToWatchers(j *reason.EventJudgment) {
	s.watchersLock.Lock()
	defer s.watchersLock.Unlock()
	for _, ch := range s.watchers {
		if len(ch) >= cap(ch)*9/10 {
			// Watcher isn't keeping up. Drop instead of stalling the frame.
			continue
		}
		ch <- j
	}
}

func (s *Stream) appendRecentFacts(newFacts []facts.Fact) {
	s.recentFacts = append(s.recentFacts, newFacts...)
	if len(s.recentFacts) > s.maxRecentFacts {
		s.recentFacts = s.recentFacts[len(s.recentFacts)-s.maxRecentFacts:]
	}
}

// collectProposalResult applies a finished proposal cycle: auto-promote per
// the configured policy, then refresh the active snapshot. Never blocks.
func (s *Stream) collectProposalResult() {
	select {
	case result := <-s.proposalResult:
		s.proposalBusy = false
		if result.Err != nil {
			// Already logged by the proposer; we just carry on with the rules
			// we have.
			return
		}
		promoted := 0
		if s.cfg.AutoPromoteThreshold > 0 {
			for _, ruleID := range result.Inserted {
				rule, err := s.repo.GetRule(ruleID)
				if err != nil {
					s.log.Warnf("Stream: failed to fetch new candidate %v: %v", ruleID, err)
					continue
				}
				if rule.Confidence >= s.cfg.AutoPromoteThreshold {
					if _, err := s.repo.Promote(ruleID); err != nil {
						s.log.Warnf("Stream: failed to promote rule %v: %v", ruleID, err)
						continue
					}
					promoted++
				}
			}
		}
		if promoted > 0 {
			if err := s.RefreshRules(); err != nil {
				s.log.Errorf("Stream: %v", err)
			}
		}
		if len(result.Inserted) > 0 || result.Rejected > 0 {
			s.log.Infof("Stream: proposal cycle done. %v new candidates, %v promoted, %v rejected",
				len(result.Inserted), promoted, result.Rejected)
		}
	default:
	}
}

// maybeStartProposal launches an async proposal cycle if one is due and none
// is in flight. Frame processing never waits on the cycle.
func (s *Stream) maybeStartProposal(frameIndex int) {
	if s.proposer == nil || s.proposalBusy {
		return
	}
	if s.lastProposalFrame >= 0 && frameIndex-s.lastProposalFrame < s.cfg.ProposalIntervalFrames {
		return
	}
	if len(s.recentFacts) == 0 {
		return
	}
	s.proposalBusy = true
	s.lastProposalFrame = frameIndex

	factsCopy := make([]facts.Fact, len(s.recentFacts))
	copy(factsCopy, s.recentFacts)
	rulesCopy := make([]ruledb.Rule, len(s.activeRules))
	copy(rulesCopy, s.activeRules)

	ctx, cancel := context.WithCancel(context.Background())
	s.proposalCancel = cancel
	s.proposalWG.Add(1)
	go func() {
		defer s.proposalWG.Done()
		s.proposalResult <- s.proposer.RunCycle(ctx, factsCopy, rulesCopy)
	}()
}
