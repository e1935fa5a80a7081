// Package ruledb is the rule repository: a sqlite-backed store of candidate,
// active and retired rules, shared between the reasoning engine (reader) and
// the LLM proposer (writer). It also journals emitted event judgments.
package ruledb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrRuleNotFound = errors.New("rule not found")

type RuleDB struct {
	log logs.Log
	db  *gorm.DB

	// Serializes state transitions so that concurrent Promote/Retire of the
	// same rule have exactly one winner; the loser observes the applied state.
	transitionLock sync.Mutex
}

// Open or create a rule DB
func Open(logger logs.Log, dbFilename string) (*RuleDB, error) {
	if dir := filepath.Dir(dbFilename); dir != "." {
		os.MkdirAll(dir, 0770)
	}
	db, err := dbh.OpenDB(logger, dbh.MakeSqliteConfig(dbFilename), Migrations(logger), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open rule database %v: %w", dbFilename, err)
	}
	return &RuleDB{
		log: logger,
		db:  db,
	}, nil
}

// AddRule validates and inserts a new rule in the candidate state.
// The repository assigns the unique rule ID. No rule skips the candidate state.
func (r *RuleDB) AddRule(pre Precondition, post Postcondition, source RuleSource, confidence float64) (string, error) {
	if err := ValidateRule(&pre, &post); err != nil {
		return "", err
	}
	preJ := dbh.JSONField[Precondition]{}
	preJ.Data = pre
	postJ := dbh.JSONField[Postcondition]{}
	postJ.Data = post
	now := dbh.MakeIntTime(time.Now())
	rule := &Rule{
		RuleID:        uuid.NewString(),
		Precondition:  &preJ,
		Postcondition: &postJ,
		Source:        source,
		Status:        RuleStatusCandidate,
		Confidence:    confidence,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.db.Create(rule).Error; err != nil {
		return "", err
	}
	r.log.Infof("RuleDB: new candidate rule %v -> '%v' (source %v, confidence %.2f)", rule.RuleID, post.Event, source, confidence)
	return rule.RuleID, nil
}

// Promote moves a candidate rule to active. Promoting a rule that is already
// active or retired is a no-op; the caller observes the applied state.
func (r *RuleDB) Promote(ruleID string) (RuleStatus, error) {
	return r.transition(ruleID, RuleStatusCandidate, RuleStatusActive)
}

// Retire moves an active rule to retired (terminal). Retiring a candidate or
// an already retired rule is a no-op returning the observed state.
func (r *RuleDB) Retire(ruleID string) (RuleStatus, error) {
	return r.transition(ruleID, RuleStatusActive, RuleStatusRetired)
}

func (r *RuleDB) transition(ruleID string, from, to RuleStatus) (RuleStatus, error) {
	r.transitionLock.Lock()
	defer r.transitionLock.Unlock()

	rule := Rule{}
	if err := r.db.First(&rule, "rule_id = ?", ruleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrRuleNotFound
		}
		return "", err
	}
	if rule.Status != from {
		// Already past (or not yet at) this transition. Not an error.
		return rule.Status, nil
	}
	err := r.db.Model(&Rule{}).Where("rule_id = ?", ruleID).
		Updates(map[string]any{
			"status":     to,
			"updated_at": dbh.MakeIntTime(time.Now()),
		}).Error
	if err != nil {
		return "", err
	}
	r.log.Infof("RuleDB: rule %v %v -> %v", ruleID, from, to)
	return to, nil
}

// QueryActive returns the active rules, ordered by insertion.
// The returned slice is a snapshot; later promotions do not alter it.
func (r *RuleDB) QueryActive() ([]Rule, error) {
	rules := []Rule{}
	if err := r.db.Where("status = ?", RuleStatusActive).Order("id").Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

// GetRule fetches one rule by its repository-assigned ID.
func (r *RuleDB) GetRule(ruleID string) (*Rule, error) {
	rule := Rule{}
	if err := r.db.First(&rule, "rule_id = ?", ruleID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	return &rule, nil
}

// CountByStatus returns the number of rules in the given state.
func (r *RuleDB) CountByStatus(status RuleStatus) (int64, error) {
	var n int64
	if err := r.db.Model(&Rule{}).Where("status = ?", status).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// SaveJudgment journals an emitted event judgment.
func (r *RuleDB) SaveJudgment(event, ruleID string, tracks []int64, frameStart, frameEnd int, confidence float32) error {
	tracksJ := dbh.JSONField[[]int64]{}
	tracksJ.Data = tracks
	j := &Judgment{
		Event:      event,
		RuleID:     ruleID,
		Tracks:     &tracksJ,
		FrameStart: frameStart,
		FrameEnd:   frameEnd,
		Confidence: confidence,
		CreatedAt:  dbh.MakeIntTime(time.Now()),
	}
	return r.db.Create(j).Error
}

// QueryJudgments returns all journaled judgments, ordered by insertion.
func (r *RuleDB) QueryJudgments() ([]Judgment, error) {
	judgments := []Judgment{}
	if err := r.db.Order("id").Find(&judgments).Error; err != nil {
		return nil, err
	}
	return judgments, nil
}
