package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/symbolicdet/symbolicdet/pkg/detect"
	"github.com/symbolicdet/symbolicdet/pkg/pipeline"
	"github.com/symbolicdet/symbolicdet/pkg/propose"
	"github.com/symbolicdet/symbolicdet/pkg/reason"
	"github.com/symbolicdet/symbolicdet/pkg/ruledb"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

// ruleFile is the on-disk schema for human-authored rules.
type ruleFile []struct {
	Event      string                      `json:"event"`
	All        []ruledb.Pattern            `json:"all"`
	Any        []ruledb.Pattern            `json:"any,omitempty"`
	Temporal   []ruledb.TemporalConstraint `json:"temporal,omitempty"`
	Args       []string                    `json:"args"`
	Formula    string                      `json:"formula,omitempty"`
	Exclusive  bool                        `json:"exclusive,omitempty"`
	Confidence float64                     `json:"confidence"`
}

func loadRules(logger logs.Log, repo *ruledb.RuleDB, filename string) error {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	rules := ruleFile{}
	if err := json.Unmarshal(raw, &rules); err != nil {
		return fmt.Errorf("Failed to parse rules file %v: %w", filename, err)
	}
	for _, r := range rules {
		pre := ruledb.Precondition{All: r.All, Any: r.Any, Temporal: r.Temporal}
		post := ruledb.Postcondition{Event: r.Event, Args: r.Args, Formula: r.Formula, Exclusive: r.Exclusive}
		ruleID, err := repo.AddRule(pre, post, ruledb.RuleSourceHuman, r.Confidence)
		if err != nil {
			return fmt.Errorf("Invalid rule '%v': %w", r.Event, err)
		}
		// Authored rules are pre-reviewed, so they go straight to active.
		if _, err := repo.Promote(ruleID); err != nil {
			return err
		}
	}
	logger.Infof("Loaded %v rules from %v", len(rules), filename)
	return nil
}

func main() {
	parser := argparse.NewParser("symbolicdet", "Run symbolic event reasoning over per-frame object detections")
	input := parser.String("i", "input", &argparse.Options{Help: "Input detections JSON file", Required: true})
	output := parser.File("o", "output", os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0664, &argparse.Options{Help: "Output judgments JSON file", Required: true})
	configFile := parser.String("c", "config", &argparse.Options{Help: "Config JSON file", Required: false})
	dbFile := parser.String("d", "db", &argparse.Options{Help: "Rule database file", Required: false, Default: "rules.sqlite"})
	rulesFile := parser.String("r", "rules", &argparse.Options{Help: "JSON file of human-authored rules to load and activate", Required: false})
	llmURL := parser.String("", "llm-url", &argparse.Options{Help: "OpenAI-compatible chat completions base URL (empty disables proposals)", Required: false})
	llmKey := parser.String("", "llm-key", &argparse.Options{Help: "LLM API key", Required: false})
	llmModel := parser.String("", "llm-model", &argparse.Options{Help: "LLM model name", Required: false, Default: "gpt-4o-mini"})
	task := parser.String("t", "task", &argparse.Options{Help: "Natural-language task description for rule proposals", Required: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, _ := logs.NewLog()

	cfg := pipeline.DefaultConfig()
	if *configFile != "" {
		cfg, err = pipeline.LoadConfig(*configFile)
		check(err)
	}
	if *task != "" {
		cfg.TaskDescription = *task
	}

	repo, err := ruledb.Open(logger, *dbFile)
	check(err)

	if *rulesFile != "" {
		check(loadRules(logger, repo, *rulesFile))
	}

	var llm propose.ChatClient
	if *llmURL != "" {
		llm = propose.NewOpenAIChatClient(*llmURL, *llmKey, *llmModel)
	}

	stream, err := pipeline.NewStream(logger, cfg, repo, llm)
	check(err)

	frames, err := detect.LoadDetectionFile(*input)
	check(err)

	judgments := []reason.EventJudgment{}
	for i := range frames {
		batch, err := stream.ProcessFrame(&frames[i])
		check(err)
		judgments = append(judgments, batch...)
	}
	stream.Close()

	encoder := json.NewEncoder(output)
	encoder.SetIndent("", "  ")
	check(encoder.Encode(judgments))

	logger.Infof("Processed %v frames, emitted %v judgments", len(frames), len(judgments))
}
