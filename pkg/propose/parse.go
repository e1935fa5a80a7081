package propose

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/symbolicdet/symbolicdet/pkg/ruledb"
)

// ruleDefJSON is the fixed schema we ask the LLM to answer in: a JSON array
// of these objects, and nothing else.
type ruleDefJSON struct {
	Event      string                      `json:"event"`
	All        []ruledb.Pattern            `json:"all"`
	Any        []ruledb.Pattern            `json:"any,omitempty"`
	Temporal   []ruledb.TemporalConstraint `json:"temporal,omitempty"`
	Args       []string                    `json:"args"`
	Formula    string                      `json:"formula,omitempty"`
	Confidence float64                     `json:"confidence"`
}

// parseResponse extracts the rule definitions from an LLM reply.
// Models tend to wrap the payload in prose or a markdown fence, so we take
// the outermost JSON array in the text.
func parseResponse(text string) ([]ruleDefJSON, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("response contains no JSON array")
	}
	defs := []ruleDefJSON{}
	if err := json.Unmarshal([]byte(text[start:end+1]), &defs); err != nil {
		return nil, fmt.Errorf("response is not a valid rule array: %w", err)
	}
	return defs, nil
}

func (d *ruleDefJSON) precondition() ruledb.Precondition {
	return ruledb.Precondition{
		All:      d.All,
		Any:      d.Any,
		Temporal: d.Temporal,
	}
}

func (d *ruleDefJSON) postcondition() ruledb.Postcondition {
	return ruledb.Postcondition{
		Event:   d.Event,
		Args:    d.Args,
		Formula: d.Formula,
	}
}
