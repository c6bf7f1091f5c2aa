package threat

import (
	"fmt"
	"regexp"
)

// Rule is one pattern-stage detection rule. Weight is the rule's contribution
// to the pattern score when its regex matches.
type Rule struct {
	ID          string
	Description string
	Pattern     string
	Weight      float64
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("threat: rule %s: %w", r.ID, err)
		}
		out = append(out, compiledRule{Rule: r, re: re})
	}
	return out, nil
}

// patternStage matches the query against every rule. Matched weights add up
// and cap at 1.0; the IDs of matched rules are reported for auditing.
func (c *Classifier) patternStage(query string) (float64, []string) {
	var (
		score     float64
		triggered []string
	)
	for i := range c.rules {
		if c.rules[i].re.MatchString(query) {
			score += c.rules[i].Weight
			triggered = append(triggered, c.rules[i].ID)
		}
	}
	if score > 1 {
		score = 1
	}
	return score, triggered
}

// DefaultRules returns the built-in prompt injection rule set. Deployments
// with their own rules replace, not extend, this set.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          "pattern.ignore_instructions",
			Description: "attempts to discard prior instructions",
			Pattern:     `(?i)\b(ignore|disregard|forget)\s+(all\s+|any\s+)?(previous|prior|above|earlier|your)\s+(instructions|prompts|rules|directives|guidelines)`,
			Weight:      0.8,
		},
		{
			ID:          "pattern.system_prompt_probe",
			Description: "attempts to extract the system prompt",
			Pattern:     `(?i)\b(reveal|show|print|repeat|output|display)\b.{0,40}\b(system\s+prompt|initial\s+instructions|hidden\s+instructions)`,
			Weight:      0.7,
		},
		{
			ID:          "pattern.role_override",
			Description: "attempts to reassign the assistant's role",
			Pattern:     `(?i)\byou\s+are\s+(now|no\s+longer)\b`,
			Weight:      0.5,
		},
		{
			ID:          "pattern.jailbreak_persona",
			Description: "known jailbreak persona markers",
			Pattern:     `(?i)\b(do\s+anything\s+now|developer\s+mode|jailbreak)\b|\bDAN\b`,
			Weight:      0.7,
		},
		{
			ID:          "pattern.secret_probe",
			Description: "attempts to read credentials or environment state",
			Pattern:     `(?i)\b(print|dump|echo|show|read)\b.{0,30}\b(env(ironment)?\s+variables?|\.env\b|api\s*keys?|secrets?|credentials?|passwords?)`,
			Weight:      0.6,
		},
		{
			ID:          "pattern.delimiter_injection",
			Description: "chat template delimiters smuggled into the query",
			Pattern:     `(?i)(<\|im_(start|end)\|>|\[\[\s*system\s*\]\]|###\s*system\s*:)`,
			Weight:      0.6,
		},
		{
			ID:          "pattern.encoding_smuggle",
			Description: "payloads hidden behind an encoding step",
			Pattern:     `(?i)\b(base64|rot13|hex)[\s-]?(decode|encoded?)\b`,
			Weight:      0.4,
		},
	}
}
