package approval

import (
	"encoding/json"
	"strings"

	"github.com/relaybot/core/internal/models"
)

// Confidence is how much numeric signal the risk assessment found in
// tool_input (spec.md §4.8).
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// toolClass buckets a tool name into the coarse classes spec.md §4.8's
// base-risk table uses. The tool catalog itself is an external
// collaborator (spec.md §1 non-goals), so classification here is
// name-pattern heuristics, same as the base-risk table describes.
type toolClass int

const (
	classRead toolClass = iota
	classWrite
	classBatchWrite
	classProof
)

func classifyTool(toolName string) toolClass {
	n := strings.ToLower(toolName)
	switch {
	case strings.Contains(n, "batch"):
		return classBatchWrite
	case strings.Contains(n, "prove"), strings.Contains(n, "verify"):
		return classProof
	case strings.Contains(n, "write"), strings.Contains(n, "send"), strings.Contains(n, "transfer"), strings.Contains(n, "sign"), strings.Contains(n, "delete"), strings.Contains(n, "update"):
		return classWrite
	default:
		return classRead
	}
}

func baseRisk(class toolClass) models.RiskLevel {
	switch class {
	case classBatchWrite:
		return models.RiskCritical
	case classWrite:
		return models.RiskHigh
	case classProof:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

var levelOrder = []models.RiskLevel{models.RiskLow, models.RiskMedium, models.RiskHigh, models.RiskCritical}

func levelIndex(l models.RiskLevel) int {
	for i, v := range levelOrder {
		if v == l {
			return i
		}
	}
	return 0
}

func maxLevel(a, b models.RiskLevel) models.RiskLevel {
	if levelIndex(a) >= levelIndex(b) {
		return a
	}
	return b
}

func clampLevel(idx int) models.RiskLevel {
	if idx < 0 {
		idx = 0
	}
	if idx >= len(levelOrder) {
		idx = len(levelOrder) - 1
	}
	return levelOrder[idx]
}

// valueKeyHints and gasKeyHints implement spec.md §4.8's "heuristically
// extract value and gas estimates by key-name hints".
var valueKeyHints = []string{"amount", "value", "ton", "coins", "send"}
var gasKeyHints = []string{"gas", "fee", "fwd_fee"}

// numericWalk implements spec.md §4.8's "numeric walk over tool_input":
// it recursively visits every key/value pair, matching key names
// against the value/gas hints. Keys containing "nano" are divided by
// 10^9 before comparison. It returns the largest value/gas magnitude
// found and whether each was found at all.
func numericWalk(input json.RawMessage) (value float64, valueFound bool, gas float64, gasFound bool) {
	var v any
	if len(input) == 0 {
		return 0, false, 0, false
	}
	if err := json.Unmarshal(input, &v); err != nil {
		return 0, false, 0, false
	}
	walkNode("", v, &value, &valueFound, &gas, &gasFound)
	return
}

func walkNode(key string, node any, value *float64, valueFound *bool, gas *float64, gasFound *bool) {
	switch n := node.(type) {
	case map[string]any:
		for k, child := range n {
			walkNode(k, child, value, valueFound, gas, gasFound)
		}
	case []any:
		for _, child := range n {
			walkNode(key, child, value, valueFound, gas, gasFound)
		}
	case float64:
		lk := strings.ToLower(key)
		amount := n
		if strings.Contains(lk, "nano") {
			amount = amount / 1e9
		}
		if matchesAny(lk, valueKeyHints) {
			if !*valueFound || amount > *value {
				*value = amount
				*valueFound = true
			}
		}
		if matchesAny(lk, gasKeyHints) {
			if !*gasFound || amount > *gas {
				*gas = amount
				*gasFound = true
			}
		}
	}
}

func matchesAny(key string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(key, h) {
			return true
		}
	}
	return false
}

// batchLen best-effort counts items in a tool_input that carries a
// top-level "items" or "batch" array, for the "batch of >=5 -> critical"
// adjustment.
func batchLen(input json.RawMessage) int {
	var v map[string]any
	if err := json.Unmarshal(input, &v); err != nil {
		return 0
	}
	for _, k := range []string{"items", "batch", "operations", "calls"} {
		if arr, ok := v[k].([]any); ok {
			return len(arr)
		}
	}
	return 0
}

// Assessment is the outcome of AssessRisk.
type Assessment struct {
	Level      models.RiskLevel
	Confidence Confidence
}

// AssessRisk implements spec.md §4.8's risk assessment exactly: a pure
// function of (tool_name, tool_input, risk_profile).
func AssessRisk(toolName string, toolInput json.RawMessage, profile models.RiskProfile) Assessment {
	level := baseRisk(classifyTool(toolName))

	value, valueFound, _, gasFound := numericWalk(toolInput)

	switch profile {
	case models.RiskProfileCautious:
		level = clampLevel(levelIndex(level) + 1)
	case models.RiskProfileAdvanced:
		level = clampLevel(levelIndex(level) - 1)
	}

	if batchLen(toolInput) >= 5 {
		level = models.RiskCritical
	}

	if valueFound {
		switch {
		case value >= 100:
			level = models.RiskCritical
		case value >= 10:
			level = maxLevel(level, models.RiskHigh)
		case value >= 1:
			level = maxLevel(level, models.RiskMedium)
		}
	}

	confidence := ConfidenceLow
	switch {
	case valueFound && gasFound:
		confidence = ConfidenceHigh
	case valueFound || gasFound:
		confidence = ConfidenceMedium
	}

	return Assessment{Level: level, Confidence: confidence}
}
