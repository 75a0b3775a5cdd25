package codec

import "strings"

// outputTokenMargin keeps the overall output limit above the reasoning
// budget so a fully-consumed thinking phase cannot starve the answer.
const outputTokenMargin = 1024

// effortBudgets are the four fixed reasoning-effort tiers.
var effortBudgets = map[string]int{
	"minimal": 1024,
	"low":     4096,
	"medium":  8192,
	"high":    24576,
}

// modelDefaultBudgets apply when the client sends no effort hint.
var modelDefaultBudgets = map[string]int{
	"gemini-2.5-pro":        8192,
	"gemini-2.5-flash":      4096,
	"gemini-2.5-flash-lite": 0,
}

// ThinkingBudget computes the reasoning token budget from the explicit
// effort hint, or from the per-model default table when no hint is
// given.
func ThinkingBudget(model, effort string) int {
	if budget, ok := effortBudgets[strings.ToLower(effort)]; ok {
		return budget
	}
	if budget, ok := modelDefaultBudgets[model]; ok {
		return budget
	}
	if strings.Contains(model, "-pro") {
		return effortBudgets["medium"]
	}
	return effortBudgets["low"]
}

// EnsureOutputLimit guarantees the output-token limit exceeds the
// reasoning budget by the fixed safety margin. A zero limit means the
// caller set none; it is raised only when a budget is active.
func EnsureOutputLimit(maxOutputTokens, thinkingBudget int) int {
	if thinkingBudget <= 0 {
		return maxOutputTokens
	}
	if maxOutputTokens > 0 && maxOutputTokens > thinkingBudget+outputTokenMargin {
		return maxOutputTokens
	}
	return thinkingBudget + outputTokenMargin
}
