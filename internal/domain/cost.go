package domain

import (
	"encoding/json"
	"strings"
)

// ModelPrice is the USD price per 1000 tokens of a model family.
type ModelPrice struct {
	InputPer1K  float64 `json:"input_per_1k" yaml:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k" yaml:"output_per_1k"`
}

// PriceTable maps a model name, or a model-family prefix, to its price.
type PriceTable map[string]ModelPrice

// DefaultPriceTable returns the built-in prices.
func DefaultPriceTable() PriceTable {
	return PriceTable{
		"gpt-4o":            {InputPer1K: 0.005, OutputPer1K: 0.015},
		"gpt-4o-mini":       {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"gpt-4-turbo":       {InputPer1K: 0.01, OutputPer1K: 0.03},
		"gpt-4":             {InputPer1K: 0.03, OutputPer1K: 0.06},
		"gpt-3.5-turbo":     {InputPer1K: 0.0005, OutputPer1K: 0.0015},
		"o1-mini":           {InputPer1K: 0.003, OutputPer1K: 0.012},
		"o1":                {InputPer1K: 0.015, OutputPer1K: 0.06},
		"claude-3-opus":     {InputPer1K: 0.015, OutputPer1K: 0.075},
		"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-3-sonnet":   {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-3-5-haiku":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
		"claude-3-haiku":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
		"gemini-1.5-pro":    {InputPer1K: 0.0035, OutputPer1K: 0.0105},
		"gemini-1.5-flash":  {InputPer1K: 0.000075, OutputPer1K: 0.0003},
		"gemini-2.0-flash":  {InputPer1K: 0.0001, OutputPer1K: 0.0004},
		"mistral-large":     {InputPer1K: 0.004, OutputPer1K: 0.012},
		"mistral-small":     {InputPer1K: 0.001, OutputPer1K: 0.003},
		"command-r-plus":    {InputPer1K: 0.003, OutputPer1K: 0.015},
		"command-r":         {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	}
}

// Merge returns a copy of t with the entries of other added or replaced.
func (t PriceTable) Merge(other PriceTable) PriceTable {
	out := make(PriceTable, len(t)+len(other))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Lookup resolves a model by exact name, then by the longest matching
// family prefix, so "claude-3-opus-20240229" resolves to "claude-3-opus".
func (t PriceTable) Lookup(model string) (ModelPrice, bool) {
	if model == "" {
		return ModelPrice{}, false
	}
	if p, ok := t[model]; ok {
		return p, true
	}
	best := ""
	for prefix := range t {
		if len(prefix) > len(best) && strings.HasPrefix(model, prefix) {
			best = prefix
		}
	}
	if best == "" {
		return ModelPrice{}, false
	}
	return t[best], true
}

var (
	inputTokenFields  = []string{"inputTokens", "input_tokens"}
	outputTokenFields = []string{"outputTokens", "output_tokens"}
)

// CalculateCost estimates the USD cost of an llm_call event. The boolean is
// false when no cost applies: other event types, unknown models, or no
// tokens at all. It never fails.
func (t PriceTable) CalculateCost(e QueuedEvent) (float64, bool) {
	if e.Type != EventTypeLLMCall {
		return 0, false
	}
	model, _ := e.Data["model"].(string)
	price, ok := t.Lookup(model)
	if !ok {
		return 0, false
	}

	in := tokenCount(e.Data, inputTokenFields)
	out := tokenCount(e.Data, outputTokenFields)
	if in == 0 && out == 0 {
		return 0, false
	}
	return (in/1000)*price.InputPer1K + (out/1000)*price.OutputPer1K, true
}

// CalculateCost prices an event against the default table.
func CalculateCost(e QueuedEvent) (float64, bool) {
	return defaultPrices.CalculateCost(e)
}

var defaultPrices = DefaultPriceTable()

// tokenCount returns the first present alias, looking at the top level of
// data and then inside a nested "usage" object.
func tokenCount(data map[string]any, aliases []string) float64 {
	for _, name := range aliases {
		if v, ok := data[name]; ok {
			return toFloat(v)
		}
	}
	usage, ok := data["usage"].(map[string]any)
	if !ok {
		return 0
	}
	for _, name := range aliases {
		if v, ok := usage[name]; ok {
			return toFloat(v)
		}
	}
	return 0
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	default:
		return 0
	}
}
