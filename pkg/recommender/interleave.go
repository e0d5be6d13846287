package recommender

// providerByModel is a static model -> provider map used to interleave
// backtest work items across providers instead of hammering one, grounded
// on original_source/overmind/tasks/backtesting.py's
// _interleave_models_by_provider. Extend as new models are backtested.
var providerByModel = map[string]string{
	"gpt-5-mini":        "openai",
	"gpt-5":             "openai",
	"gpt-4o":            "openai",
	"claude-sonnet-4-6": "anthropic",
	"claude-haiku-4-6":  "anthropic",
	"claude-opus-4-6":   "anthropic",
	"gemini-2.5-pro":    "google",
	"gemini-2.5-flash":  "google",
}

// ProviderForModel returns the known provider for a model name, or
// "unknown" if this repo's static map hasn't been taught about it yet.
func ProviderForModel(model string) string {
	if p, ok := providerByModel[model]; ok {
		return p
	}
	return "unknown"
}

// WorkItem is one (span, candidate model) unit of backtest work.
type WorkItem struct {
	SpanID string
	Model  string
}

// InterleaveByProvider reorders work items round-robin across providers so
// concurrent LLM calls fan out instead of saturating one provider's rate
// limit, per spec.md §4.10 step 4.
func InterleaveByProvider(items []WorkItem) []WorkItem {
	byProvider := map[string][]WorkItem{}
	var order []string
	for _, item := range items {
		provider := ProviderForModel(item.Model)
		if _, seen := byProvider[provider]; !seen {
			order = append(order, provider)
		}
		byProvider[provider] = append(byProvider[provider], item)
	}

	out := make([]WorkItem, 0, len(items))
	for {
		progressed := false
		for _, provider := range order {
			queue := byProvider[provider]
			if len(queue) == 0 {
				continue
			}
			out = append(out, queue[0])
			byProvider[provider] = queue[1:]
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return out
}
