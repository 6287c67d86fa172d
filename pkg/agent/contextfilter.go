package agent

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kb-labs/kbagent/pkg/providers"
)

const (
	dedupTTL            = 60 * time.Second
	coarseLoopThreshold = 3
)

type cacheEntry struct {
	output    string
	iteration int
	storedAt  time.Time
}

// ContextFilter owns the task's message history and every projection of it:
// per-result truncation, the sliding window handed to the model, the
// tool-result dedup cache, and a coarse cross-iteration loop signature.
// Appends are atomic; Snapshot returns a deep copy safe for concurrent
// summarization.
type ContextFilter struct {
	mu              sync.Mutex
	history         []providers.Message
	maxOutputLength int
	slidingWindow   int
	cache           map[string]cacheEntry
	now             func() time.Time

	setSignatures []string
}

// NewContextFilter creates a filter. maxOutputLength defaults to 500 and
// slidingWindow to 30 when zero.
func NewContextFilter(maxOutputLength, slidingWindow int) *ContextFilter {
	if maxOutputLength <= 0 {
		maxOutputLength = 500
	}
	if slidingWindow <= 0 {
		slidingWindow = 30
	}
	return &ContextFilter{
		maxOutputLength: maxOutputLength,
		slidingWindow:   slidingWindow,
		cache:           make(map[string]cacheEntry),
		now:             time.Now,
	}
}

// Append adds one message to the history.
func (f *ContextFilter) Append(msg providers.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, msg)
}

// Len returns the history length.
func (f *ContextFilter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.history)
}

// Snapshot returns a deep copy of the history at the moment of the call;
// later appends never show through it.
func (f *ContextFilter) Snapshot() []providers.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneMessages(f.history)
}

func cloneMessages(messages []providers.Message) []providers.Message {
	out := make([]providers.Message, len(messages))
	for i, msg := range messages {
		clone := msg
		if len(msg.ToolCalls) > 0 {
			clone.ToolCalls = make([]providers.ToolCall, len(msg.ToolCalls))
			for j, tc := range msg.ToolCalls {
				tcClone := tc
				if tc.Arguments != nil {
					tcClone.Arguments = cloneArgs(tc.Arguments)
				}
				if tc.Function != nil {
					fn := *tc.Function
					tcClone.Function = &fn
				}
				clone.ToolCalls[j] = tcClone
			}
		}
		out[i] = clone
	}
	return out
}

func cloneArgs(args map[string]any) map[string]any {
	raw, err := json.Marshal(args)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// Project builds the message list for an LLM call: system prompt, the
// initial task message, injected context blocks, and the last
// slidingWindow history messages — with orphaned tool pairs sanitized
// after the window cut.
func (f *ContextFilter) Project(systemPrompt string, contextBlocks []string) []providers.Message {
	f.mu.Lock()
	history := cloneMessages(f.history)
	window := f.slidingWindow
	f.mu.Unlock()

	system := systemPrompt
	for _, block := range contextBlocks {
		if block != "" {
			system += "\n\n" + block
		}
	}

	out := []providers.Message{{Role: "system", Content: system}}

	if len(history) == 0 {
		return out
	}

	// The initial task message is always retained.
	initial := history[0]
	rest := history[1:]
	if len(rest) > window {
		rest = rest[len(rest)-window:]
	}

	out = append(out, initial)
	out = append(out, rest...)
	return sanitizeToolPairs(out)
}

// TruncateResult caps a single tool output at maxOutputLength with a
// suffix reporting the original size and the retrieval hint.
func (f *ContextFilter) TruncateResult(toolName, output string) string {
	runes := []rune(output)
	if len(runes) <= f.maxOutputLength {
		return output
	}
	return string(runes[:f.maxOutputLength]) +
		fmt.Sprintf("\n[truncated: %d chars total; call %s again with a narrower query for more]",
			len(runes), toolName)
}

// cacheKey canonicalizes (toolName, input) — json.Marshal sorts map keys.
func cacheKey(toolName string, input map[string]any) string {
	raw, err := json.Marshal(input)
	if err != nil {
		raw = []byte("{}")
	}
	return toolName + "|" + string(raw)
}

// Get implements tools.ResultCache: a hit within the TTL short-circuits
// execution.
func (f *ContextFilter) Get(toolName string, input map[string]any) (string, int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.cache[cacheKey(toolName, input)]
	if !ok {
		return "", 0, false
	}
	if f.now().Sub(entry.storedAt) > dedupTTL {
		delete(f.cache, cacheKey(toolName, input))
		return "", 0, false
	}
	return entry.output, entry.iteration, true
}

// Put implements tools.ResultCache.
func (f *ContextFilter) Put(toolName string, input map[string]any, output string, iteration int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cache[cacheKey(toolName, input)] = cacheEntry{
		output:    output,
		iteration: iteration,
		storedAt:  f.now(),
	}
}

// ObserveToolSet feeds the iteration's tool-call signature into the coarse
// cross-iteration loop check: three identical consecutive sets trip it.
// Advisory only — the LoopDetector is authoritative.
func (f *ContextFilter) ObserveToolSet(signature string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.setSignatures = append(f.setSignatures, signature)
	if len(f.setSignatures) > coarseLoopThreshold {
		f.setSignatures = f.setSignatures[len(f.setSignatures)-coarseLoopThreshold:]
	}
	if len(f.setSignatures) < coarseLoopThreshold || signature == "" {
		return false
	}
	for _, s := range f.setSignatures {
		if s != signature {
			return false
		}
	}
	return true
}
