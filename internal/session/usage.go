package session

import (
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/basket/featureloop/internal/pricing"
	"github.com/basket/featureloop/internal/tokenutil"
)

// Usage is what one session consumed.
type Usage struct {
	Model               string        `json:"model,omitempty"`
	TokensIn            int64         `json:"tokens_in"`
	TokensOut           int64         `json:"tokens_out"`
	CacheReadTokens     int64         `json:"cache_read_tokens"`
	CacheCreationTokens int64         `json:"cache_creation_tokens"`
	CostUSD             float64       `json:"cost_usd"`
	Duration            time.Duration `json:"duration"`
	NumTurns            int           `json:"num_turns"`
	// Reported is true when the worker emitted a result line.
	Reported bool `json:"reported"`
	// Estimated is true when the worker reported nothing and the token
	// counts were derived from the prompt and its output text.
	Estimated bool `json:"estimated,omitempty"`
}

// usageCollector watches stream-json output for the final result line.
type usageCollector struct {
	mu       sync.Mutex
	model    string
	u        Usage
	reported bool
	hasCost  bool
	duration time.Duration

	estIn  int64
	estOut tokenutil.Counter
}

func newUsageCollector(model, prompt string) *usageCollector {
	return &usageCollector{model: model, estIn: int64(tokenutil.EstimateTokens(prompt))}
}

func (c *usageCollector) observe(line string) {
	c.mu.Lock()
	c.estOut.Add(line)
	c.mu.Unlock()
	if len(line) == 0 || line[0] != '{' || !gjson.Valid(line) {
		return
	}
	parsed := gjson.Parse(line)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch parsed.Get("type").String() {
	case "system":
		if m := parsed.Get("model").String(); m != "" {
			c.model = m
		}
	case "result":
		u := parsed.Get("usage")
		c.u.TokensIn = u.Get("input_tokens").Int()
		c.u.TokensOut = u.Get("output_tokens").Int()
		c.u.CacheReadTokens = u.Get("cache_read_input_tokens").Int()
		c.u.CacheCreationTokens = u.Get("cache_creation_input_tokens").Int()
		c.u.NumTurns = int(parsed.Get("num_turns").Int())
		if cost := parsed.Get("total_cost_usd"); cost.Exists() {
			c.u.CostUSD = cost.Float()
			c.hasCost = true
		}
		if ms := parsed.Get("duration_ms"); ms.Exists() {
			c.duration = time.Duration(ms.Int()) * time.Millisecond
		}
		c.reported = true
	}
}

func (c *usageCollector) result(wall time.Duration) Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := c.u
	u.Model = c.model
	u.Reported = c.reported
	u.Duration = wall
	if c.duration > 0 {
		u.Duration = c.duration
	}
	if !c.reported && c.estOut.Total() > 0 {
		u.TokensIn = c.estIn
		u.TokensOut = c.estOut.Total()
		u.Estimated = true
	}
	if (c.reported && !c.hasCost) || u.Estimated {
		u.CostUSD = pricing.EstimateCost(u.Model, pricing.Usage{
			InputTokens:         u.TokensIn,
			OutputTokens:        u.TokensOut,
			CacheReadTokens:     u.CacheReadTokens,
			CacheCreationTokens: u.CacheCreationTokens,
		})
	}
	return u
}
