package store

import (
	"math"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/rcliao/agent-context/internal/model"
)

// ScoredMessage is a message ranked for prompt context.
type ScoredMessage struct {
	model.Message
	Score   float64 `json:"score"`
	Excerpt bool    `json:"excerpt,omitempty"`
}

// ContextResult is a ranked selection of messages packed into a budget.
type ContextResult struct {
	Budget   int             `json:"budget"`
	Used     int             `json:"used"`
	Messages []ScoredMessage `json:"messages"`
}

// Score combines relevance, recency, importance and access frequency into one
// value in [0,1]. relevance is expected in [0,1].
func Score(m model.Message, relevance float64, now time.Time) float64 {
	// Recency: exponential decay over days.
	age := now.Sub(m.CreatedAt).Hours() / 24.0
	if age < 0 {
		age = 0
	}
	recency := math.Exp(-0.1 * age)

	accessFreq := 0.0
	if m.AccessCount > 0 {
		accessFreq = math.Log(float64(m.AccessCount)+1) / math.Log(100)
		if accessFreq > 1 {
			accessFreq = 1
		}
	}

	return relevance*0.4 + recency*0.2 + m.Importance*0.2 + accessFreq*0.2
}

// Rank scores messages and sorts them best first. relevance[i] applies to
// msgs[i]; a nil slice treats every message as fully relevant.
func Rank(msgs []model.Message, relevance []float64, now time.Time) []ScoredMessage {
	out := make([]ScoredMessage, len(msgs))
	for i, m := range msgs {
		r := 1.0
		if relevance != nil {
			r = relevance[i]
		}
		out[i] = ScoredMessage{Message: m, Score: math.Round(Score(m, r, now)*100) / 100}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// Pack greedily fills a token budget (about 4 chars per token) with ranked
// messages. The first message that does not fit is excerpted if at least 100
// chars remain, and packing stops there.
func Pack(ranked []ScoredMessage, budget int) *ContextResult {
	if budget <= 0 {
		budget = 2000
	}
	charBudget := budget * 4

	result := &ContextResult{Budget: budget, Messages: []ScoredMessage{}}
	used := 0
	for _, c := range ranked {
		contentLen := len(c.Content)
		if used+contentLen <= charBudget {
			result.Messages = append(result.Messages, c)
			used += contentLen
			continue
		}
		if remaining := charBudget - used; remaining >= 100 {
			cut := remaining
			for cut > 0 && !utf8.RuneStart(c.Content[cut]) {
				cut--
			}
			c.Content = c.Content[:cut] + "..."
			c.Excerpt = true
			result.Messages = append(result.Messages, c)
			used += cut
		}
		break
	}
	result.Used = used / 4
	return result
}
