package retrieval

import (
	"container/heap"
	"math"
	"time"

	"github.com/shubhhh19/memory-mesh/internal/domain"
	"github.com/shubhhh19/memory-mesh/internal/importance"
)

// Weights blends the three ranking signals. They are normalised by their
// sum, so only their ratio matters.
type Weights struct {
	Similarity float64 `yaml:"similarity"`
	Importance float64 `yaml:"importance"`
	Recency    float64 `yaml:"recency"`
}

// DefaultWeights returns 0.6 similarity, 0.3 importance, 0.1 recency.
func DefaultWeights() Weights {
	return Weights{Similarity: 0.6, Importance: 0.3, Recency: 0.1}
}

func (w Weights) normalized() Weights {
	sum := w.Similarity + w.Importance + w.Recency
	if sum <= 0 {
		return DefaultWeights()
	}
	return Weights{Similarity: w.Similarity / sum, Importance: w.Importance / sum, Recency: w.Recency / sum}
}

// Result is one ranked message with the scores that produced its rank.
type Result struct {
	MessageID      string         `json:"message_id"`
	ConversationID string         `json:"conversation_id"`
	Role           domain.Role    `json:"role"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Similarity     float64        `json:"similarity"`
	Importance     float64        `json:"importance"`
	Decay          float64        `json:"decay"`
	Score          float64        `json:"score"`
}

// ranksBefore orders by score desc, then created_at desc, then id asc.
func ranksBefore(a, b Result) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.MessageID < b.MessageID
}

// Rank scores candidates against the query vector at time now and returns
// the best topK. Candidates without a vector of the query's length are
// skipped.
func Rank(query []float32, candidates []domain.Message, now time.Time, topK int, w Weights, halfLife time.Duration) []Result {
	if topK <= 0 || len(query) == 0 {
		return nil
	}
	w = w.normalized()
	queryNorm := norm(query)

	// h keeps the current top-K with the weakest entry at the root.
	h := &resultHeap{}
	for _, m := range candidates {
		if len(m.Embedding) != len(query) {
			continue
		}
		r := Result{
			MessageID:      m.ID,
			ConversationID: m.ConversationID,
			Role:           m.Role,
			Content:        m.Content,
			Metadata:       m.Metadata,
			CreatedAt:      m.CreatedAt,
			Similarity:     cosine(query, m.Embedding, queryNorm),
			Importance:     m.Importance(),
			Decay:          importance.Decay(now.Sub(m.CreatedAt), halfLife),
		}
		r.Score = w.Similarity*r.Similarity + w.Importance*r.Importance + w.Recency*r.Decay

		if h.Len() < topK {
			heap.Push(h, r)
		} else if ranksBefore(r, (*h)[0]) {
			(*h)[0] = r
			heap.Fix(h, 0)
		}
	}

	out := make([]Result, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Result)
	}
	return out
}

func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine computes dot(a,b) / (aNorm * |b|). Zero vectors score 0.
func cosine(a, b []float32, aNorm float64) float64 {
	if len(a) != len(b) || aNorm == 0 {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	if bNormSq == 0 {
		return 0
	}
	return dot / (aNorm * math.Sqrt(bNormSq))
}

// resultHeap is a min-heap with the lowest-ranked result at the root.
type resultHeap []Result

func (h resultHeap) Len() int           { return len(h) }
func (h resultHeap) Less(i, j int) bool { return ranksBefore(h[j], h[i]) }
func (h resultHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)        { *h = append(*h, x.(Result)) }
func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
