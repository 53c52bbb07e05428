package engine

import (
	"sync"
	"time"

	"github.com/raaihank/embedlib/internal/apperr"
)

// Stats represents engine performance statistics
type Stats struct {
	TotalRequests     int64            `json:"total_requests"`
	SuccessfulRuns    int64            `json:"successful_runs"`
	FailedRuns        int64            `json:"failed_runs"`
	TotalTokens       int64            `json:"total_tokens"`
	TruncatedInputs   int64            `json:"truncated_inputs"`
	AvgInferenceTime  time.Duration    `json:"avg_inference_time"`
	AvgTokensPerText  float64          `json:"avg_tokens_per_text"`
	LastInferenceTime time.Time        `json:"last_inference_time"`
	ErrorRate         float64          `json:"error_rate"`
	ErrorsByType      map[string]int64 `json:"errors_by_type"`
	Reloads           int64            `json:"reloads"`
	FailedReloads     int64            `json:"failed_reloads"`
	ModelLoadTime     time.Duration    `json:"model_load_time"`
	Generation        uint64           `json:"generation"`
	StartTime         time.Time        `json:"start_time"`
}

type statsCollector struct {
	mu            sync.Mutex
	stats         Stats
	totalDuration time.Duration
}

func newStatsCollector() *statsCollector {
	return &statsCollector{stats: Stats{StartTime: time.Now(), ErrorsByType: map[string]int64{}}}
}

func (c *statsCollector) recordRequest(texts, tokens, truncated int, duration time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &c.stats
	s.TotalRequests += int64(texts)
	s.LastInferenceTime = time.Now()
	if err != nil {
		s.FailedRuns += int64(texts)
		s.ErrorsByType[apperr.TypeOf(err)]++
	} else {
		s.SuccessfulRuns += int64(texts)
		s.TotalTokens += int64(tokens)
		s.TruncatedInputs += int64(truncated)
		c.totalDuration += duration
		s.AvgInferenceTime = c.totalDuration / time.Duration(s.SuccessfulRuns)
		s.AvgTokensPerText = float64(s.TotalTokens) / float64(s.SuccessfulRuns)
	}
	s.ErrorRate = float64(s.FailedRuns) / float64(s.TotalRequests)
}

func (c *statsCollector) recordLoad(generation uint64, duration time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.stats.FailedReloads++
		return
	}
	c.stats.Reloads++
	c.stats.Generation = generation
	c.stats.ModelLoadTime = duration
}

func (c *statsCollector) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.ErrorsByType = make(map[string]int64, len(c.stats.ErrorsByType))
	for k, v := range c.stats.ErrorsByType {
		s.ErrorsByType[k] = v
	}
	return s
}
