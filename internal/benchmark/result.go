// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package benchmark

import (
	"fmt"
	"time"
)

// Status is the outcome of one sample.
type Status string

const (
	StatusPassed Status = "passed"
	StatusFailed Status = "failed"
)

// Sample is the measurement of one streamed generation.
type Sample struct {
	Case         string        `json:"case"`
	Round        int           `json:"round"`
	Status       Status        `json:"status"`
	Duration     time.Duration `json:"duration"`
	TTFT         time.Duration `json:"ttft"` // time to first token
	Chunks       int           `json:"chunks"`
	Tokens       int           `json:"tokens"`
	TokensPerSec float64       `json:"tokens_per_sec"`
	Error        string        `json:"error,omitempty"`

	seq int
}

// Result holds every sample of a run and their aggregates over passed
// samples.
type Result struct {
	Model           string        `json:"model"`
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	Duration        time.Duration `json:"duration"`
	Samples         []Sample      `json:"samples"`
	AvgTTFT         time.Duration `json:"avg_ttft"`
	AvgDuration     time.Duration `json:"avg_duration"`
	AvgTokensPerSec float64       `json:"avg_tokens_per_sec"`
	Passed          int           `json:"passed"`
	Failed          int           `json:"failed"`
}

func (r *Result) computeAggregates() {
	var ttft, duration time.Duration
	var tps float64
	var ttftCount, tpsCount int

	for _, s := range r.Samples {
		if s.Status != StatusPassed {
			r.Failed++
			continue
		}
		r.Passed++
		duration += s.Duration
		if s.TTFT > 0 {
			ttft += s.TTFT
			ttftCount++
		}
		if s.TokensPerSec > 0 {
			tps += s.TokensPerSec
			tpsCount++
		}
	}

	if r.Passed > 0 {
		r.AvgDuration = duration / time.Duration(r.Passed)
	}
	if ttftCount > 0 {
		r.AvgTTFT = ttft / time.Duration(ttftCount)
	}
	if tpsCount > 0 {
		r.AvgTokensPerSec = tps / float64(tpsCount)
	}
}

// Summary returns a text summary of the result.
func (r *Result) Summary() string {
	return fmt.Sprintf(
		"Model: %s\n"+
			"Duration: %s\n"+
			"Samples: %d passed, %d failed\n"+
			"Avg TTFT: %s\n"+
			"Avg Latency: %s\n"+
			"Avg Speed: %s",
		r.Model,
		FormatDuration(r.Duration),
		r.Passed,
		r.Failed,
		FormatDuration(r.AvgTTFT),
		FormatDuration(r.AvgDuration),
		FormatTokensPerSec(r.AvgTokensPerSec),
	)
}

// =============================================================================
// FORMATTING HELPERS
// =============================================================================

// FormatDuration formats a duration for display.
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "N/A"
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
}

// FormatTokensPerSec formats tokens per second for display.
func FormatTokensPerSec(tps float64) string {
	if tps == 0 {
		return "N/A"
	}
	return fmt.Sprintf("%.1f t/s", tps)
}
