package loader

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osmgraph-go/internal/logger"
)

// Progress holds current progress information
type Progress struct {
	Done       int64
	Total      int64
	Percentage float64
	Elapsed    time.Duration
	ETA        time.Duration
	Throughput float64 // items per second
}

// CalculateProgress returns progress metrics for done of total items since start
func CalculateProgress(done, total int64, start time.Time) Progress {
	elapsed := time.Since(start)

	var percentage, throughput float64
	var eta time.Duration

	if elapsed.Seconds() > 0 {
		throughput = float64(done) / elapsed.Seconds()
	}
	if total > 0 {
		percentage = float64(done) / float64(total) * 100
		if done > 0 && done < total && throughput > 0 {
			eta = time.Duration(float64(total-done)/throughput) * time.Second
		}
	}

	return Progress{
		Done:       done,
		Total:      total,
		Percentage: percentage,
		Elapsed:    elapsed.Round(time.Second),
		ETA:        eta.Round(time.Second),
		Throughput: throughput,
	}
}

// FormatETA formats the ETA duration in a human-readable format
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "calculating..."
	}

	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

// FormatThroughput formats throughput as human-readable items per second
func FormatThroughput(itemsPerSec float64) string {
	if itemsPerSec >= 1_000_000 {
		return fmt.Sprintf("%.1fM/s", itemsPerSec/1_000_000)
	}
	if itemsPerSec >= 1_000 {
		return fmt.Sprintf("%.1fK/s", itemsPerSec/1_000)
	}
	return fmt.Sprintf("%.0f/s", itemsPerSec)
}

// reportProgress periodically logs loading progress until ctx is done
func (l *Loader) reportProgress(ctx context.Context, acc *accumulator, total int64, start time.Time) {
	log := logger.Get()
	ticker := time.NewTicker(l.opts.ProgressInterval)
	defer ticker.Stop()

	var lastDone int64
	lastTime := start

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			written, failed := acc.written.Load(), acc.failed.Load()
			done := written + failed
			now := time.Now()

			// instantaneous rate over the last interval
			var rate float64
			if elapsed := now.Sub(lastTime).Seconds(); elapsed > 0 {
				rate = float64(done-lastDone) / elapsed
			}
			p := CalculateProgress(done, total, start)

			log.Info("Loading progress",
				zap.Int64("written", written),
				zap.Int64("failed", failed),
				zap.Int64("retries", acc.retries.Load()),
				zap.String("pct", fmt.Sprintf("%.1f%%", p.Percentage)),
				zap.String("rate", FormatThroughput(rate)),
				zap.String("eta", FormatETA(p.ETA)),
			)

			lastDone, lastTime = done, now
		}
	}
}
