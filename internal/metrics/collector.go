package metrics

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// SystemMetrics holds a snapshot of host and process resource usage. The
// graph arena lives in memory, so process RSS is the figure to watch.
type SystemMetrics struct {
	CPUPercent        float64 // System-wide CPU usage (0-100%)
	ProcessCPUPercent float64 // Per core, can exceed 100% on multi-core
	Load1             float64
	MemoryPercent     float64
	MemoryTotalBytes  uint64
	ProcessRSSBytes   uint64
	HeapAllocBytes    uint64
	Goroutines        int
	Timestamp         time.Time
}

// Collector periodically collects and logs system metrics
type Collector struct {
	interval time.Duration
	logger   *zap.Logger
	proc     *process.Process

	// stage, when set, is logged with every sample
	stage func() string

	mu          sync.RWMutex
	lastMetrics *SystemMetrics
}

// NewCollector creates a new metrics collector
func NewCollector(interval time.Duration, logger *zap.Logger) *Collector {
	if interval < time.Second {
		interval = 30 * time.Second
	}

	proc, _ := process.NewProcess(int32(os.Getpid()))

	return &Collector{
		interval: interval,
		logger:   logger,
		proc:     proc,
	}
}

// WithStage attaches a function reporting the current pipeline stage
func (c *Collector) WithStage(fn func() string) *Collector {
	c.stage = fn
	return c
}

// Start begins periodic metrics collection. Returns when context is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// first CPU percentages are measured against this baseline
	c.Sample()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Metrics collection stopped")
			return
		case <-ticker.C:
			c.log(c.Sample())
		}
	}
}

// GetMetrics returns the last collected metrics
func (c *Collector) GetMetrics() *SystemMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastMetrics
}

// Sample collects a snapshot. Sources that fail leave their fields zero.
func (c *Collector) Sample() *SystemMetrics {
	m := &SystemMetrics{
		Timestamp:  time.Now(),
		Goroutines: runtime.NumGoroutine(),
	}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		m.CPUPercent = pct[0]
	}
	if avg, err := load.Avg(); err == nil {
		m.Load1 = avg.Load1
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		m.MemoryPercent = vmem.UsedPercent
		m.MemoryTotalBytes = vmem.Total
	}
	if c.proc != nil {
		if pct, err := c.proc.Percent(0); err == nil {
			m.ProcessCPUPercent = pct
		}
		if info, err := c.proc.MemoryInfo(); err == nil {
			m.ProcessRSSBytes = info.RSS
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.HeapAllocBytes = ms.HeapAlloc

	c.mu.Lock()
	c.lastMetrics = m
	c.mu.Unlock()
	return m
}

func (c *Collector) log(m *SystemMetrics) {
	fields := []zap.Field{
		zap.String("sys_cpu", fmt.Sprintf("%.1f%%", m.CPUPercent)),
		zap.String("proc_cpu", fmt.Sprintf("%.1f%%", m.ProcessCPUPercent)),
		zap.Float64("load1", m.Load1),
		zap.String("mem_pct", fmt.Sprintf("%.1f%%", m.MemoryPercent)),
		zap.String("rss", FormatBytes(m.ProcessRSSBytes)),
		zap.String("heap", FormatBytes(m.HeapAllocBytes)),
		zap.Int("goroutines", m.Goroutines),
	}
	if c.stage != nil {
		fields = append(fields, zap.String("stage", c.stage()))
	}
	c.logger.Info("System metrics", fields...)
}

// FormatBytes renders a byte count with a binary unit and one decimal place
func FormatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
