package metrics

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const mb = 1024 * 1024

// SystemMetrics is one sample of host and process load
type SystemMetrics struct {
	CPUPercent        float64 // system-wide, 0-100
	ProcessCPUPercent float64 // may exceed 100 on multi-core hosts
	IOWaitPercent     float64
	MemoryUsedMB      float64
	MemoryPercent     float64
	DiskReadMBps      float64
	DiskWriteMBps     float64
	Timestamp         time.Time
}

// Collector samples system metrics at a fixed interval, logs them and
// publishes them to a Registry
type Collector struct {
	interval time.Duration
	logger   *zap.Logger
	registry *Registry
	proc     *process.Process

	lastCPU    *cpu.TimesStat
	lastDisk   map[string]disk.IOCountersStat
	lastDiskAt time.Time

	mu   sync.RWMutex
	last *SystemMetrics
}

// NewCollector creates a collector. registry may be nil to only log.
func NewCollector(interval time.Duration, logger *zap.Logger, registry *Registry) *Collector {
	if interval < time.Second {
		interval = 30 * time.Second
	}

	proc, _ := process.NewProcess(int32(os.Getpid()))

	return &Collector{
		interval: interval,
		logger:   logger,
		registry: registry,
		proc:     proc,
	}
}

// Run samples until ctx is cancelled. It always returns nil so it can run
// inside an errgroup next to the replication loop.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// first sample sets the cpu and disk baselines
	c.collect()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Metrics collection stopped")
			return nil
		case <-ticker.C:
			c.collect()
		}
	}
}

// Last returns the most recent sample, or nil before the first one
func (c *Collector) Last() *SystemMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func (c *Collector) collect() {
	m := c.sample()

	c.mu.Lock()
	c.last = m
	c.mu.Unlock()

	if c.registry != nil {
		c.registry.SetSystem(m)
	}

	c.logger.Info("System metrics",
		zap.Float64("sys_cpu", m.CPUPercent),
		zap.Float64("proc_cpu", m.ProcessCPUPercent),
		zap.Float64("iowait", m.IOWaitPercent),
		zap.Float64("mem_pct", m.MemoryPercent),
		zap.String("mem_used", fmt.Sprintf("%.1f MB", m.MemoryUsedMB)),
		zap.String("disk_r", fmt.Sprintf("%.1f MB/s", m.DiskReadMBps)),
		zap.String("disk_w", fmt.Sprintf("%.1f MB/s", m.DiskWriteMBps)),
	)
}

func (c *Collector) sample() *SystemMetrics {
	m := &SystemMetrics{Timestamp: time.Now()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		m.CPUPercent = pct[0]
	}
	if c.proc != nil {
		if pct, err := c.proc.Percent(0); err == nil {
			m.ProcessCPUPercent = pct
		}
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		m.MemoryPercent = vmem.UsedPercent
		m.MemoryUsedMB = float64(vmem.Used) / mb
	}

	m.IOWaitPercent = c.ioWait()
	m.DiskReadMBps, m.DiskWriteMBps = c.diskRates(m.Timestamp)
	return m
}

// ioWait returns the share of CPU time spent waiting for I/O since the
// previous call
func (c *Collector) ioWait() float64 {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return 0
	}
	cur := times[0]
	last := c.lastCPU
	c.lastCPU = &cur
	if last == nil {
		return 0
	}

	total := (cur.User - last.User) + (cur.System - last.System) +
		(cur.Idle - last.Idle) + (cur.Iowait - last.Iowait) +
		(cur.Irq - last.Irq) + (cur.Softirq - last.Softirq) +
		(cur.Steal - last.Steal)
	if total <= 0 {
		return 0
	}
	return (cur.Iowait - last.Iowait) / total * 100
}

// diskRates returns read and write MB/s across all disks since the previous call
func (c *Collector) diskRates(now time.Time) (read, write float64) {
	counters, err := disk.IOCounters()
	if err != nil {
		return 0, 0
	}
	last, lastAt := c.lastDisk, c.lastDiskAt
	c.lastDisk, c.lastDiskAt = counters, now
	if last == nil {
		return 0, 0
	}

	elapsed := now.Sub(lastAt).Seconds()
	if elapsed < 0.1 {
		return 0, 0
	}

	var readBytes, writeBytes uint64
	for name, cur := range counters {
		prev, ok := last[name]
		if !ok {
			continue
		}
		// counters may wrap
		if cur.ReadBytes >= prev.ReadBytes {
			readBytes += cur.ReadBytes - prev.ReadBytes
		}
		if cur.WriteBytes >= prev.WriteBytes {
			writeBytes += cur.WriteBytes - prev.WriteBytes
		}
	}
	return float64(readBytes) / elapsed / mb, float64(writeBytes) / elapsed / mb
}
