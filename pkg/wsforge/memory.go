package wsforge

import (
	"context"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	gopsmem "github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
)

// MemoryLevel is the severity rollup derived from current usage against
// the configured thresholds.
type MemoryLevel int

const (
	MemoryNormal MemoryLevel = iota
	MemoryWarning
	MemoryCritical
	MemoryMaximum
)

func (l MemoryLevel) String() string {
	switch l {
	case MemoryWarning:
		return "warning"
	case MemoryCritical:
		return "critical"
	case MemoryMaximum:
		return "maximum"
	default:
		return "normal"
	}
}

// MemoryStats is a single reading of process and system memory.
type MemoryStats struct {
	Timestamp      time.Time
	SystemUsedPct  float64
	HeapUsedPct    float64
	ProcessRSS     uint64
	ProcessPct     float64
	HeapAllocBytes uint64
	GoroutineCount int
	Level          MemoryLevel
}

// CleanupStrategy is a registered remediation the memory manager may run
// when usage crosses a threshold. Strategies run highest priority first.
type CleanupStrategy struct {
	Name     string
	Priority int
	Run      func() int // returns units freed/reclaimed, for reporting
}

// CleanupReport summarizes one ExecuteCleanup or CheckAndCleanup pass.
type CleanupReport struct {
	Triggered  bool
	Level      MemoryLevel
	StrategiesRun []string
	Reclaimed  int
	Before     MemoryStats
	After      MemoryStats
}

// MemoryManager implements spec.md §4.6: it samples process and system
// memory, classifies the result against warning/critical/maximum
// thresholds, and runs a prioritized chain of cleanup strategies with a
// cooldown so repeated readings over threshold do not thrash cleanup.
type MemoryManager struct {
	mu         sync.Mutex
	strategies []CleanupStrategy

	warningPct  float64
	criticalPct float64
	maximumPct  float64

	cooldown     time.Duration
	lastCleanup  time.Time

	sched *schedulerHandle
	pid   int32
}

// NewMemoryManager builds a manager with the default thresholds of
// spec.md §4.6 (90%/95%/98%) and a 30s cleanup cooldown.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		warningPct:  0.90,
		criticalPct: 0.95,
		maximumPct:  0.98,
		cooldown:    30 * time.Second,
		pid:         int32(os.Getpid()),
	}
}

// RegisterCleanupStrategy adds a strategy. Strategies with higher
// Priority run first during a cleanup pass.
func (m *MemoryManager) RegisterCleanupStrategy(s CleanupStrategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies = append(m.strategies, s)
	sort.SliceStable(m.strategies, func(i, j int) bool {
		return m.strategies[i].Priority > m.strategies[j].Priority
	})
}

// Stats samples current memory usage.
func (m *MemoryManager) Stats() MemoryStats {
	now := time.Now()
	stat := MemoryStats{Timestamp: now, GoroutineCount: runtime.NumGoroutine()}

	if vm, err := gopsmem.VirtualMemory(); err == nil {
		stat.SystemUsedPct = vm.UsedPercent / 100
	}

	var goMem runtime.MemStats
	runtime.ReadMemStats(&goMem)
	stat.HeapAllocBytes = goMem.HeapAlloc
	if goMem.HeapSys > 0 {
		stat.HeapUsedPct = float64(goMem.HeapInuse) / float64(goMem.HeapSys)
	}

	if proc, err := process.NewProcess(m.pid); err == nil {
		if mi, err := proc.MemoryInfo(); err == nil {
			stat.ProcessRSS = mi.RSS
		}
		if pct, err := proc.MemoryPercent(); err == nil {
			stat.ProcessPct = float64(pct) / 100
		}
	}

	stat.Level = m.classify(stat.SystemUsedPct)
	return stat
}

func (m *MemoryManager) classify(usedPct float64) MemoryLevel {
	switch {
	case usedPct >= m.maximumPct:
		return MemoryMaximum
	case usedPct >= m.criticalPct:
		return MemoryCritical
	case usedPct >= m.warningPct:
		return MemoryWarning
	default:
		return MemoryNormal
	}
}

// Acceptable reports whether current usage is below the maximum
// threshold. The orchestrator refuses new connections with close code
// 1013 only once usage reaches MemoryMaximum; Warning and Critical
// still admit new connections while cleanup strategies run.
func (m *MemoryManager) Acceptable() bool {
	return m.Stats().Level < MemoryMaximum
}

// minPriorityFor returns the lowest strategy priority eligible to run
// at level, per spec.md §4.6: critical runs everything, warning only
// priority>=5, and a forced cleanup below warning only priority>=3.
func minPriorityFor(level MemoryLevel, force bool) int {
	switch level {
	case MemoryCritical, MemoryMaximum:
		return 0
	case MemoryWarning:
		return 5
	default:
		if force {
			return 3
		}
		return 5
	}
}

// ExecuteCleanup runs registered strategies in descending priority
// order, filtered by the current level's minimum priority, stopping
// early as soon as usage drops back below the warning threshold.
// Cleanup is subject to a 30s cooldown unless force is true.
func (m *MemoryManager) ExecuteCleanup(force bool) CleanupReport {
	before := m.Stats()

	m.mu.Lock()
	if !force && time.Since(m.lastCleanup) < m.cooldown {
		m.mu.Unlock()
		return CleanupReport{Triggered: false, Level: before.Level, Before: before, After: before}
	}
	m.lastCleanup = time.Now()
	strategies := append([]CleanupStrategy(nil), m.strategies...)
	m.mu.Unlock()

	minPriority := minPriorityFor(before.Level, force)
	report := CleanupReport{Triggered: true, Level: before.Level, Before: before}
	for _, s := range strategies {
		if s.Priority < minPriority {
			continue
		}
		reclaimed := s.Run()
		report.StrategiesRun = append(report.StrategiesRun, s.Name)
		report.Reclaimed += reclaimed
		if before.Level != MemoryNormal && m.Stats().Level == MemoryNormal {
			break
		}
	}
	report.After = m.Stats()
	return report
}

// CheckAndCleanup samples memory and runs cleanup if usage is at or
// above the warning threshold. It respects the cooldown unless usage
// has reached the maximum threshold, which always forces cleanup.
func (m *MemoryManager) CheckAndCleanup() CleanupReport {
	stat := m.Stats()
	if stat.Level == MemoryNormal {
		return CleanupReport{Triggered: false, Level: stat.Level, Before: stat, After: stat}
	}
	force := stat.Level == MemoryMaximum
	return m.ExecuteCleanup(force)
}

// StartMonitoring polls CheckAndCleanup on the given interval.
func (m *MemoryManager) StartMonitoring(sched *schedulerHandle, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	m.sched = sched
	sched.addEvery(interval, func(ctx context.Context) {
		report := m.CheckAndCleanup()
		if report.Triggered {
			logrus.WithField("level", report.Level.String()).
				WithField("strategies", report.StrategiesRun).
				Warn("wsforge: memory cleanup triggered")
		}
	})
}

// GenerateReport returns a point-in-time snapshot alongside the
// registered strategy names, for the health endpoint's diagnostics.
func (m *MemoryManager) GenerateReport() (MemoryStats, []string) {
	m.mu.Lock()
	names := make([]string, len(m.strategies))
	for i, s := range m.strategies {
		names[i] = s.Name
	}
	m.mu.Unlock()
	return m.Stats(), names
}
