package wsforge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryManagerClassify(t *testing.T) {
	m := NewMemoryManager()
	assert.Equal(t, MemoryNormal, m.classify(0.5))
	assert.Equal(t, MemoryWarning, m.classify(0.91))
	assert.Equal(t, MemoryCritical, m.classify(0.96))
	assert.Equal(t, MemoryMaximum, m.classify(0.99))
}

func TestMemoryManagerStrategiesRunInPriorityOrder(t *testing.T) {
	m := NewMemoryManager()
	m.cooldown = 0
	var order []string

	m.RegisterCleanupStrategy(CleanupStrategy{Name: "low", Priority: 3, Run: func() int {
		order = append(order, "low")
		return 0
	}})
	m.RegisterCleanupStrategy(CleanupStrategy{Name: "high", Priority: 10, Run: func() int {
		order = append(order, "high")
		return 1
	}})
	m.RegisterCleanupStrategy(CleanupStrategy{Name: "mid", Priority: 5, Run: func() int {
		order = append(order, "mid")
		return 2
	}})

	report := m.ExecuteCleanup(true)
	require.True(t, report.Triggered)
	assert.Equal(t, []string{"high", "mid", "low"}, order)
	assert.Equal(t, 3, report.Reclaimed)
}

func TestMemoryManagerCooldownSuppressesRepeatCleanup(t *testing.T) {
	m := NewMemoryManager()
	m.cooldown = time.Minute
	runs := 0
	m.RegisterCleanupStrategy(CleanupStrategy{Name: "gc", Priority: 10, Run: func() int {
		runs++
		return 0
	}})

	first := m.ExecuteCleanup(false)
	second := m.ExecuteCleanup(false)
	assert.True(t, first.Triggered)
	assert.False(t, second.Triggered)
	assert.Equal(t, 1, runs)

	forced := m.ExecuteCleanup(true)
	assert.True(t, forced.Triggered)
	assert.Equal(t, 2, runs)
}

func TestMemoryManagerGenerateReportListsStrategies(t *testing.T) {
	m := NewMemoryManager()
	m.RegisterCleanupStrategy(CleanupStrategy{Name: "gc", Priority: 10, Run: func() int { return 0 }})
	_, names := m.GenerateReport()
	assert.Equal(t, []string{"gc"}, names)
}

func TestMemoryManagerStatsPopulatesGoroutineCount(t *testing.T) {
	m := NewMemoryManager()
	stat := m.Stats()
	assert.Greater(t, stat.GoroutineCount, 0)
}

func TestMemoryManagerAcceptableTrueUnderNormalLoad(t *testing.T) {
	m := NewMemoryManager()
	assert.True(t, m.Acceptable())
}

// Acceptable must only reject at MemoryMaximum, not at Warning or
// Critical: the orchestrator keeps admitting connections while cleanup
// strategies have a chance to bring usage back down.
func TestMemoryManagerAcceptableRejectsOnlyAtMaximum(t *testing.T) {
	assert.True(t, MemoryNormal < MemoryMaximum)
	assert.True(t, MemoryWarning < MemoryMaximum)
	assert.True(t, MemoryCritical < MemoryMaximum)
	assert.False(t, MemoryMaximum < MemoryMaximum)
}
