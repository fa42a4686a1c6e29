package party

import (
	"sync"
	"time"
)

// StalenessWindow bounds how long a per-instance viewer report counts toward
// the aggregate. Instances that stop reporting (crash, netsplit) age out of
// every peer's total within this window without an explicit leave signal.
const StalenessWindow = 60 * time.Second

// Stats is one instance's viewer report for a party. CreateTime is the
// emission timestamp in Unix milliseconds; the combined aggregate omits both
// InstanceID and CreateTime.
type Stats struct {
	InstanceID string `json:"instanceId,omitempty"`
	Viewers    int    `json:"viewers"`
	CreateTime int64  `json:"createTime,omitempty"`
}

// NewStats builds a report for the given instance stamped with the current
// time.
func NewStats(instanceID string, viewers int) Stats {
	return Stats{
		InstanceID: instanceID,
		Viewers:    viewers,
		CreateTime: time.Now().UnixMilli(),
	}
}

// CombineStats sums viewer counts across reports. Instance identity is not
// tracked past combination.
func CombineStats(reports []Stats) Stats {
	var total Stats
	for _, s := range reports {
		total.Viewers += s.Viewers
	}
	return total
}

// StatsCollector aggregates the most recent report per instance,
// last-write-wins, and purges reports older than StalenessWindow on every
// update and read.
type StatsCollector struct {
	mu      sync.Mutex
	reports map[string]Stats
	now     func() time.Time
}

// NewStatsCollector initialises an empty collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{
		reports: make(map[string]Stats),
		now:     time.Now,
	}
}

// Update upserts the report for its instance. Reports without a usable
// emission timestamp, or stamped ahead of the local clock, are keyed to the
// local arrival time instead so clock skew cannot pin a dead instance in the
// aggregate.
func (c *StatsCollector) Update(s Stats) {
	if s.InstanceID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	nowMs := c.now().UnixMilli()
	if s.CreateTime <= 0 || s.CreateTime > nowMs {
		s.CreateTime = nowMs
	}
	c.reports[s.InstanceID] = s
	c.purgeLocked()
}

// Total purges stale reports and returns the combined aggregate.
func (c *StatsCollector) Total() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
	reports := make([]Stats, 0, len(c.reports))
	for _, s := range c.reports {
		reports = append(reports, s)
	}
	return CombineStats(reports)
}

func (c *StatsCollector) purgeLocked() {
	cutoff := c.now().Add(-StalenessWindow).UnixMilli()
	for instance, s := range c.reports {
		if s.CreateTime < cutoff {
			delete(c.reports, instance)
		}
	}
}
