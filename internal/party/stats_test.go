package party

import (
	"testing"
	"time"
)

func TestStatsCollectorLastWriteWins(t *testing.T) {
	c := NewStatsCollector()
	c.Update(NewStats("inst-a", 3))
	c.Update(NewStats("inst-b", 2))
	c.Update(NewStats("inst-a", 5))

	if got := c.Total().Viewers; got != 7 {
		t.Fatalf("Total().Viewers = %d, want 7", got)
	}
}

func TestStatsCollectorIgnoresAnonymousReports(t *testing.T) {
	c := NewStatsCollector()
	c.Update(Stats{Viewers: 10})
	if got := c.Total().Viewers; got != 0 {
		t.Fatalf("Total().Viewers = %d, want 0", got)
	}
}

func TestStatsCollectorDecay(t *testing.T) {
	now := time.Now()
	c := NewStatsCollector()
	c.now = func() time.Time { return now }

	c.Update(NewStats("inst-a", 4))
	c.Update(NewStats("inst-b", 2))
	if got := c.Total().Viewers; got != 6 {
		t.Fatalf("Total().Viewers = %d, want 6", got)
	}

	// inst-b keeps reporting, inst-a goes quiet.
	now = now.Add(StalenessWindow / 2)
	c.Update(Stats{InstanceID: "inst-b", Viewers: 2, CreateTime: now.UnixMilli()})

	now = now.Add(StalenessWindow/2 + time.Second)
	if got := c.Total().Viewers; got != 2 {
		t.Fatalf("after decay Total().Viewers = %d, want 2", got)
	}

	now = now.Add(StalenessWindow)
	if got := c.Total().Viewers; got != 0 {
		t.Fatalf("after full decay Total().Viewers = %d, want 0", got)
	}
}

func TestStatsCollectorClockSkew(t *testing.T) {
	now := time.Now()
	c := NewStatsCollector()
	c.now = func() time.Time { return now }

	// A future timestamp is rewritten to the arrival time so the report
	// still ages out on schedule.
	c.Update(Stats{InstanceID: "inst-a", Viewers: 1, CreateTime: now.Add(time.Hour).UnixMilli()})
	c.Update(Stats{InstanceID: "inst-b", Viewers: 1})

	now = now.Add(StalenessWindow + time.Second)
	if got := c.Total().Viewers; got != 0 {
		t.Fatalf("skewed reports must decay, got %d viewers", got)
	}
}

func TestCombineStats(t *testing.T) {
	total := CombineStats([]Stats{
		{InstanceID: "a", Viewers: 1, CreateTime: 10},
		{InstanceID: "b", Viewers: 2, CreateTime: 20},
	})
	if total.Viewers != 3 {
		t.Fatalf("CombineStats viewers = %d, want 3", total.Viewers)
	}
	if total.InstanceID != "" || total.CreateTime != 0 {
		t.Fatalf("aggregate must not carry instance identity: %+v", total)
	}
}
