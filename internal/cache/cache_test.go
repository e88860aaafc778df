package cache

import (
	"testing"
	"time"

	"github.com/slideatlas/server/internal/merge"
)

func TestQueryKeyGenerationScoping(t *testing.T) {
	k1 := QueryKey("/a.sa", 1, "nuclei", 0, 0, 100, 100, 0)
	k2 := QueryKey("/a.sa", 2, "nuclei", 0, 0, 100, 100, 0)
	if k1 == k2 {
		t.Fatalf("expected keys from different generations to differ")
	}

	k3 := QueryKey("/a.sa", 1, "patches", 0, 0, 100, 100, 0)
	if k1 == k3 {
		t.Fatalf("expected keys from different query kinds to differ")
	}
}

func TestRegionRoundTrip(t *testing.T) {
	m, err := NewManager(Config{QueryCacheSizeMB: 8, QueryTTL: time.Minute, RegionCacheSize: 4})
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	defer m.Close()

	key := RegionKey("/a.sa", 1, 0)
	if _, ok := m.GetRegions(key); ok {
		t.Fatalf("expected miss before set")
	}

	regions := []merge.Region{{Color: "#d62728"}}
	m.SetRegions(key, regions)

	got, ok := m.GetRegions(key)
	if !ok || len(got) != 1 || got[0].Color != "#d62728" {
		t.Fatalf("unexpected region cache result: ok=%v got=%v", ok, got)
	}
}

func TestQueryRoundTrip(t *testing.T) {
	m, err := NewManager(Config{QueryCacheSizeMB: 8, QueryTTL: time.Minute, RegionCacheSize: 4})
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	defer m.Close()

	key := QueryKey("/a.sa", 3, "nuclei", 0, 0, 50, 50, 4)
	if err := m.SetQuery(key, []byte(`{"nuclei":[]}`)); err != nil {
		t.Fatalf("SetQuery error: %v", err)
	}
	data, ok := m.GetQuery(key)
	if !ok || string(data) != `{"nuclei":[]}` {
		t.Fatalf("unexpected query cache result: ok=%v data=%q", ok, data)
	}
}
