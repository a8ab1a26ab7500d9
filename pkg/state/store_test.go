package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tideflow-io/tideflow/pkg/record"
	"github.com/tideflow-io/tideflow/pkg/window"
)

func buildKey(startMillis, endMillis int64, groupKey string) window.Key {
	return window.Key{
		Window: window.Window{
			Start: time.UnixMilli(startMillis),
			End:   time.UnixMilli(endMillis),
		},
		GroupKey: groupKey,
	}
}

func TestStore_UpdateAndEvict(t *testing.T) {
	s := NewStore(Count{}, 0)

	k1 := buildKey(0, 10000, "a")
	k2 := buildKey(10000, 20000, "a")

	for i := 0; i < 3; i++ {
		s.Update(k1, &record.Record{Key: "a"})
	}
	s.Update(k2, &record.Record{Key: "a"})
	assert.Equal(t, 2, s.Len())

	// watermark below window end evicts nothing
	assert.Empty(t, s.EvictExpired(time.UnixMilli(9999)))

	// watermark at window end closes [0,10000)
	results := s.EvictExpired(time.UnixMilli(10000))
	assert.Len(t, results, 1)
	assert.Equal(t, k1, results[0].Key)
	assert.Equal(t, int64(3), results[0].Value)
	assert.Equal(t, 1, s.Len())

	// [10000,20000) is still open
	_, open := s.Get(k2)
	assert.True(t, open)
}

func TestStore_EvictExpired_AllowedLateness(t *testing.T) {
	s := NewStore(Count{}, 2*time.Second)
	k := buildKey(0, 10000, "a")
	s.Update(k, &record.Record{})

	assert.Empty(t, s.EvictExpired(time.UnixMilli(11999)))
	results := s.EvictExpired(time.UnixMilli(12000))
	assert.Len(t, results, 1)
}

func TestStore_EvictExpired_Deterministic(t *testing.T) {
	s := NewStore(Count{}, 0)
	s.Update(buildKey(10000, 20000, "b"), &record.Record{})
	s.Update(buildKey(0, 10000, "z"), &record.Record{})
	s.Update(buildKey(0, 10000, "a"), &record.Record{})
	s.Update(buildKey(10000, 20000, "a"), &record.Record{})

	results := s.EvictExpired(time.UnixMilli(20000))
	assert.Len(t, results, 4)
	assert.Equal(t, buildKey(0, 10000, "a"), results[0].Key)
	assert.Equal(t, buildKey(0, 10000, "z"), results[1].Key)
	assert.Equal(t, buildKey(10000, 20000, "a"), results[2].Key)
	assert.Equal(t, buildKey(10000, 20000, "b"), results[3].Key)
}

func TestStore_SnapshotRestore(t *testing.T) {
	s := NewStore(Sum{}, 0)
	k := buildKey(0, 10000, "a")
	s.Update(k, &record.Record{Value: []byte("5")})
	s.Update(k, &record.Record{Value: []byte("7")})
	s.Update(buildKey(0, 10000, "b"), &record.Record{Value: []byte("1")})

	snap := s.Snapshot()
	assert.Equal(t, "sum", snap.Aggregator)

	restored := NewStore(Sum{}, 0)
	restored.Restore(snap)
	assert.Equal(t, s.Len(), restored.Len())
	v, ok := restored.Get(k)
	assert.True(t, ok)
	assert.Equal(t, int64(12), v)
}

func TestAggregators(t *testing.T) {
	tests := []struct {
		name   string
		agg    Aggregator
		values []string
		want   int64
	}{
		{name: "count", agg: Count{}, values: []string{"1", "2", "3"}, want: 3},
		{name: "sum", agg: Sum{}, values: []string{"1", "2", "3"}, want: 6},
		{name: "sum_skips_malformed", agg: Sum{}, values: []string{"1", "oops", "3"}, want: 4},
		{name: "min", agg: Min{}, values: []string{"7", "2", "5"}, want: 2},
		{name: "max", agg: Max{}, values: []string{"7", "2", "5"}, want: 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acc := tt.agg.Identity()
			for _, v := range tt.values {
				acc = tt.agg.Combine(acc, &record.Record{Value: []byte(v)})
			}
			assert.Equal(t, tt.want, acc)
		})
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{"count", "sum", "min", "max"} {
		agg, ok := New(name)
		assert.True(t, ok)
		assert.Equal(t, name, agg.Name())
	}
	_, ok := New("median")
	assert.False(t, ok)
}
