package snowflake

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEpoch = uint64(1735689600000)

// TestNew_ShardIDRange 测试分片 ID 范围校验
func TestNew_ShardIDRange(t *testing.T) {
	_, err := New(MaxShardID+1, testEpoch)
	assert.ErrorIs(t, err, ErrShardIDRange)

	g, err := New(MaxShardID, testEpoch)
	require.NoError(t, err)
	assert.Equal(t, uint64(MaxShardID), g.ShardID())
}

// TestNextID_Unique 多协程并发生成，全部唯一
func TestNextID_Unique(t *testing.T) {
	g, err := New(3, testEpoch)
	require.NoError(t, err)

	const (
		workers = 8
		perEach = 2000
	)

	var mu sync.Mutex
	ids := make([]uint64, 0, workers*perEach)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]uint64, 0, perEach)
			for j := 0; j < perEach; j++ {
				id, err := g.NextID()
				if err != nil {
					t.Error(err)
					return
				}
				local = append(local, id)
			}
			mu.Lock()
			ids = append(ids, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, ids, workers*perEach)

	seen := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id: %d", id)
		}
		seen[id] = struct{}{}
	}
}

// TestNextID_Monotonic 单协程按发放顺序不减
func TestNextID_Monotonic(t *testing.T) {
	g, err := New(1, testEpoch)
	require.NoError(t, err)

	prev := uint64(0)
	for i := 0; i < 50000; i++ {
		id, err := g.NextID()
		require.NoError(t, err)
		if id <= prev {
			t.Fatalf("id not increasing: prev=%d cur=%d", prev, id)
		}
		prev = id
	}
}

// TestNextID_ClockBackwards 时钟回拨必须报错
func TestNextID_ClockBackwards(t *testing.T) {
	now := int64(testEpoch) + 1000
	g, err := New(1, testEpoch, WithClock(func() int64 { return now }))
	require.NoError(t, err)

	_, err = g.NextID()
	require.NoError(t, err)

	now -= 5
	_, err = g.NextID()
	assert.ErrorIs(t, err, ErrClockBackwards)
}

// TestNextID_SequenceRollover 同毫秒内序列耗尽后滚动到下一毫秒
func TestNextID_SequenceRollover(t *testing.T) {
	base := int64(testEpoch) + 1000
	calls := 0
	// 前 maxSequence+2 次调用返回同一毫秒，之后时钟前进
	g, err := New(1, testEpoch, WithClock(func() int64 {
		calls++
		if calls <= maxSequence+2 {
			return base
		}
		return base + 1
	}))
	require.NoError(t, err)

	var last uint64
	for i := 0; i <= maxSequence; i++ {
		id, err := g.NextID()
		require.NoError(t, err)
		require.Greater(t, id, last)
		last = id
	}

	ts, _, seq := Parse(last, testEpoch)
	assert.Equal(t, uint64(base+1), ts)
	assert.Equal(t, uint64(0), seq)
}

// TestParse 位布局校验
func TestParse(t *testing.T) {
	now := int64(testEpoch) + 42
	g, err := New(7, testEpoch, WithClock(func() int64 { return now }))
	require.NoError(t, err)

	id1, err := g.NextID()
	require.NoError(t, err)
	id2, err := g.NextID()
	require.NoError(t, err)

	// 构造时已记录当前毫秒，首个 ID 的序列从 1 起
	ts, shard, seq := Parse(id1, testEpoch)
	assert.Equal(t, uint64(now), ts)
	assert.Equal(t, uint64(7), shard)
	assert.Equal(t, uint64(1), seq)

	_, _, seq2 := Parse(id2, testEpoch)
	assert.Equal(t, uint64(2), seq2)
}

// TestNextID_SortedByIssueOrder 并发取号，按发放顺序排序后不减
func TestNextID_SortedByIssueOrder(t *testing.T) {
	g, err := New(1, testEpoch)
	require.NoError(t, err)

	type issued struct {
		order int
		id    uint64
	}

	var (
		mu      sync.Mutex
		results []issued
		counter int
	)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				mu.Lock()
				id, err := g.NextID()
				if err != nil {
					mu.Unlock()
					t.Error(err)
					return
				}
				results = append(results, issued{order: counter, id: id})
				counter++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].order < results[j].order })
	for i := 1; i < len(results); i++ {
		if results[i].id <= results[i-1].id {
			t.Fatalf("issue order violated at %d: %d <= %d", i, results[i].id, results[i-1].id)
		}
	}
}
