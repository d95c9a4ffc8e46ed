// Package snowflake 提供进程内单调递增的 64 位 ID 生成器。
//
// ID 按 [时间戳偏移(41) | 分片(10) | 序列(12)] 打包，时间戳相对配置的纪元，
// 同一进程内生成的 ID 随墙钟严格不减。
package snowflake

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
)

const (
	shardBits    = 10
	sequenceBits = 12

	// MaxShardID 分片 ID 上限
	MaxShardID = (1 << shardBits) - 1

	maxSequence = (1 << sequenceBits) - 1
)

var (
	// ErrShardIDRange 分片 ID 超出范围
	ErrShardIDRange = errors.New("snowflake: shard id out of range [0, 1023]")
	// ErrClockBackwards 时钟回拨
	// 回拨会破坏单调性，生成必须失败而不是静默容忍
	ErrClockBackwards = errors.New("snowflake: clock moved backwards")
)

// Generator ID 生成器
type Generator struct {
	mu      sync.Mutex
	shardID uint64
	epoch   uint64
	lastTS  int64
	seq     uint64
	now     func() int64 // 毫秒时间戳，可注入用于测试
}

// Option 配置选项函数
type Option func(*Generator)

// WithClock 注入时钟（毫秒时间戳），用于测试
func WithClock(now func() int64) Option {
	return func(g *Generator) {
		g.now = now
	}
}

// New 创建生成器
// shardID 为本进程在集群中的分片编号，epoch 为毫秒纪元起点
func New(shardID, epoch uint64, opts ...Option) (*Generator, error) {
	if shardID > MaxShardID {
		return nil, fmt.Errorf("%w: %d", ErrShardIDRange, shardID)
	}

	g := &Generator{
		shardID: shardID,
		epoch:   epoch,
		now: func() int64 {
			return time.Now().UnixMilli()
		},
	}

	for _, opt := range opts {
		opt(g)
	}

	g.lastTS = g.now()

	return g, nil
}

// NextID 生成下一个 ID
func (g *Generator) NextID() (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now()
	if ts < g.lastTS {
		return 0, fmt.Errorf("%w: refusing to generate id for %dms", ErrClockBackwards, g.lastTS-ts)
	}

	if ts == g.lastTS {
		g.seq++
		if g.seq > maxSequence {
			// 序列耗尽，忙等到下一毫秒
			ts = g.waitNextMilli(g.lastTS)
			g.seq = 0
		}
	} else {
		g.seq = 0
	}

	g.lastTS = ts

	return uint64(ts-int64(g.epoch))<<(shardBits+sequenceBits) |
		g.shardID<<sequenceBits |
		g.seq, nil
}

// ShardID 返回分片编号
func (g *Generator) ShardID() uint64 {
	return g.shardID
}

// waitNextMilli 等待时钟走到 last 之后的毫秒
// 等待时间在亚毫秒级，让出处理器而不是自旋
func (g *Generator) waitNextMilli(last int64) int64 {
	ts := g.now()
	for ts <= last {
		runtime.Gosched()
		ts = g.now()
	}
	return ts
}

// Parse 拆解 ID，返回（毫秒时间戳、分片、序列）
func Parse(id, epoch uint64) (timestamp uint64, shardID uint64, sequence uint64) {
	sequence = id & maxSequence
	shardID = (id >> sequenceBits) & MaxShardID
	timestamp = (id >> (shardBits + sequenceBits)) + epoch
	return
}
