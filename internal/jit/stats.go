package jit

import (
	"github.com/segmentio/encoding/json"

	"github.com/tangzhangming/rgen/internal/jit/codebuf"
)

// Stats 代码生成统计信息
type Stats struct {
	Context        string            `json:"context"`
	Graphs         int               `json:"graphs"`
	Builders       int               `json:"builders"`
	Blocks         int               `json:"blocks_emitted"`
	Operations     int               `json:"operations"`
	DeadOperations int               `json:"dead_operations"`
	CCClones       int               `json:"cc_clones"`
	InitialMoves   int               `json:"initial_moves"`
	FinalMoves     int               `json:"final_moves"`
	MaxFrameDepth  int               `json:"max_frame_depth"`
	Pool           codebuf.PoolStats `json:"pool"`
}

// JSON 序列化为 JSON
func (s Stats) JSON() ([]byte, error) {
	return json.Marshal(s)
}

// recordBlock 累计一次块发射的统计
func (c *Context) recordBlock(ra *regAllocator) {
	c.stats.Blocks++
	c.stats.Operations += len(ra.ops)
	c.stats.DeadOperations += ra.dead
	c.stats.CCClones += ra.clones
	c.stats.InitialMoves += len(ra.initialMoves)
	c.stats.FinalMoves += ra.finalMoves
	if ra.frameDepth > c.stats.MaxFrameDepth {
		c.stats.MaxFrameDepth = ra.frameDepth
	}
}

// Stats 返回统计信息
func (c *Context) Stats() Stats {
	s := c.stats
	s.Context = c.id.String()
	s.Builders = c.builders
	s.Pool = c.pool.Stats()
	return s
}
