package portalflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryCheckpointer keeps checkpoints in process memory. Safe for
// concurrent use by independent runs; state is stored serialized so callers
// cannot alias the engine's record.
type MemoryCheckpointer struct {
	mutex       sync.RWMutex
	checkpoints map[string][]byte
}

func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{checkpoints: map[string][]byte{}}
}

func (c *MemoryCheckpointer) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.checkpoints[checkpoint.ThreadID] = data
	return nil
}

func (c *MemoryCheckpointer) LoadCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error) {
	c.mutex.RLock()
	data, ok := c.checkpoints[threadID]
	c.mutex.RUnlock()
	if !ok {
		return nil, nil
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &checkpoint, nil
}

func (c *MemoryCheckpointer) DeleteCheckpoint(ctx context.Context, threadID string) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.checkpoints, threadID)
	return nil
}

// ListRuns returns summaries for all stored threads, newest first.
func (c *MemoryCheckpointer) ListRuns(ctx context.Context) ([]*RunSummary, error) {
	c.mutex.RLock()
	threadIDs := make([]string, 0, len(c.checkpoints))
	for id := range c.checkpoints {
		threadIDs = append(threadIDs, id)
	}
	c.mutex.RUnlock()

	var summaries []*RunSummary
	for _, id := range threadIDs {
		checkpoint, err := c.LoadCheckpoint(ctx, id)
		if err != nil || checkpoint == nil {
			continue
		}
		summaries = append(summaries, summarize(checkpoint))
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].SavedAt.After(summaries[j].SavedAt)
	})
	return summaries, nil
}

var _ Checkpointer = (*MemoryCheckpointer)(nil)
var _ RunLister = (*MemoryCheckpointer)(nil)
