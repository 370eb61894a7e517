package ranking

import (
	"context"
	"fmt"
)

// Pipeline chains the three derived-cache updates in dependency order:
// sorted index first, then ranks, then the materialized board.
type Pipeline struct {
	index *Index
	ranks *Ranks
	board *Board
}

// NewPipeline wires the three maintainers.
func NewPipeline(index *Index, ranks *Ranks, board *Board) *Pipeline {
	return &Pipeline{index: index, ranks: ranks, board: board}
}

// RefreshUsers updates the derived caches for the affected users.
func (p *Pipeline) RefreshUsers(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	if err := p.index.Update(ctx, userIDs); err != nil {
		return fmt.Errorf("index update: %w", err)
	}
	if err := p.ranks.Update(ctx, userIDs); err != nil {
		return fmt.Errorf("rank update: %w", err)
	}
	if err := p.board.Refresh(ctx); err != nil {
		return fmt.Errorf("board refresh: %w", err)
	}
	return nil
}

// RefreshAll rebuilds every derived cache from the authoritative records.
func (p *Pipeline) RefreshAll(ctx context.Context) error {
	if err := p.index.Rebuild(ctx); err != nil {
		return fmt.Errorf("index rebuild: %w", err)
	}
	if err := p.ranks.Update(ctx, nil); err != nil {
		return fmt.Errorf("rank update: %w", err)
	}
	if err := p.board.Refresh(ctx); err != nil {
		return fmt.Errorf("board refresh: %w", err)
	}
	return nil
}
