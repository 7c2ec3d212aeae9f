package tm

import (
	"context"
	"fmt"

	"github.com/locstore/ldm/internal/storage"
	"github.com/locstore/ldm/internal/types"
)

// PretranslateOptions bound which cascade results are applied.
type PretranslateOptions struct {
	// TierCap is the weakest tier whose matches are accepted. Zero value
	// accepts every tier.
	TierCap types.MatchTier
	// ScoreFloor rejects matches scoring below it.
	ScoreFloor float64
	// BatchSize rows are written per transaction; the worker yields between
	// batches. Defaults to 500.
	BatchSize int
	// Progress, when non-nil, is called after every batch with rows done,
	// rows total, and a display string.
	Progress func(done, total int, step string)
}

// PretranslateResult summarizes one run.
type PretranslateResult struct {
	Total      int                     `json:"total"`
	Translated int                     `json:"translated"`
	Skipped    int                     `json:"skipped"`
	ByTier     map[types.MatchTier]int `json:"by_tier,omitempty"`
}

// Pretranslate applies the cascade to a file's pending rows. Matched rows
// get the candidate target and status "translated"; rows with no acceptable
// match stay pending. Cancellation is honored at batch boundaries; rows
// written before the cancel stay written.
func (e *Engine) Pretranslate(ctx context.Context, store storage.Store, fileID, tmID int64, opts PretranslateOptions) (*PretranslateResult, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if _, err := store.GetFile(ctx, fileID); err != nil {
		return nil, err
	}
	if _, err := store.GetTM(ctx, tmID); err != nil {
		return nil, err
	}

	rows, err := store.ListRows(ctx, fileID)
	if err != nil {
		return nil, err
	}
	var pending []*types.Row
	for _, r := range rows {
		if r.Status == types.StatusPending && r.Source != "" {
			pending = append(pending, r)
		}
	}

	result := &PretranslateResult{Total: len(pending), ByTier: make(map[types.MatchTier]int)}
	capRank := types.TierRank(opts.TierCap)
	if opts.TierCap == "" {
		capRank = types.TierRank(types.TierSemanticDeep)
	}

	for start := 0; start < len(pending); start += opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		end := start + opts.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		type applied struct {
			rowID  int64
			target string
		}
		var writes []applied
		for _, row := range batch {
			match, err := e.Lookup(ctx, tmID, row.Source)
			if err != nil {
				return result, err
			}
			if match == nil || types.TierRank(match.Tier) > capRank || match.Score < opts.ScoreFloor {
				result.Skipped++
				continue
			}
			writes = append(writes, applied{rowID: row.ID, target: match.Target})
			result.Translated++
			result.ByTier[match.Tier]++
		}

		if len(writes) > 0 {
			translated := types.StatusTranslated
			err := store.RunInTx(ctx, func(tx storage.Tx) error {
				for _, w := range writes {
					target := w.target
					if err := tx.EditRow(ctx, w.rowID, types.RowPatch{Target: &target, Status: &translated}); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return result, err
			}
		}

		if opts.Progress != nil {
			opts.Progress(end, len(pending), fmt.Sprintf("pre-translated %d/%d rows", end, len(pending)))
		}
	}
	return result, nil
}
