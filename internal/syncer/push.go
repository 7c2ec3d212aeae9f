package syncer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/locstore/ldm/internal/ops"
	"github.com/locstore/ldm/internal/types"
)

// pushBatch is how many rows go to the central store per transaction during
// a promote.
const pushBatch = 500

// PushResult reports a completed promote.
type PushResult struct {
	CentralFileID int64  `json:"central_file_id"`
	FileName      string `json:"file_name"`
	Rows          int    `json:"rows"`
}

// Push promotes a local file into a central project synchronously. The
// local file is left untouched; a new central file is created, auto-renamed
// on name conflict. progress may be nil.
func (e *Engine) Push(ctx context.Context, localFileID, destProjectID int64, progress func(done, total int)) (*PushResult, error) {
	file, err := e.local.GetFile(ctx, localFileID)
	if err != nil {
		return nil, err
	}
	if _, err := e.central.GetProject(ctx, destProjectID); err != nil {
		return nil, err
	}
	rows, err := e.local.ListRows(ctx, localFileID)
	if err != nil {
		return nil, err
	}

	central := &types.File{Name: file.Name, ProjectID: destProjectID, Format: file.Format}
	if err := createWithSuffix(central.Name, func(name string) error {
		central.Name = name
		return e.central.CreateFile(ctx, central)
	}); err != nil {
		return nil, err
	}

	for start := 0; start < len(rows); start += pushBatch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + pushBatch
		if end > len(rows) {
			end = len(rows)
		}
		batch := make([]*types.Row, end-start)
		for i, r := range rows[start:end] {
			batch[i] = &types.Row{
				Index:    r.Index,
				Source:   r.Source,
				Target:   r.Target,
				Status:   r.Status,
				StringID: r.StringID,
				Metadata: r.Metadata,
			}
		}
		if err := e.central.BulkUpsertRows(ctx, central.ID, batch); err != nil {
			return nil, err
		}
		if progress != nil {
			progress(end, len(rows))
		}
	}

	e.log.Info("file promoted", "local_file", localFileID, "central_file", central.ID, "rows", len(rows))
	return &PushResult{CentralFileID: central.ID, FileName: central.Name, Rows: len(rows)}, nil
}

// PushTracked runs Push as a tracked upload operation and returns the
// pending Operation for progress streaming.
func (e *Engine) PushTracked(sched *ops.Scheduler, userID string, localFileID, destProjectID int64) (*types.Operation, error) {
	display := fmt.Sprintf("upload file %d to project %d", localFileID, destProjectID)
	return sched.Submit(userID, types.ClassUpload, display, func(ctx context.Context, p *ops.Progress) (string, error) {
		res, err := e.Push(ctx, localFileID, destProjectID, func(done, total int) {
			if total > 0 {
				p.Report(float64(done)/float64(total)*100, fmt.Sprintf("uploaded %d/%d rows", done, total))
			}
		})
		if err != nil {
			return "", err
		}
		out, err := json.Marshal(res)
		if err != nil {
			return "", err
		}
		return string(out), nil
	})
}
