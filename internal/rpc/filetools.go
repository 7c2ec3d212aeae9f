package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/locstore/ldm/internal/capability"
	"github.com/locstore/ldm/internal/storage"
	"github.com/locstore/ldm/internal/tm"
	"github.com/locstore/ldm/internal/types"
)

// File tools: operations that read a file's rows and derive something from
// them (a TM, a merged file, a glossary, QA findings) without touching the
// hierarchy.

// fileForPrincipal fetches a file the caller may open, plus its rows.
func (s *Server) fileForPrincipal(ctx context.Context, p *capability.Principal, fileID int64) (*types.File, []*types.Row, error) {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.checkProject(ctx, p, file.ProjectID); err != nil {
		return nil, nil, err
	}
	rows, err := s.store.ListRows(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	return file, rows, nil
}

// fileConvert is download with a mandatory target format; the stored format
// is untouched.
func (s *Server) fileConvert(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	var args FileConvertArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.Format == "" {
		return nil, types.E(types.KindInvalidArgument, "missing to_format")
	}
	format := args.Format
	converted, err := json.Marshal(&FileDownloadArgs{FileID: args.FileID, Format: &format})
	if err != nil {
		return nil, types.Wrap(types.KindInternal, err, "encoding convert args")
	}
	return s.fileDownload(ctx, p, converted)
}

func (s *Server) fileRegisterTM(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := capability.RequireWrite(p); err != nil {
		return nil, err
	}
	var args FileRegisterTMArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	file, rows, err := s.fileForPrincipal(ctx, p, args.FileID)
	if err != nil {
		return nil, err
	}
	var pairs []*tm.Entry
	for _, row := range rows {
		if row.Target != "" {
			pairs = append(pairs, tm.NewEntry(row.Source, row.Target))
		}
	}
	if len(pairs) == 0 {
		return nil, types.E(types.KindPrecondition, "file %q has no translated rows", file.Name)
	}
	name := args.Name
	if name == "" {
		name = file.Name
	}
	memory := &types.TM{
		Name:        name,
		ProjectID:   &file.ProjectID,
		SourceLang:  args.SourceLang,
		TargetLang:  args.TargetLang,
		Description: fmt.Sprintf("Registered from file %q", file.Name),
	}
	if err := s.store.CreateTM(ctx, memory); err != nil {
		return nil, err
	}
	imported, err := s.tms.ImportEntries(ctx, memory.ID, pairs)
	if err != nil {
		return nil, err
	}
	memory.EntryCount = imported
	s.audit(p.UserID, "tm_registered", fmt.Sprintf("file %d -> tm %d (%d pairs)", file.ID, memory.ID, imported))
	return &FileRegisterTMResult{TM: memory, Imported: imported}, nil
}

// mergeKey pairs rows across files: by string_id when the row has one,
// else by position.
func mergeKey(row *types.Row) string {
	if row.StringID != "" {
		return "s:" + row.StringID
	}
	return fmt.Sprintf("i:%d", row.Index)
}

func (s *Server) fileMerge(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	if err := capability.RequireWrite(p); err != nil {
		return nil, err
	}
	var args FileMergeArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if args.SourceFileID == args.DestFileID {
		return nil, types.E(types.KindInvalidArgument, "source and destination are the same file")
	}
	_, srcRows, err := s.fileForPrincipal(ctx, p, args.SourceFileID)
	if err != nil {
		return nil, err
	}
	_, destRows, err := s.fileForPrincipal(ctx, p, args.DestFileID)
	if err != nil {
		return nil, err
	}

	destByKey := make(map[string]*types.Row, len(destRows))
	for _, row := range destRows {
		destByKey[mergeKey(row)] = row
	}

	res := &FileMergeResult{}
	type edit struct {
		rowID int64
		patch types.RowPatch
	}
	var edits []edit
	for _, src := range srcRows {
		if src.Target == "" {
			continue
		}
		dest, ok := destByKey[mergeKey(src)]
		if !ok {
			res.Unmatched++
			continue
		}
		res.Matched++
		if dest.Target == src.Target {
			continue
		}
		target := src.Target
		status := src.Status
		if status == types.StatusPending {
			status = types.StatusTranslated
		}
		edits = append(edits, edit{rowID: dest.ID, patch: types.RowPatch{Target: &target, Status: &status}})
	}

	if len(edits) > 0 {
		err = s.store.RunInTx(ctx, func(tx storage.Tx) error {
			for _, e := range edits {
				if err := tx.EditRow(ctx, e.rowID, e.patch); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	res.Updated = len(edits)
	s.audit(p.UserID, "files_merged", fmt.Sprintf("file %d -> file %d (%d updated)", args.SourceFileID, args.DestFileID, res.Updated))
	return res, nil
}

func (s *Server) fileGlossary(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	var args FileGlossaryArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	minCount := args.MinCount
	if minCount <= 0 {
		minCount = 2
	}
	_, rows, err := s.fileForPrincipal(ctx, p, args.FileID)
	if err != nil {
		return nil, err
	}

	type tally struct {
		target     string
		count      int
		consistent bool
	}
	bySource := make(map[string]*tally)
	var order []string
	for _, row := range rows {
		if row.Target == "" {
			continue
		}
		t, ok := bySource[row.Source]
		if !ok {
			bySource[row.Source] = &tally{target: row.Target, count: 1, consistent: true}
			order = append(order, row.Source)
			continue
		}
		t.count++
		if t.target != row.Target {
			t.consistent = false
		}
	}

	res := &FileGlossaryResult{}
	for _, source := range order {
		t := bySource[source]
		if t.count >= minCount && t.consistent {
			res.Terms = append(res.Terms, GlossaryTerm{Source: source, Target: t.target, Count: t.count})
		}
	}
	sort.SliceStable(res.Terms, func(i, j int) bool { return res.Terms[i].Count > res.Terms[j].Count })
	return res, nil
}

// QA check names reported in findings.
const (
	qaEmptyTarget        = "empty_target"
	qaBreakMismatch      = "br_count_mismatch"
	qaWhitespaceMismatch = "edge_whitespace_mismatch"
	qaInconsistentTarget = "inconsistent_target"
)

func (s *Server) fileRunQA(ctx context.Context, p *capability.Principal, raw json.RawMessage) (interface{}, error) {
	var args FileRunQAArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	_, rows, err := s.fileForPrincipal(ctx, p, args.FileID)
	if err != nil {
		return nil, err
	}

	res := &FileRunQAResult{Checked: len(rows)}
	targetsBySource := make(map[string]map[string]bool)
	for _, row := range rows {
		if row.Target != "" {
			set := targetsBySource[row.Source]
			if set == nil {
				set = make(map[string]bool)
				targetsBySource[row.Source] = set
			}
			set[row.Target] = true
		}
	}

	add := func(row *types.Row, check, detail string) {
		res.Findings = append(res.Findings, QAFinding{RowID: row.ID, Index: row.Index, Check: check, Detail: detail})
	}
	for _, row := range rows {
		if row.Target == "" {
			if row.Status != types.StatusPending {
				add(row, qaEmptyTarget, fmt.Sprintf("status %s but no target", row.Status))
			}
			continue
		}
		if sc, tc := strings.Count(row.Source, "<br/>"), strings.Count(row.Target, "<br/>"); sc != tc {
			add(row, qaBreakMismatch, fmt.Sprintf("source has %d, target has %d", sc, tc))
		}
		if edgeWhitespace(row.Source) != edgeWhitespace(row.Target) {
			add(row, qaWhitespaceMismatch, "leading/trailing whitespace differs from source")
		}
		if len(targetsBySource[row.Source]) > 1 {
			add(row, qaInconsistentTarget, fmt.Sprintf("source translated %d different ways in this file", len(targetsBySource[row.Source])))
		}
	}
	return res, nil
}

// edgeWhitespace fingerprints a string's leading and trailing whitespace.
func edgeWhitespace(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return ""
	}
	i := strings.Index(s, trimmed)
	return s[:i] + "|" + s[i+len(trimmed):]
}
