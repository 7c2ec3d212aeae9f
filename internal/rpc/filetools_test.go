package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locstore/ldm/internal/types"
)

func uploadTSV(t *testing.T, s *Server, projectID int64, name, content string) types.File {
	t.Helper()
	var file types.File
	decodeData(t, doCall(t, s, userToken, OpFileUpload, &FileUploadArgs{
		Name: name, ProjectID: projectID, Format: types.FormatTSV, Content: content,
	}), &file)
	return file
}

func TestFileConvertDoesNotChangeStoredFormat(t *testing.T) {
	s, _ := newTestServer(t)
	_, _, _, file := seedProject(t, s)

	var res FileDownloadResult
	decodeData(t, doCall(t, s, userToken, OpFileConvert, &FileConvertArgs{FileID: file.ID, Format: types.FormatTXT}), &res)
	assert.Equal(t, types.FormatTXT, res.Format)
	assert.Contains(t, res.Content, "기습\tAmbush")

	var got types.File
	decodeData(t, doCall(t, s, userToken, OpNodeGet, &NodeArgs{Kind: types.KindFile, ID: file.ID}), &got)
	assert.Equal(t, types.FormatTSV, got.Format)
}

func TestFileConvertRequiresFormat(t *testing.T) {
	s, _ := newTestServer(t)
	_, _, _, file := seedProject(t, s)
	resp := doCall(t, s, userToken, OpFileConvert, &FileConvertArgs{FileID: file.ID})
	assert.Equal(t, types.KindInvalidArgument, resp.ErrorKind)
}

func TestRegisterFileAsTM(t *testing.T) {
	s, _ := newTestServer(t)
	_, _, _, file := seedProject(t, s)

	var res FileRegisterTMResult
	decodeData(t, doCall(t, s, userToken, OpFileRegisterTM, &FileRegisterTMArgs{
		FileID: file.ID, Name: "quests-tm", SourceLang: "ko", TargetLang: "en",
	}), &res)
	// Row three has no target and is skipped.
	assert.Equal(t, 2, res.Imported)
	require.NotNil(t, res.TM)
	assert.Equal(t, "quests-tm", res.TM.Name)

	var looked struct {
		Match *types.Match `json:"match"`
	}
	decodeData(t, doCall(t, s, userToken, OpTMLookup, &TMLookupArgs{TMID: &res.TM.ID, Text: "기습"}), &looked)
	require.NotNil(t, looked.Match)
	assert.Equal(t, types.TierExact, looked.Match.Tier)
	assert.Equal(t, "Ambush", looked.Match.Target)
}

func TestRegisterUntranslatedFileAsTMIsPrecondition(t *testing.T) {
	s, _ := newTestServer(t)
	_, project, _, _ := seedProject(t, s)
	file := uploadTSV(t, s, project.ID, "raw.tsv", "a\nb\nc\n")
	resp := doCall(t, s, userToken, OpFileRegisterTM, &FileRegisterTMArgs{
		FileID: file.ID, SourceLang: "ko", TargetLang: "en",
	})
	assert.Equal(t, types.KindPrecondition, resp.ErrorKind)
}

func TestFileMergeByIndex(t *testing.T) {
	s, _ := newTestServer(t)
	_, project, _, translated := seedProject(t, s)
	dest := uploadTSV(t, s, project.ID, "q-new.tsv", "기습\n낯선 땅\nx\n")

	var res FileMergeResult
	decodeData(t, doCall(t, s, userToken, OpFileMerge, &FileMergeArgs{
		SourceFileID: translated.ID, DestFileID: dest.ID,
	}), &res)
	// The third seed row has no target and does not participate.
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 2, res.Updated)
	assert.Equal(t, 0, res.Unmatched)

	var rows []*types.Row
	decodeData(t, doCall(t, s, userToken, OpRowList, &RowListArgs{FileID: dest.ID}), &rows)
	require.Len(t, rows, 3)
	assert.Equal(t, "Ambush", rows[0].Target)
	assert.Equal(t, types.StatusTranslated, rows[0].Status)
	assert.Equal(t, "Strange Lands", rows[1].Target)
	assert.Empty(t, rows[2].Target)
}

func TestFileMergePrefersStringID(t *testing.T) {
	s, _ := newTestServer(t)
	_, project, _, _ := seedProject(t, s)
	// Same string ids, different order.
	src := uploadTSV(t, s, project.ID, "old.tsv", "기습\tAmbush\tQ_1\n보스\tBoss\tQ_2\n")
	dest := uploadTSV(t, s, project.ID, "new.tsv", "보스\t\tQ_2\n기습\t\tQ_1\n고블린\t\tQ_3\n")

	var res FileMergeResult
	decodeData(t, doCall(t, s, userToken, OpFileMerge, &FileMergeArgs{SourceFileID: src.ID, DestFileID: dest.ID}), &res)
	assert.Equal(t, 2, res.Matched)
	assert.Equal(t, 2, res.Updated)

	var rows []*types.Row
	decodeData(t, doCall(t, s, userToken, OpRowList, &RowListArgs{FileID: dest.ID}), &rows)
	require.Len(t, rows, 3)
	assert.Equal(t, "Boss", rows[0].Target)
	assert.Equal(t, "Ambush", rows[1].Target)
	assert.Empty(t, rows[2].Target)
}

func TestFileMergeRejectsSelf(t *testing.T) {
	s, _ := newTestServer(t)
	_, _, _, file := seedProject(t, s)
	resp := doCall(t, s, userToken, OpFileMerge, &FileMergeArgs{SourceFileID: file.ID, DestFileID: file.ID})
	assert.Equal(t, types.KindInvalidArgument, resp.ErrorKind)
}

func TestExtractGlossarySkipsInconsistentTerms(t *testing.T) {
	s, _ := newTestServer(t)
	_, project, _, _ := seedProject(t, s)
	file := uploadTSV(t, s, project.ID, "ui.tsv",
		"체력\tHP\n체력\tHP\n마나\tMana\n골드\tGold\n골드\tCoins\n체력\tHP\n")

	var res FileGlossaryResult
	decodeData(t, doCall(t, s, userToken, OpFileGlossary, &FileGlossaryArgs{FileID: file.ID}), &res)
	// 마나 appears once, 골드 is translated two ways.
	require.Len(t, res.Terms, 1)
	assert.Equal(t, "체력", res.Terms[0].Source)
	assert.Equal(t, "HP", res.Terms[0].Target)
	assert.Equal(t, 3, res.Terms[0].Count)
}

func TestRunQAFindings(t *testing.T) {
	s, _ := newTestServer(t)
	_, project, _, _ := seedProject(t, s)
	file := uploadTSV(t, s, project.ID, "qa.tsv",
		"첫째<br/>둘째\tonly one line\n"+
			" 공격\tAttack\n"+
			"상점\tShop\n"+
			"상점\tStore\n"+
			"괜찮음\tFine\n")

	var res FileRunQAResult
	decodeData(t, doCall(t, s, userToken, OpFileRunQA, &FileRunQAArgs{FileID: file.ID}), &res)
	assert.Equal(t, 5, res.Checked)

	checks := make(map[string]int)
	for _, f := range res.Findings {
		checks[f.Check]++
	}
	assert.Equal(t, 1, checks[qaBreakMismatch])
	assert.Equal(t, 1, checks[qaWhitespaceMismatch])
	assert.Equal(t, 2, checks[qaInconsistentTarget])
	assert.Zero(t, checks[qaEmptyTarget])
}

func TestRunQAFlagsEmptyTargetOnTranslatedRow(t *testing.T) {
	s, _ := newTestServer(t)
	_, _, _, file := seedProject(t, s)

	var rows []*types.Row
	decodeData(t, doCall(t, s, userToken, OpRowList, &RowListArgs{FileID: file.ID}), &rows)
	require.Len(t, rows, 3)
	status := types.StatusTranslated
	require.True(t, doCall(t, s, userToken, OpRowEdit, &RowEditArgs{
		RowID: rows[2].ID, Patch: types.RowPatch{Status: &status},
	}).Success)

	var res FileRunQAResult
	decodeData(t, doCall(t, s, userToken, OpFileRunQA, &FileRunQAArgs{FileID: file.ID}), &res)
	found := false
	for _, f := range res.Findings {
		if f.Check == qaEmptyTarget && f.RowID == rows[2].ID {
			found = true
		}
	}
	assert.True(t, found)
}
