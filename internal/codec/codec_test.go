package codec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locstore/ldm/internal/types"
)

func TestReadTSV(t *testing.T) {
	c, err := For(types.FormatTSV)
	require.NoError(t, err)

	in := "기습\tAmbush\tQ_001\r\n낯선 땅\tStrange Lands\n\nx\n"
	rows, err := c.Read(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, rows, 3, "blank lines are skipped")

	assert.Equal(t, 1, rows[0].Index)
	assert.Equal(t, "기습", rows[0].Source)
	assert.Equal(t, "Ambush", rows[0].Target)
	assert.Equal(t, "Q_001", rows[0].StringID)
	assert.Equal(t, types.StatusTranslated, rows[0].Status)

	assert.Equal(t, 3, rows[2].Index, "indexes stay dense across skipped lines")
	assert.Equal(t, "x", rows[2].Source)
	assert.Empty(t, rows[2].Target)
	assert.Equal(t, types.StatusPending, rows[2].Status)
}

func TestRoundTripPreservesBrTags(t *testing.T) {
	c, err := For(types.FormatTSV)
	require.NoError(t, err)

	rows := []*types.Row{
		{Index: 1, Source: "첫째 줄<br/>둘째 줄", Target: "line one<br/>line two", StringID: "Q_1"},
		{Index: 2, Source: "기습", Target: ""},
	}
	var buf bytes.Buffer
	require.NoError(t, c.Write(&buf, rows))
	assert.Contains(t, buf.String(), "첫째 줄<br/>둘째 줄\tline one<br/>line two\tQ_1")

	back, err := c.Read(&buf)
	require.NoError(t, err)
	require.Len(t, back, 2)
	assert.Equal(t, rows[0].Source, back[0].Source, "byte-equal after round trip")
	assert.Equal(t, rows[0].Target, back[0].Target)
	assert.Equal(t, rows[0].StringID, back[0].StringID)
}

func TestWriteRejectsRawNewlines(t *testing.T) {
	c, err := For(types.FormatTSV)
	require.NoError(t, err)

	err = c.Write(&bytes.Buffer{}, []*types.Row{{Index: 1, Source: "line one\nline two"}})
	require.Error(t, err)
	assert.Equal(t, types.KindInvalidArgument, types.KindOf(err))
}

func TestForUnknownFormat(t *testing.T) {
	_, err := For(types.FormatXLSX)
	require.Error(t, err)
	assert.Equal(t, types.KindInvalidArgument, types.KindOf(err))

	_, err = For(types.FormatTXT)
	assert.NoError(t, err)
}
