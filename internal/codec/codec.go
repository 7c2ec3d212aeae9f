// Package codec reads and writes boundary file formats. Only the
// tab-separated formats are implemented here; the spreadsheet and XML
// formats register through the same interface from their own generators.
//
// Newlines inside language data are represented as <br/> and pass through
// every codec byte-exactly; codecs never rewrite them to \n.
package codec

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/locstore/ldm/internal/types"
)

// Codec converts between a byte stream and rows.
type Codec interface {
	Format() types.FileFormat
	// Read parses the stream into rows with dense 1-based indexes.
	Read(r io.Reader) ([]*types.Row, error)
	// Write renders rows in index order.
	Write(w io.Writer, rows []*types.Row) error
}

var registry = map[types.FileFormat]Codec{}

// Register installs a codec for its format. Later registrations win, so an
// external generator can override the built-ins.
func Register(c Codec) {
	registry[c.Format()] = c
}

// For returns the codec for a format.
func For(format types.FileFormat) (Codec, error) {
	if c, ok := registry[format]; ok {
		return c, nil
	}
	return nil, types.E(types.KindInvalidArgument, "no codec registered for format %q", format)
}

func init() {
	Register(tsvCodec{format: types.FormatTSV})
	Register(tsvCodec{format: types.FormatTXT})
}

// tsvCodec handles the tab-separated formats: one row per line,
// source<TAB>target<TAB>string_id, target and string_id optional. txt files
// are the same shape; historically they carry source-only lines.
type tsvCodec struct {
	format types.FileFormat
}

func (c tsvCodec) Format() types.FileFormat { return c.format }

func (c tsvCodec) Read(r io.Reader) ([]*types.Row, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var rows []*types.Row
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		if text == "" {
			continue
		}
		parts := strings.SplitN(text, "\t", 3)
		row := &types.Row{Index: len(rows) + 1, Source: parts[0], Status: types.StatusPending}
		if len(parts) > 1 {
			row.Target = parts[1]
		}
		if len(parts) > 2 {
			row.StringID = parts[2]
		}
		if row.Target != "" {
			row.Status = types.StatusTranslated
		}
		rows = append(rows, row)
	}
	if err := sc.Err(); err != nil {
		return nil, types.Wrap(types.KindInvalidArgument, err, "parse %s at line %d", c.format, line)
	}
	return rows, nil
}

func (c tsvCodec) Write(w io.Writer, rows []*types.Row) error {
	bw := bufio.NewWriter(w)
	for _, row := range rows {
		if strings.ContainsAny(row.Source, "\t\n") || strings.ContainsAny(row.Target, "\t\n") {
			return types.E(types.KindInvalidArgument, "row %d contains a raw tab or newline; language newlines must be <br/>", row.Index)
		}
		// Trailing string_id column is omitted when empty so files without
		// string ids round-trip unchanged.
		if row.StringID != "" {
			if _, err := fmt.Fprintf(bw, "%s\t%s\t%s\n", row.Source, row.Target, row.StringID); err != nil {
				return err
			}
		} else if _, err := fmt.Fprintf(bw, "%s\t%s\n", row.Source, row.Target); err != nil {
			return err
		}
	}
	return bw.Flush()
}
