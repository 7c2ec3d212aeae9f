package tm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/locstore/ldm/internal/types"
)

// indexMagic identifies a vector index file; the trailing byte is the format
// version.
var indexMagic = [8]byte{'L', 'D', 'M', 'V', 'E', 'C', 0, 1}

// Index is an immutable in-memory vector index for one TM and one model.
// Installed snapshots are read-copy-update: rebuilds produce a fresh Index
// and atomically swap the pointer, so readers never see a partial state.
type Index struct {
	TMID    int64
	ModelID string
	Dim     int
	ids     []int64   // entry ids, insertion order
	vecs    []float32 // len(ids) * Dim, row-major, unit length
}

// Len returns the number of indexed entries.
func (ix *Index) Len() int { return len(ix.ids) }

// BuildIndex embeds every entry and assembles an index in insertion order.
func BuildIndex(tmID int64, modelID string, dim int, ids []int64, vectors [][]float32) (*Index, error) {
	if len(ids) != len(vectors) {
		return nil, types.E(types.KindInternal, "index build: %d ids but %d vectors", len(ids), len(vectors))
	}
	ix := &Index{
		TMID:    tmID,
		ModelID: modelID,
		Dim:     dim,
		ids:     ids,
		vecs:    make([]float32, 0, len(ids)*dim),
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, types.E(types.KindInternal, "index build: vector %d has dim %d, want %d", i, len(v), dim)
		}
		ix.vecs = append(ix.vecs, v...)
	}
	return ix, nil
}

// Hit is one nearest-neighbor result.
type Hit struct {
	EntryID int64
	Score   float64
}

// Search returns up to k entries with cosine score >= min, best first. Ties
// break toward earlier insertion. Vectors are unit length, so cosine is a
// dot product.
func (ix *Index) Search(query []float32, k int, min float64) []Hit {
	if len(query) != ix.Dim || k <= 0 {
		return nil
	}
	var hits []Hit
	for i := range ix.ids {
		row := ix.vecs[i*ix.Dim : (i+1)*ix.Dim]
		var dot float64
		for j, q := range query {
			dot += float64(q) * float64(row[j])
		}
		if dot >= min {
			hits = append(hits, Hit{EntryID: ix.ids[i], Score: dot})
		}
	}
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// IndexPath returns the on-disk location of a TM/model index inside dir.
func IndexPath(dir string, tmID int64, modelID string) string {
	return filepath.Join(dir, fmt.Sprintf("%d.%s.vec", tmID, modelID))
}

// Save writes the index to path atomically: a temp file in the same
// directory, fsynced, then renamed over the target. A crash mid-write leaves
// the previous index intact.
func (ix *Index) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".vec-*")
	if err != nil {
		return err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	w := bufio.NewWriter(tmp)
	if _, err := w.Write(indexMagic[:]); err != nil {
		return err
	}
	model := []byte(ix.ModelID)
	header := []uint32{uint32(len(model)), uint32(ix.Dim), uint32(len(ix.ids))}
	for _, h := range header {
		if err := binary.Write(w, binary.LittleEndian, h); err != nil {
			return err
		}
	}
	if _, err := w.Write(model); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, ix.ids); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, ix.vecs); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadIndex reads an index file written by Save.
func LoadIndex(path string, tmID int64) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	r := bufio.NewReader(f)

	var magic [8]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("read index header: %w", err)
	}
	if magic != indexMagic {
		return nil, types.E(types.KindInternal, "%s is not a vector index file", path)
	}
	var modelLen, dim, count uint32
	for _, p := range []*uint32{&modelLen, &dim, &count} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return nil, fmt.Errorf("read index header: %w", err)
		}
	}
	model := make([]byte, modelLen)
	if _, err := io.ReadFull(r, model); err != nil {
		return nil, err
	}
	ix := &Index{
		TMID:    tmID,
		ModelID: string(model),
		Dim:     int(dim),
		ids:     make([]int64, count),
		vecs:    make([]float32, int(count)*int(dim)),
	}
	if err := binary.Read(r, binary.LittleEndian, ix.ids); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, ix.vecs); err != nil {
		return nil, err
	}
	return ix, nil
}
