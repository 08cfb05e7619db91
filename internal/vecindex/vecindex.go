// Package vecindex implements a flat cosine-similarity index over track
// embeddings.
//
// Vectors are L2-normalized on insert, so cosine similarity reduces to
// a dot product at query time. The index is exact: every query scans
// all vectors, which is the right trade-off for library-sized
// collections (tens of thousands of tracks) and keeps post-filter
// semantics exact.
//
// The index persists to a single binary file and is rebuilt from the
// embeddings table when the configured model changes dimension.
package vecindex

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

var (
	// ErrDimensionMismatch means the persisted index was built for a
	// different vector dimension (or model) than the one configured.
	// Add and Search fail until the caller rebuilds explicitly.
	ErrDimensionMismatch = errors.New("index dimension does not match configured provider")

	// ErrInvalidVector means a vector's length does not match the
	// index dimension.
	ErrInvalidVector = errors.New("vector length does not match index dimension")
)

const (
	fileMagic   = 0x50584958 // "PXIX"
	fileVersion = 1
)

// Meta describes the persisted index.
type Meta struct {
	Model     string
	Dimension int
	Count     int
}

// Result is one search hit. Score is cosine similarity in [-1, 1].
type Result struct {
	ID    int64
	Score float32
}

// Index is a flat in-memory cosine index with file persistence.
// Safe for concurrent use; writes take an exclusive lock.
type Index struct {
	mu       sync.RWMutex
	path     string
	model    string
	dim      int
	ids      []int64
	vectors  [][]float32
	byID     map[int64]int
	mismatch bool
}

// Open loads the index at path, creating an empty one if the file does
// not exist. model and dim describe the configured embedding provider;
// if the persisted file disagrees, the index opens in a blocked state
// where Add and Search return ErrDimensionMismatch and only Rebuild
// clears it.
func Open(path, model string, dim int) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension %d", ErrInvalidVector, dim)
	}
	idx := &Index{
		path:  path,
		model: model,
		dim:   dim,
		byID:  make(map[int64]int),
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}
	defer f.Close()

	persisted, err := idx.readFrom(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("failed to read index %s: %w", path, err)
	}
	if persisted.Dimension != dim || persisted.Model != model {
		// Keep the persisted metadata visible so status output can
		// explain what the file holds, but block use.
		idx.model = persisted.Model
		idx.dim = persisted.Dimension
		idx.mismatch = true
	}
	return idx, nil
}

// Meta returns the current index metadata.
func (idx *Index) Meta() Meta {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return Meta{Model: idx.model, Dimension: idx.dim, Count: len(idx.ids)}
}

// Blocked reports whether the index is refusing work pending a rebuild.
func (idx *Index) Blocked() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.mismatch
}

// Add inserts or replaces the vector for id and persists the index.
func (idx *Index) Add(id int64, vector []float32) error {
	return idx.AddBatch(map[int64][]float32{id: vector})
}

// AddBatch inserts or replaces several vectors in one write.
func (idx *Index) AddBatch(vectors map[int64][]float32) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.mismatch {
		return ErrDimensionMismatch
	}
	for id, vec := range vectors {
		if len(vec) != idx.dim {
			return fmt.Errorf("%w: track %d has %d, index has %d",
				ErrInvalidVector, id, len(vec), idx.dim)
		}
		normalized := normalize(vec)
		if pos, ok := idx.byID[id]; ok {
			idx.vectors[pos] = normalized
			continue
		}
		idx.byID[id] = len(idx.ids)
		idx.ids = append(idx.ids, id)
		idx.vectors = append(idx.vectors, normalized)
	}
	return idx.save()
}

// Remove drops vectors by id. Missing ids are ignored.
func (idx *Index) Remove(ids []int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.mismatch {
		return ErrDimensionMismatch
	}
	drop := make(map[int64]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	keptIDs := idx.ids[:0]
	keptVecs := idx.vectors[:0]
	for i, id := range idx.ids {
		if drop[id] {
			continue
		}
		keptIDs = append(keptIDs, id)
		keptVecs = append(keptVecs, idx.vectors[i])
	}
	idx.ids = keptIDs
	idx.vectors = keptVecs
	idx.byID = make(map[int64]int, len(idx.ids))
	for i, id := range idx.ids {
		idx.byID[id] = i
	}
	return idx.save()
}

// Rebuild replaces the entire index contents. This is the only path
// that changes model or dimension; it clears a mismatch block.
func (idx *Index) Rebuild(model string, dim int, vectors map[int64][]float32) error {
	if dim <= 0 {
		return fmt.Errorf("%w: dimension %d", ErrInvalidVector, dim)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for id, vec := range vectors {
		if len(vec) != dim {
			return fmt.Errorf("%w: track %d has %d, rebuild wants %d",
				ErrInvalidVector, id, len(vec), dim)
		}
	}

	idx.model = model
	idx.dim = dim
	idx.mismatch = false
	idx.ids = make([]int64, 0, len(vectors))
	idx.vectors = make([][]float32, 0, len(vectors))
	idx.byID = make(map[int64]int, len(vectors))

	// Stable insertion order so the file is deterministic.
	ids := make([]int64, 0, len(vectors))
	for id := range vectors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		idx.byID[id] = len(idx.ids)
		idx.ids = append(idx.ids, id)
		idx.vectors = append(idx.vectors, normalize(vectors[id]))
	}
	return idx.save()
}

// Search returns the k most similar entries to query, most similar
// first. When allowed is non-nil, only ids present in it are
// considered. Equal scores break toward the lower id.
func (idx *Index) Search(query []float32, k int, allowed map[int64]bool) ([]Result, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.mismatch {
		return nil, ErrDimensionMismatch
	}
	if len(query) != idx.dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d",
			ErrInvalidVector, len(query), idx.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	q := normalize(query)
	results := make([]Result, 0, len(idx.ids))
	for i, id := range idx.ids {
		if allowed != nil && !allowed[id] {
			continue
		}
		results = append(results, Result{ID: id, Score: dot(q, idx.vectors[i])})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// save writes the index file atomically (write temp, rename).
// Caller holds the write lock.
func (idx *Index) save() error {
	if dir := filepath.Dir(idx.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create index directory: %w", err)
		}
	}
	tmp := idx.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := idx.writeTo(w); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write index: %w", err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to flush index: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close index file: %w", err)
	}
	if err := os.Rename(tmp, idx.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace index file: %w", err)
	}
	return nil
}

func (idx *Index) writeTo(w *bufio.Writer) error {
	for _, v := range []uint32{fileMagic, fileVersion} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	model := []byte(idx.model)
	if err := binary.Write(w, binary.LittleEndian, uint32(len(model))); err != nil {
		return err
	}
	if _, err := w.Write(model); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(idx.dim)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(idx.ids))); err != nil {
		return err
	}
	for i, id := range idx.ids {
		if err := binary.Write(w, binary.LittleEndian, id); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, idx.vectors[i]); err != nil {
			return err
		}
	}
	return nil
}

func (idx *Index) readFrom(r *bufio.Reader) (Meta, error) {
	var magic, version uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return Meta{}, err
	}
	if magic != fileMagic {
		return Meta{}, fmt.Errorf("not an index file (magic %#x)", magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return Meta{}, err
	}
	if version != fileVersion {
		return Meta{}, fmt.Errorf("unsupported index version %d", version)
	}

	var modelLen uint32
	if err := binary.Read(r, binary.LittleEndian, &modelLen); err != nil {
		return Meta{}, err
	}
	model := make([]byte, modelLen)
	if _, err := io.ReadFull(r, model); err != nil {
		return Meta{}, err
	}
	var dim, count uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return Meta{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return Meta{}, err
	}

	idx.ids = make([]int64, 0, count)
	idx.vectors = make([][]float32, 0, count)
	idx.byID = make(map[int64]int, count)
	for i := uint32(0); i < count; i++ {
		var id int64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return Meta{}, err
		}
		vec := make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, &vec); err != nil {
			return Meta{}, err
		}
		idx.byID[id] = len(idx.ids)
		idx.ids = append(idx.ids, id)
		idx.vectors = append(idx.vectors, vec)
	}
	return Meta{Model: string(model), Dimension: int(dim), Count: int(count)}, nil
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(v))
	if norm == 0 {
		return out
	}
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
