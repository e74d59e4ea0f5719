package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"gonum.org/v1/gonum/floats"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Every training identity owns one learned row of the discriminator's
// projection table. Rows are created once, when the first checkpoint is
// written, and afterwards only change through the discriminator optimizer,
// and only for identities present in the current batch.
//
// The table is an arena (one flat []float64, row i at [i*dim, (i+1)*dim))
// plus a sparse gradient map keyed by row. A row that no batch touched has
// no entry in the map, so the optimizer cannot update it.
//
// Persistence goes through ProjectionStore. The LevelDB implementation
// keeps one key per row and a few meta keys, so single rows can be read or
// rewritten without touching the rest of the table.
//
// ===========================================================================

// ProjectionTable is the per-identity projection arena.
type ProjectionTable struct {
	rows int
	dim  int
	data []float64

	grads map[int][]float64
}

// NewProjectionTable creates a zeroed table of rows × dim.
func NewProjectionTable(rows, dim int) *ProjectionTable {
	if rows <= 0 || dim <= 0 {
		panic(fmt.Sprintf("projection: invalid table size %d x %d", rows, dim))
	}
	return &ProjectionTable{
		rows:  rows,
		dim:   dim,
		data:  make([]float64, rows*dim),
		grads: make(map[int][]float64),
	}
}

// Rows returns the number of identities.
func (p *ProjectionTable) Rows() int { return p.rows }

// Dim returns the row width.
func (p *ProjectionTable) Dim() int { return p.dim }

// InitZero sets every row to zero.
func (p *ProjectionTable) InitZero() {
	for i := range p.data {
		p.data[i] = 0
	}
}

// InitRandom fills every row with U[0, 1), matching the usual random
// initialization of an identity row.
func (p *ProjectionTable) InitRandom(rng *rand.Rand) {
	for i := range p.data {
		p.data[i] = rng.Float64()
	}
}

// Row returns a copy of row i.
func (p *ProjectionTable) Row(i int) []float64 {
	out := make([]float64, p.dim)
	copy(out, p.view(i))
	return out
}

// SetRow overwrites row i.
func (p *ProjectionTable) SetRow(i int, v []float64) {
	if len(v) != p.dim {
		panic(fmt.Sprintf("projection: row of %d values, table width %d", len(v), p.dim))
	}
	copy(p.view(i), v)
}

// Gather returns the rows for idx as a (len(idx), dim) tensor.
func (p *ProjectionTable) Gather(idx []int) *Tensor {
	out := NewTensor(len(idx), p.dim)
	for b, id := range idx {
		copy(out.Row(b), p.view(id))
	}
	return out
}

func (p *ProjectionTable) view(i int) []float64 {
	if i < 0 || i >= p.rows {
		panic(fmt.Sprintf("projection: row %d out of range [0,%d)", i, p.rows))
	}
	return p.data[i*p.dim : (i+1)*p.dim]
}

// AccumulateGrad adds g to the gradient of row i and marks it touched.
func (p *ProjectionTable) AccumulateGrad(i int, g []float64) {
	p.view(i) // bounds check
	acc, ok := p.grads[i]
	if !ok {
		acc = make([]float64, p.dim)
		p.grads[i] = acc
	}
	floats.Add(acc, g)
}

// TouchedRows returns the rows with a gradient since the last ZeroGrad,
// in ascending order.
func (p *ProjectionTable) TouchedRows() []int {
	rows := make([]int, 0, len(p.grads))
	for i := range p.grads {
		rows = append(rows, i)
	}
	sort.Ints(rows)
	return rows
}

// RowGrad returns the accumulated gradient of row i, or nil if untouched.
func (p *ProjectionTable) RowGrad(i int) []float64 {
	return p.grads[i]
}

// ZeroGrad forgets every accumulated row gradient.
func (p *ProjectionTable) ZeroGrad() {
	p.grads = make(map[int][]float64)
}

// Clone returns a deep copy of the values (gradients are not copied).
func (p *ProjectionTable) Clone() *ProjectionTable {
	c := NewProjectionTable(p.rows, p.dim)
	copy(c.data, p.data)
	return c
}

// CopyFrom overwrites every row with the values of o, which must have the
// same size.
func (p *ProjectionTable) CopyFrom(o *ProjectionTable) error {
	if p.rows != o.rows || p.dim != o.dim {
		return errors.Wrapf(ErrIdentityCountMismatch, "table is %dx%d, stored table is %dx%d", p.rows, p.dim, o.rows, o.dim)
	}
	copy(p.data, o.data)
	return nil
}

// Equal reports whether both tables hold bit-identical values.
func (p *ProjectionTable) Equal(o *ProjectionTable) bool {
	if p.rows != o.rows || p.dim != o.dim {
		return false
	}
	for i := range p.data {
		if math.Float64bits(p.data[i]) != math.Float64bits(o.data[i]) {
			return false
		}
	}
	return true
}

// ===========================================================================
// SIDECAR STORE
// ===========================================================================

// ProjectionStore persists a projection table next to the checkpoint.
type ProjectionStore interface {
	// SaveTable replaces the stored table and records the step it belongs to.
	SaveTable(t *ProjectionTable, step int) error

	// LoadTable returns the stored table and its step. ErrNoCheckpoint is
	// returned if nothing was saved yet.
	LoadTable() (*ProjectionTable, int, error)

	// ReadRow returns one stored row.
	ReadRow(i int) ([]float64, error)

	// WriteRow overwrites one stored row.
	WriteRow(i int, v []float64) error

	Close() error
}

var (
	keyRows = []byte("meta/rows")
	keyDim  = []byte("meta/dim")
	keyStep = []byte("meta/step")
)

func rowKey(i int) []byte {
	return []byte(fmt.Sprintf("row/%08d", i))
}

// LevelDBProjectionStore keeps one LevelDB key per identity row.
type LevelDBProjectionStore struct {
	db *leveldb.DB
}

// OpenLevelDBProjectionStore opens (creating if needed) a store at dir.
func OpenLevelDBProjectionStore(dir string) (*LevelDBProjectionStore, error) {
	db, err := leveldb.OpenFile(dir, &opt.Options{
		OpenFilesCacheCapacity: 16,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening projection store %s", dir)
	}
	return &LevelDBProjectionStore{db: db}, nil
}

// NewMemProjectionStore returns a store backed by in-memory LevelDB storage.
func NewMemProjectionStore() (*LevelDBProjectionStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening in-memory projection store")
	}
	return &LevelDBProjectionStore{db: db}, nil
}

// SaveTable writes every row and the meta keys in one synced batch.
func (s *LevelDBProjectionStore) SaveTable(t *ProjectionTable, step int) error {
	batch := new(leveldb.Batch)
	for i := 0; i < t.rows; i++ {
		batch.Put(rowKey(i), encodeRow(t.view(i)))
	}
	batch.Put(keyRows, []byte(strconv.Itoa(t.rows)))
	batch.Put(keyDim, []byte(strconv.Itoa(t.dim)))
	batch.Put(keyStep, []byte(strconv.Itoa(step)))

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return errors.Wrap(err, "writing projection table")
	}
	return nil
}

// LoadTable reads the whole table back.
func (s *LevelDBProjectionStore) LoadTable() (*ProjectionTable, int, error) {
	rows, err := s.metaInt(keyRows)
	if err != nil {
		return nil, 0, err
	}
	dim, err := s.metaInt(keyDim)
	if err != nil {
		return nil, 0, err
	}
	step, err := s.metaInt(keyStep)
	if err != nil {
		return nil, 0, err
	}

	t := NewProjectionTable(rows, dim)
	for i := 0; i < rows; i++ {
		row, err := s.ReadRow(i)
		if err != nil {
			return nil, 0, err
		}
		if len(row) != dim {
			return nil, 0, errors.Errorf("projection row %d has %d values, expected %d", i, len(row), dim)
		}
		copy(t.view(i), row)
	}
	return t, step, nil
}

// ReadRow reads one row.
func (s *LevelDBProjectionStore) ReadRow(i int) ([]float64, error) {
	val, err := s.db.Get(rowKey(i), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "reading projection row %d", i)
	}
	return decodeRow(val)
}

// WriteRow overwrites one row. The row must be within the stored table.
func (s *LevelDBProjectionStore) WriteRow(i int, v []float64) error {
	rows, err := s.metaInt(keyRows)
	if err != nil {
		return err
	}
	if i < 0 || i >= rows {
		return errors.Errorf("projection row %d out of range [0,%d)", i, rows)
	}
	if err := s.db.Put(rowKey(i), encodeRow(v), &opt.WriteOptions{Sync: true}); err != nil {
		return errors.Wrapf(err, "writing projection row %d", i)
	}
	return nil
}

// Close releases the database.
func (s *LevelDBProjectionStore) Close() error {
	return s.db.Close()
}

func (s *LevelDBProjectionStore) metaInt(key []byte) (int, error) {
	val, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return 0, ErrNoCheckpoint
	}
	if err != nil {
		return 0, errors.Wrapf(err, "reading %s", key)
	}
	n, err := strconv.Atoi(string(val))
	if err != nil {
		return 0, errors.Wrapf(err, "parsing %s", key)
	}
	return n, nil
}

func encodeRow(v []float64) []byte {
	buf := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(x))
	}
	return buf
}

func decodeRow(buf []byte) ([]float64, error) {
	if len(buf)%8 != 0 {
		return nil, errors.Errorf("projection row of %d bytes", len(buf))
	}
	v := make([]float64, len(buf)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i:]))
	}
	return v, nil
}
