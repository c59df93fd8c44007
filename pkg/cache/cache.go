// Package cache remembers the outputs of completed terrain runs, keyed by a
// digest of the producing device, the raster and the receptor positions.
// Recent results live in an in-memory LRU; when a directory is configured
// they are also spilled to disk as zstd-compressed msgpack so later
// processes can reuse them.
package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"terrainprep/pkg/dem"
)

const fileSuffix = ".msgpack.zst"

// Result holds the computed fields of every receptor of a run, in receptor
// order.
type Result struct {
	Elevation  []float64 `msgpack:"elevation"`
	HillHeight []float64 `msgpack:"hill_height"`
}

// Cache is safe for concurrent use. A nil *Cache never hits and ignores
// stores.
type Cache struct {
	mem *lru.Cache[string, *Result]
	dir string

	mu sync.Mutex // serializes spill file writes
}

// New returns a cache holding up to entries results in memory. With a
// non-empty dir, results are also written there. New returns nil, nil
// when both entries is zero and dir is empty.
func New(entries int, dir string) (*Cache, error) {
	if entries <= 0 && dir == "" {
		return nil, nil
	}
	c := &Cache{dir: dir}
	if entries > 0 {
		mem, err := lru.New[string, *Result](entries)
		if err != nil {
			return nil, err
		}
		c.mem = mem
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("cache directory: %w", err)
		}
	}
	return c, nil
}

// Key digests everything the outputs depend on: the producing device and
// precision (device), raster geometry, samples and receptor positions.
func Key(device string, r *dem.Raster, recs []dem.Receptor) string {
	h := sha256.New()
	var buf [8]byte
	putU := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	putF := func(v float64) { putU(math.Float64bits(v)) }

	putU(uint64(len(device)))
	h.Write([]byte(device))
	putU(uint64(r.Width))
	putU(uint64(r.Height))
	putF(r.OriginX)
	putF(r.OriginY)
	putF(r.ResX)
	putF(r.ResY)
	for _, v := range r.Samples {
		putF(v)
	}
	putU(uint64(len(recs)))
	for _, rec := range recs {
		putF(rec.X)
		putF(rec.Y)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get copies a cached result into recs. It reports false on a miss or when
// the stored result does not match the receptor count.
func (c *Cache) Get(key string, recs []dem.Receptor) bool {
	if c == nil {
		return false
	}
	res, ok := c.lookup(key)
	if !ok || len(res.Elevation) != len(recs) || len(res.HillHeight) != len(recs) {
		return false
	}
	for i := range recs {
		recs[i].Elevation = res.Elevation[i]
		recs[i].HillHeight = res.HillHeight[i]
	}
	return true
}

func (c *Cache) lookup(key string) (*Result, bool) {
	if c.mem != nil {
		if res, ok := c.mem.Get(key); ok {
			return res, true
		}
	}
	if c.dir == "" {
		return nil, false
	}
	res, err := c.readFile(key)
	if err != nil {
		return nil, false
	}
	if c.mem != nil {
		c.mem.Add(key, res)
	}
	return res, true
}

// Put stores the computed fields of recs under key.
func (c *Cache) Put(key string, recs []dem.Receptor) error {
	if c == nil {
		return nil
	}
	res := &Result{
		Elevation:  make([]float64, len(recs)),
		HillHeight: make([]float64, len(recs)),
	}
	for i, rec := range recs {
		res.Elevation[i] = rec.Elevation
		res.HillHeight[i] = rec.HillHeight
	}
	if c.mem != nil {
		c.mem.Add(key, res)
	}
	if c.dir == "" {
		return nil
	}
	return c.writeFile(key, res)
}

// Len returns the number of results held in memory.
func (c *Cache) Len() int {
	if c == nil || c.mem == nil {
		return 0
	}
	return c.mem.Len()
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key+fileSuffix)
}

func (c *Cache) writeFile(key string, res *Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Write to a temporary file and rename so readers never see a partial
	// spill.
	f, err := os.CreateTemp(c.dir, key+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := encode(f, res); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, c.path(key))
}

func encode(w io.Writer, res *Result) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	if err := msgpack.NewEncoder(zw).Encode(res); err != nil {
		zw.Close()
		return err
	}
	return zw.Close()
}

func (c *Cache) readFile(key string) (*Result, error) {
	f, err := os.Open(c.path(key))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var res Result
	if err := msgpack.NewDecoder(zr).Decode(&res); err != nil {
		return nil, err
	}
	if len(res.Elevation) != len(res.HillHeight) {
		return nil, errors.New("corrupt cache entry")
	}
	return &res, nil
}
