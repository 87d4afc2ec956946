package store

import (
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// IVF+PQ tuning constants. NList*39 is the IVF rule of thumb for minimum
// training set size (roughly 39 points per Voronoi cell for a stable
// k-means fit); below that threshold the index stays in exact flat mode.
const (
	defaultNList     = 256
	defaultM         = 16  // number of PQ subvectors
	defaultNBits     = 8   // bits per subvector code (256 centroids/subspace)
	defaultKFactorRF = 10  // refinement pool size multiplier
	defaultNProbe    = 10  // coarse cells probed at search time
	kmeansIterations = 15
)

func trainingThreshold(nlist int) int { return nlist * 39 }

// IVFPQIndex is a dense ANN index that starts as an exact flat inner-product
// index over L2-normalized vectors and promotes itself, once, to a trained
// IVF+PQ index once it has accumulated trainingThreshold(NList) vectors. The
// promotion is one-shot: once trained, new vectors are encoded against the
// existing coarse/PQ codebooks rather than retraining.
//
// Exact vectors are always retained (in memory and on disk) to support
// RFlat-style refinement: approximate PQ distances are used only to shortlist
// a KFactorRF*topK candidate pool, which is then re-scored exactly.
type IVFPQIndex struct {
	mu sync.RWMutex

	dim       int
	nlist     int
	m         int
	nbits     int
	kFactorRF int
	nprobe    int

	trained bool

	order   []DocID
	vectors map[DocID][]float32

	coarseCentroids [][]float32        // nlist x dim
	codebooks       [][][]float32      // m x 256 x subDim
	codes           map[DocID][]byte   // m bytes per doc
	invLists        map[int][]DocID    // coarse cluster -> doc ids
}

// IVFPQOptions overrides the default IVF+PQ tuning constants, mirroring
// config.VectorConfig's nlist/m/nbits/nprobe/k_factor_rf fields. A zero value
// for any field leaves the corresponding default in place.
type IVFPQOptions struct {
	NList     int
	M         int
	NBits     int
	NProbe    int
	KFactorRF int
}

// NewIVFPQIndex creates an index for vectors of the given dimension, starting
// in exact flat mode, using the default tuning constants.
func NewIVFPQIndex(dim int) *IVFPQIndex {
	return NewIVFPQIndexWithOptions(dim, IVFPQOptions{})
}

// NewIVFPQIndexWithOptions creates an index for vectors of the given
// dimension, applying any non-zero overrides in opts.
func NewIVFPQIndexWithOptions(dim int, opts IVFPQOptions) *IVFPQIndex {
	idx := &IVFPQIndex{
		dim:       dim,
		nlist:     defaultNList,
		m:         defaultM,
		nbits:     defaultNBits,
		kFactorRF: defaultKFactorRF,
		nprobe:    defaultNProbe,
		vectors:   make(map[DocID][]float32),
		codes:     make(map[DocID][]byte),
		invLists:  make(map[int][]DocID),
	}
	if opts.NList > 0 {
		idx.nlist = opts.NList
	}
	if opts.M > 0 {
		idx.m = opts.M
	}
	if opts.NBits > 0 {
		idx.nbits = opts.NBits
	}
	if opts.NProbe > 0 {
		idx.nprobe = opts.NProbe
	}
	if opts.KFactorRF > 0 {
		idx.kFactorRF = opts.KFactorRF
	}
	return idx
}

func normalize(v []float32) []float32 {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm < 1e-12 {
		norm = 1e-12
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// Add implements VectorIndex.
func (idx *IVFPQIndex) Add(ctx context.Context, vecs [][]float32) ([]DocID, error) {
	if len(vecs) == 0 {
		return nil, nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	start := DocID(len(idx.order))
	ids := make([]DocID, len(vecs))
	for i, v := range vecs {
		if len(v) != idx.dim {
			return nil, ErrDimensionMismatch{Expected: idx.dim, Got: len(v)}
		}
		id := start + DocID(i)
		nv := normalize(v)
		ids[i] = id
		idx.order = append(idx.order, id)
		idx.vectors[id] = nv

		if idx.trained {
			idx.assignAndEncode(id, nv)
		}
	}

	if !idx.trained && len(idx.order) >= trainingThreshold(idx.nlist) {
		idx.train()
	}
	return ids, nil
}

// train runs coarse k-means and per-subspace PQ k-means over every vector
// accumulated so far, then encodes them all. This runs exactly once.
func (idx *IVFPQIndex) train() {
	all := make([][]float32, len(idx.order))
	for i, id := range idx.order {
		all[i] = idx.vectors[id]
	}

	idx.coarseCentroids = kmeans(all, idx.nlist, kmeansIterations)

	subDim := idx.dim / idx.m
	idx.codebooks = make([][][]float32, idx.m)
	for j := 0; j < idx.m; j++ {
		sub := make([][]float32, len(all))
		for i, v := range all {
			sub[i] = v[j*subDim : (j+1)*subDim]
		}
		idx.codebooks[j] = kmeans(sub, 1<<uint(idx.nbits), kmeansIterations)
	}

	idx.invLists = make(map[int][]DocID, idx.nlist)
	for _, id := range idx.order {
		idx.assignAndEncode(id, idx.vectors[id])
	}
	idx.trained = true
}

func (idx *IVFPQIndex) assignAndEncode(id DocID, v []float32) {
	cluster := nearestCentroid(v, idx.coarseCentroids)
	idx.invLists[cluster] = append(idx.invLists[cluster], id)

	subDim := idx.dim / idx.m
	code := make([]byte, idx.m)
	for j := 0; j < idx.m; j++ {
		sub := v[j*subDim : (j+1)*subDim]
		code[j] = byte(nearestCentroid(sub, idx.codebooks[j]))
	}
	idx.codes[id] = code
}

// nearestCentroid returns the index of the centroid minimizing squared
// Euclidean distance to v. Vectors are unit-normalized, so this is equivalent
// to maximizing inner product.
func nearestCentroid(v []float32, centroids [][]float32) int {
	best, bestDist := 0, math.MaxFloat64
	for i, c := range centroids {
		d := sqDist(v, c)
		if d < bestDist {
			bestDist, best = d, i
		}
	}
	return best
}

func sqDist(a, b []float32) float64 {
	var s float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		s += d * d
	}
	return s
}

// kmeans runs a fixed number of Lloyd's-algorithm iterations over points,
// returning k centroids. Centroids are initialized from randomly chosen
// points (k-means++-free, since the corpus sizes here keep plain random
// restarts from converging adequately within the iteration budget).
func kmeans(points [][]float32, k int, iters int) [][]float32 {
	if len(points) == 0 {
		return make([][]float32, k)
	}
	if k > len(points) {
		k = len(points)
	}
	dim := len(points[0])

	perm := rand.Perm(len(points))
	centroids := make([][]float32, k)
	for i := 0; i < k; i++ {
		centroids[i] = append([]float32(nil), points[perm[i]]...)
	}

	assignments := make([]int, len(points))
	for iter := 0; iter < iters; iter++ {
		for i, p := range points {
			assignments[i] = nearestCentroid(p, centroids)
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, dim)
		}
		for i, p := range points {
			c := assignments[i]
			counts[c]++
			for d := 0; d < dim; d++ {
				sums[c][d] += float64(p[d])
			}
		}

		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				centroids[c] = append([]float32(nil), points[rand.Intn(len(points))]...)
				continue
			}
			nc := make([]float32, dim)
			for d := 0; d < dim; d++ {
				nc[d] = float32(sums[c][d] / float64(counts[c]))
			}
			centroids[c] = nc
		}
	}
	return centroids
}

// Search implements VectorIndex.
func (idx *IVFPQIndex) Search(ctx context.Context, query []float32, topK int) ([]VectorResult, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(query) != idx.dim {
		return nil, ErrDimensionMismatch{Expected: idx.dim, Got: len(query)}
	}
	if len(idx.order) == 0 {
		return nil, nil
	}
	q := normalize(query)

	if !idx.trained {
		return idx.exactSearch(q, topK, idx.order), nil
	}

	type cellDist struct {
		cell int
		sim  float32
	}
	cells := make([]cellDist, len(idx.coarseCentroids))
	for i, c := range idx.coarseCentroids {
		cells[i] = cellDist{cell: i, sim: dot(q, c)}
	}
	sort.Slice(cells, func(i, j int) bool { return cells[i].sim > cells[j].sim })

	nprobe := idx.nprobe
	if nprobe > len(cells) {
		nprobe = len(cells)
	}

	subDim := idx.dim / idx.m
	table := make([][]float32, idx.m)
	for j := 0; j < idx.m; j++ {
		qsub := q[j*subDim : (j+1)*subDim]
		table[j] = make([]float32, len(idx.codebooks[j]))
		for c, centroid := range idx.codebooks[j] {
			table[j][c] = dot(qsub, centroid)
		}
	}

	type approx struct {
		id  DocID
		sim float32
	}
	var candidates []approx
	for p := 0; p < nprobe; p++ {
		for _, id := range idx.invLists[cells[p].cell] {
			code := idx.codes[id]
			var sim float32
			for j := 0; j < idx.m; j++ {
				sim += table[j][code[j]]
			}
			candidates = append(candidates, approx{id: id, sim: sim})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })

	poolSize := topK * idx.kFactorRF
	if poolSize > len(candidates) || poolSize <= 0 {
		poolSize = len(candidates)
	}
	poolIDs := make([]DocID, poolSize)
	for i := 0; i < poolSize; i++ {
		poolIDs[i] = candidates[i].id
	}
	return idx.exactSearch(q, topK, poolIDs), nil
}

func (idx *IVFPQIndex) exactSearch(q []float32, topK int, candidates []DocID) []VectorResult {
	results := make([]VectorResult, 0, len(candidates))
	for _, id := range candidates {
		v, ok := idx.vectors[id]
		if !ok {
			continue
		}
		results = append(results, VectorResult{DocID: id, Score: dot(q, v)})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].DocID < results[j].DocID
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}

// Stats implements VectorIndex.
func (idx *IVFPQIndex) Stats() VectorStats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return VectorStats{
		Count:   len(idx.order),
		Trained: idx.trained,
		NList:   idx.nlist,
		M:       idx.m,
		NBits:   idx.nbits,
	}
}

// persistedIVFPQIndex is the gob-serializable snapshot of an IVFPQIndex,
// keeping metadata and vector payload together in one file since there is
// no external graph library payload to stream separately.
type persistedIVFPQIndex struct {
	Dim       int
	NList     int
	M         int
	NBits     int
	KFactorRF int
	NProbe    int
	Trained   bool

	Order   []DocID
	Vectors map[DocID][]float32

	CoarseCentroids [][]float32
	Codebooks       [][][]float32
	Codes           map[DocID][]byte
	InvLists        map[int][]DocID
}

// Save implements VectorIndex, writing atomically via a temp-file-then-rename
// so a crash mid-write never leaves a truncated index on disk.
func (idx *IVFPQIndex) Save(path string) error {
	idx.mu.RLock()
	snap := persistedIVFPQIndex{
		Dim: idx.dim, NList: idx.nlist, M: idx.m, NBits: idx.nbits,
		KFactorRF: idx.kFactorRF, NProbe: idx.nprobe, Trained: idx.trained,
		Order: idx.order, Vectors: idx.vectors,
		CoarseCentroids: idx.coarseCentroids, Codebooks: idx.codebooks,
		Codes: idx.codes, InvLists: idx.invLists,
	}
	idx.mu.RUnlock()

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".ivfpq-*.tmp")
	if err != nil {
		return fmt.Errorf("vector save temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := gob.NewEncoder(tmp).Encode(&snap); err != nil {
		tmp.Close()
		return fmt.Errorf("vector save encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vector save close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("vector save rename: %w", err)
	}
	return nil
}

// Load implements VectorIndex. It reads only the gob snapshot written by
// Save; no other on-disk format is recognised. A snapshot saved in temp
// mode loads in temp mode, and Add's threshold check trains the index on
// the next write once enough vectors are present.
func (idx *IVFPQIndex) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("vector load open: %w", err)
	}
	defer f.Close()

	var snap persistedIVFPQIndex
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return fmt.Errorf("vector load decode: %w", err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.dim = snap.Dim
	idx.nlist = snap.NList
	idx.m = snap.M
	idx.nbits = snap.NBits
	idx.kFactorRF = snap.KFactorRF
	idx.nprobe = snap.NProbe
	idx.trained = snap.Trained
	idx.order = snap.Order
	idx.vectors = snap.Vectors
	idx.coarseCentroids = snap.CoarseCentroids
	idx.codebooks = snap.Codebooks
	idx.codes = snap.Codes
	idx.invLists = snap.InvLists
	if idx.vectors == nil {
		idx.vectors = make(map[DocID][]float32)
	}
	if idx.codes == nil {
		idx.codes = make(map[DocID][]byte)
	}
	if idx.invLists == nil {
		idx.invLists = make(map[int][]DocID)
	}
	return nil
}

// Close implements VectorIndex. The index holds no OS resources beyond what
// Save/Load already manage explicitly, so Close is a no-op kept for interface
// symmetry with the other stores.
func (idx *IVFPQIndex) Close() error { return nil }

var _ VectorIndex = (*IVFPQIndex)(nil)
