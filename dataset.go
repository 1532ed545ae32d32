package main

import (
	"io/fs"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"gonum.org/v1/gonum/spatial/r3"
)

// StructureSource provides training structures by index.
type StructureSource interface {
	Len() int
	Load(i int) (*Backbone, error)
}

// Dataset serves preprocessed backbones from a directory of PDB files.
// Parsed structures are kept in an LRU cache so large directories do not have
// to fit in memory.
type Dataset struct {
	paths       []string
	chain       byte
	maxResidues int
	coordScale  float64
	cache       *lru.Cache[string, *Backbone]
}

var pdbExtensions = []string{".pdb", ".ent", ".pdb.gz", ".ent.gz"}

// OpenDataset scans cfg.Dir for structure files, parses each once and keeps
// those with at least cfg.MinResidues residues. Files that fail to parse are
// logged and skipped.
func OpenDataset(cfg DataConfig, maxResidues int) (*Dataset, error) {
	if cfg.Dir == "" {
		return nil, errors.WithHint(errors.Wrap(ErrNoData, "no data directory configured"), "set data.dir or pass --data")
	}

	cache, err := lru.New[string, *Backbone](cfg.CacheSize)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "cache size %d: %v", cfg.CacheSize, err)
	}
	ds := &Dataset{
		maxResidues: maxResidues,
		coordScale:  cfg.CoordScale,
		cache:       cache,
	}
	if cfg.Chain != "" {
		ds.chain = cfg.Chain[0]
	}

	var candidates []string
	err = filepath.WalkDir(cfg.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && hasStructureExt(path) {
			candidates = append(candidates, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to scan %s", cfg.Dir)
	}
	slices.Sort(candidates)

	for _, path := range candidates {
		b, err := ds.read(path)
		if err != nil {
			logger.Warnw("skipping structure", "path", path, "error", err)
			continue
		}
		if b.Len() < cfg.MinResidues {
			logger.Debugw("skipping short structure", "path", path, "residues", b.Len())
			continue
		}
		ds.paths = append(ds.paths, path)
		ds.cache.Add(path, b)
	}

	if len(ds.paths) == 0 {
		return nil, errors.Wrapf(ErrNoData, "no usable structures under %s", cfg.Dir)
	}
	logger.Infow("dataset loaded", "dir", cfg.Dir, "structures", len(ds.paths), "skipped", len(candidates)-len(ds.paths))
	return ds, nil
}

func hasStructureExt(path string) bool {
	lower := strings.ToLower(path)
	for _, ext := range pdbExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// Len returns the number of usable structures.
func (ds *Dataset) Len() int {
	return len(ds.paths)
}

// Path returns the file behind structure i.
func (ds *Dataset) Path(i int) string {
	return ds.paths[i]
}

// Load returns preprocessed structure i. Callers may modify the result.
func (ds *Dataset) Load(i int) (*Backbone, error) {
	path := ds.paths[i]
	if b, ok := ds.cache.Get(path); ok {
		return b.Clone(), nil
	}

	b, err := ds.read(path)
	if err != nil {
		return nil, err
	}
	ds.cache.Add(path, b)
	return b.Clone(), nil
}

func (ds *Dataset) read(path string) (*Backbone, error) {
	b, err := ReadPDBFile(path, ds.chain)
	if err != nil {
		return nil, err
	}
	return PrepareBackbone(b, ds.maxResidues, ds.coordScale), nil
}

// PrepareBackbone crops b to its first maxResidues residues, renumbers
// residue indices from zero, centers it on its Cα centroid and divides
// coordinates by coordScale. Absent atoms are zeroed.
func PrepareBackbone(b *Backbone, maxResidues int, coordScale float64) *Backbone {
	out := b.Crop(0, maxResidues)
	if len(out.ResidueIndex) > 0 {
		first := out.ResidueIndex[0]
		for i := range out.ResidueIndex {
			out.ResidueIndex[i] -= first
		}
	}

	out.Transform(r3.Scale(-1, out.CAlphaCentroid()), 1/coordScale)
	out.ZeroAbsent()
	return out
}

// MemoryDataset is a StructureSource over structures already in memory.
type MemoryDataset []*Backbone

// Len returns the number of structures.
func (m MemoryDataset) Len() int { return len(m) }

// Load returns a copy of structure i.
func (m MemoryDataset) Load(i int) (*Backbone, error) {
	return m[i].Clone(), nil
}
