package main

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

// PDB coordinate files are fixed-column text. Only ATOM records of the first
// model are read, and only the four backbone atoms of each residue are kept.
//
//	columns  13-16 atom name   18-20 residue name   22 chain
//	         23-26 residue seq 27 insertion code    31-54 x, y, z

var backboneAtomSlots = map[string]AtomSlot{
	"N":  AtomN,
	"CA": AtomCA,
	"C":  AtomC,
	"O":  AtomO,
}

// ReadPDBFile parses path into a Backbone. Files ending in .gz are
// decompressed. chain selects a chain identifier; 0 takes the first chain
// that has backbone atoms.
func ReadPDBFile(path string, chain byte) (*Backbone, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()

	var r io.Reader = f
	if filepath.Ext(path) == ".gz" {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decompress %s", path)
		}
		defer gz.Close()
		r = gz
	}

	return ReadPDB(r, structureID(path), chain)
}

// structureID derives an identifier from a file name, dropping extensions.
func structureID(path string) string {
	base := filepath.Base(path)
	for _, ext := range []string{".gz", ".pdb", ".ent"} {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

type residueKey struct {
	seq   int
	icode byte
}

// ReadPDB parses PDB text into a Backbone.
func ReadPDB(r io.Reader, id string, chain byte) (*Backbone, error) {
	b := &Backbone{ID: id}
	if chain != 0 {
		b.ID = fmt.Sprintf("%s_%c", id, chain)
	}

	var (
		current  residueKey
		firstSeq int
		started  bool
		lineNo   int
	)

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) >= 6 && string(line[:6]) == "ENDMDL" && started {
			break
		}
		if len(line) < 54 || string(line[:6]) != "ATOM  " {
			continue
		}

		slot, ok := backboneAtomSlots[strings.TrimSpace(string(line[12:16]))]
		if !ok {
			continue
		}
		if alt := line[16]; alt != ' ' && alt != 'A' {
			continue
		}
		if chain == 0 {
			chain = line[21]
			b.ID = fmt.Sprintf("%s_%c", id, chain)
		}
		if line[21] != chain {
			continue
		}

		seq, err := strconv.Atoi(strings.TrimSpace(string(line[22:26])))
		if err != nil {
			return nil, errors.Wrapf(err, "%s line %d: bad residue number", id, lineNo)
		}
		pos, err := parseCoords(line)
		if err != nil {
			return nil, errors.Wrapf(err, "%s line %d", id, lineNo)
		}

		key := residueKey{seq: seq, icode: line[26]}
		if !started || key != current {
			if !started {
				firstSeq = seq
				started = true
			}
			current = key
			b.Coords = append(b.Coords, ResidueAtoms{})
			b.Mask = append(b.Mask, AtomMask{})
			b.ResidueIndex = append(b.ResidueIndex, seq-firstSeq)
		}

		last := len(b.Coords) - 1
		b.Coords[last][slot] = pos
		b.Mask[last][slot] = true
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", id)
	}

	if len(b.Coords) == 0 {
		return nil, errors.Wrapf(ErrNoData, "%s has no backbone atoms", b.ID)
	}
	return b, nil
}

func parseCoords(line []byte) (r3.Vec, error) {
	var xyz [3]float64
	for i := range xyz {
		field := strings.TrimSpace(string(line[30+8*i : 38+8*i]))
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return r3.Vec{}, errors.Wrapf(err, "bad coordinate %q", field)
		}
		xyz[i] = v
	}
	return r3.Vec{X: xyz[0], Y: xyz[1], Z: xyz[2]}, nil
}

// pdbAtomNames are the atom name fields, padded to the PDB convention for
// single-letter elements.
var pdbAtomNames = [NumAtomSlots]string{" N  ", " CA ", " C  ", " O  "}

var pdbElements = [NumAtomSlots]string{"N", "C", "C", "O"}

// WritePDB writes the present atoms of b as chain A glycine residues.
// Coordinates are multiplied by scale first.
func WritePDB(w io.Writer, b *Backbone, scale float64) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "REMARK   1 %s\n", b.ID)

	serial := 0
	for i, m := range b.Mask {
		for s, present := range m {
			if !present {
				continue
			}
			serial++
			v := r3.Scale(scale, b.Coords[i][s])
			fmt.Fprintf(bw, "ATOM  %5d %4s %3s %c%4d    %8.3f%8.3f%8.3f%6.2f%6.2f          %2s\n",
				serial%100000, pdbAtomNames[s], "GLY", 'A', (b.ResidueIndex[i]+1)%10000,
				v.X, v.Y, v.Z, 1.0, 0.0, pdbElements[s])
		}
	}
	fmt.Fprintln(bw, "TER")
	fmt.Fprintln(bw, "END")

	return errors.Wrap(bw.Flush(), "failed to write PDB")
}

// WritePDBFile writes b to path, creating parent directories.
func WritePDBFile(path string, b *Backbone, scale float64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create %s", filepath.Dir(path))
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	if err := WritePDB(f, b, scale); err != nil {
		f.Close()
		return err
	}
	return errors.Wrapf(f.Close(), "failed to close %s", path)
}
