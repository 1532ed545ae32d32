package main

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"
)

// AtomSlot identifies one of the four backbone atoms of a residue.
type AtomSlot int

const (
	AtomN AtomSlot = iota
	AtomCA
	AtomC
	AtomO

	// NumAtomSlots is the number of backbone atoms tracked per residue.
	NumAtomSlots = 4
)

var atomSlotNames = [NumAtomSlots]string{"N", "CA", "C", "O"}

func (s AtomSlot) String() string {
	if s < 0 || int(s) >= NumAtomSlots {
		return fmt.Sprintf("AtomSlot(%d)", int(s))
	}
	return atomSlotNames[s]
}

// ResidueAtoms holds the coordinates of one residue's backbone atoms, indexed
// by AtomSlot.
type ResidueAtoms [NumAtomSlots]r3.Vec

// AtomMask marks which backbone atoms of a residue are present.
type AtomMask [NumAtomSlots]bool

// Backbone is one protein backbone: per-residue atom coordinates, the
// presence mask and residue sequence indices. Coordinates of absent atoms are
// carried but ignored.
type Backbone struct {
	ID           string
	Coords       []ResidueAtoms
	Mask         []AtomMask
	ResidueIndex []int
}

// NewBackboneTemplate returns an n-residue backbone with every atom present,
// consecutive residue indices and zero coordinates. It is the starting point
// for unconditional sampling.
func NewBackboneTemplate(n int) *Backbone {
	b := &Backbone{
		ID:           fmt.Sprintf("sample-%d", n),
		Coords:       make([]ResidueAtoms, n),
		Mask:         make([]AtomMask, n),
		ResidueIndex: make([]int, n),
	}
	for i := range b.Mask {
		b.Mask[i] = AtomMask{true, true, true, true}
		b.ResidueIndex[i] = i
	}
	return b
}

// Len returns the number of residues.
func (b *Backbone) Len() int {
	return len(b.Coords)
}

// Validate checks that the per-residue slices agree in length and that at
// least one atom is present.
func (b *Backbone) Validate() error {
	if b == nil {
		return errors.Wrap(ErrShapeMismatch, "nil backbone")
	}
	if len(b.Mask) != len(b.Coords) || len(b.ResidueIndex) != len(b.Coords) {
		return errors.WithDetailf(
			errors.Wrapf(ErrShapeMismatch, "backbone %q", b.ID),
			"%d coordinate rows, %d mask rows, %d residue indices",
			len(b.Coords), len(b.Mask), len(b.ResidueIndex))
	}
	if b.PresentAtoms() == 0 {
		return errors.Wrapf(ErrInvalidMask, "backbone %q has no present atoms", b.ID)
	}
	return nil
}

// PresentAtoms counts atoms marked present.
func (b *Backbone) PresentAtoms() int {
	n := 0
	for _, m := range b.Mask {
		for _, p := range m {
			if p {
				n++
			}
		}
	}
	return n
}

// Clone returns a deep copy.
func (b *Backbone) Clone() *Backbone {
	return &Backbone{
		ID:           b.ID,
		Coords:       append([]ResidueAtoms(nil), b.Coords...),
		Mask:         append([]AtomMask(nil), b.Mask...),
		ResidueIndex: append([]int(nil), b.ResidueIndex...),
	}
}

// WithCoords returns a copy of b that uses coords in place of its own.
func (b *Backbone) WithCoords(coords []ResidueAtoms) *Backbone {
	out := b.Clone()
	out.Coords = coords
	return out
}

// PresentCoords returns the coordinates of present atoms in residue-major,
// slot-minor order.
func (b *Backbone) PresentCoords() []r3.Vec {
	out := make([]r3.Vec, 0, b.PresentAtoms())
	b.eachPresent(func(_ int, _ AtomSlot, v r3.Vec) {
		out = append(out, v)
	})
	return out
}

// eachPresent calls fn for every present atom in residue-major order.
func (b *Backbone) eachPresent(fn func(res int, slot AtomSlot, v r3.Vec)) {
	for i, m := range b.Mask {
		for s, present := range m {
			if present {
				fn(i, AtomSlot(s), b.Coords[i][s])
			}
		}
	}
}

// CAlphaCentroid returns the mean position of present Cα atoms, or of all
// present atoms when no Cα is present.
func (b *Backbone) CAlphaCentroid() r3.Vec {
	var sum r3.Vec
	n := 0
	for i, m := range b.Mask {
		if m[AtomCA] {
			sum = r3.Add(sum, b.Coords[i][AtomCA])
			n++
		}
	}
	if n == 0 {
		for _, v := range b.PresentCoords() {
			sum = r3.Add(sum, v)
			n++
		}
	}
	if n == 0 {
		return r3.Vec{}
	}
	return r3.Scale(1/float64(n), sum)
}

// Transform applies v → scale·(v + shift) to every atom in place.
func (b *Backbone) Transform(shift r3.Vec, scale float64) {
	for i := range b.Coords {
		for s := range b.Coords[i] {
			b.Coords[i][s] = r3.Scale(scale, r3.Add(b.Coords[i][s], shift))
		}
	}
}

// ZeroAbsent sets the coordinates of absent atoms to the origin.
func (b *Backbone) ZeroAbsent() {
	for i, m := range b.Mask {
		for s, present := range m {
			if !present {
				b.Coords[i][s] = r3.Vec{}
			}
		}
	}
}

// Crop keeps at most n residues starting at residue start.
func (b *Backbone) Crop(start, n int) *Backbone {
	end := min(start+n, b.Len())
	return &Backbone{
		ID:           b.ID,
		Coords:       append([]ResidueAtoms(nil), b.Coords[start:end]...),
		Mask:         append([]AtomMask(nil), b.Mask[start:end]...),
		ResidueIndex: append([]int(nil), b.ResidueIndex[start:end]...),
	}
}

// CoordStats summarizes the present coordinates of a structure.
type CoordStats struct {
	Mean float64
	Std  float64
	Min  float64
	Max  float64
}

// Stats returns the mean, standard deviation and range over every present
// coordinate component.
func (b *Backbone) Stats() CoordStats {
	vals := make([]float64, 0, 3*b.PresentAtoms())
	b.eachPresent(func(_ int, _ AtomSlot, v r3.Vec) {
		vals = append(vals, v.X, v.Y, v.Z)
	})
	if len(vals) == 0 {
		return CoordStats{}
	}

	st := CoordStats{Min: vals[0], Max: vals[0]}
	st.Mean, st.Std = stat.PopMeanStdDev(vals, nil)
	for _, v := range vals {
		st.Min = min(st.Min, v)
		st.Max = max(st.Max, v)
	}
	return st
}
