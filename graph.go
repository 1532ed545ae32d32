package main

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"gonum.org/v1/gonum/spatial/r3"
)

// EdgeKind selects how message-passing edges are chosen.
type EdgeKind int

const (
	// EdgeFullyConnected connects every ordered pair of distinct atoms.
	EdgeFullyConnected EdgeKind = iota
	// EdgeKNN connects each atom to its K nearest atoms.
	EdgeKNN
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeFullyConnected:
		return "full"
	case EdgeKNN:
		return "knn"
	default:
		return fmt.Sprintf("EdgeKind(%d)", int(k))
	}
}

// EdgePolicy is an edge kind plus its neighbour count for EdgeKNN.
type EdgePolicy struct {
	Kind EdgeKind
	K    int
}

// ParseEdgePolicy maps configuration values to an EdgePolicy.
func ParseEdgePolicy(kind string, k int) (EdgePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "full", "fully_connected", "":
		return EdgePolicy{Kind: EdgeFullyConnected}, nil
	case "knn":
		if k < 1 {
			return EdgePolicy{}, errors.Wrapf(ErrInvalidConfig, "knn edge policy needs k >= 1, got %d", k)
		}
		return EdgePolicy{Kind: EdgeKNN, K: k}, nil
	default:
		return EdgePolicy{}, errors.Wrapf(ErrInvalidConfig, "unknown edge policy %q", kind)
	}
}

// EdgeList holds directed edges as parallel index slices. Edge e carries a
// message from node Send[e] to node Recv[e]; edges are grouped by receiver in
// ascending order.
type EdgeList struct {
	Recv []int
	Send []int
}

// Len returns the number of edges.
func (e EdgeList) Len() int {
	return len(e.Recv)
}

// BuildEdges derives the edge list for the given node positions.
func BuildEdges(policy EdgePolicy, pos []r3.Vec) EdgeList {
	n := len(pos)
	if policy.Kind == EdgeKNN && policy.K < n-1 {
		return knnEdges(pos, policy.K)
	}

	edges := EdgeList{
		Recv: make([]int, 0, n*(n-1)),
		Send: make([]int, 0, n*(n-1)),
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j {
				edges.Recv = append(edges.Recv, i)
				edges.Send = append(edges.Send, j)
			}
		}
	}
	return edges
}

// knnEdges links every node to its k nearest neighbours by distance, breaking
// ties by the lower node index so the result is deterministic.
func knnEdges(pos []r3.Vec, k int) EdgeList {
	type candidate struct {
		dist float64
		j    int
	}

	n := len(pos)
	edges := EdgeList{
		Recv: make([]int, 0, n*k),
		Send: make([]int, 0, n*k),
	}
	cands := make([]candidate, 0, n-1)
	for i := 0; i < n; i++ {
		cands = cands[:0]
		for j := 0; j < n; j++ {
			if j != i {
				cands = append(cands, candidate{dist: r3.Norm2(r3.Sub(pos[j], pos[i])), j: j})
			}
		}
		slices.SortFunc(cands, func(a, b candidate) int {
			if c := cmp.Compare(a.dist, b.dist); c != 0 {
				return c
			}
			return cmp.Compare(a.j, b.j)
		})
		for _, c := range cands[:k] {
			edges.Recv = append(edges.Recv, i)
			edges.Send = append(edges.Send, c.j)
		}
	}
	return edges
}
