package main

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestParseEdgePolicy(t *testing.T) {
	tests := []struct {
		kind    string
		k       int
		want    EdgePolicy
		wantErr bool
	}{
		{kind: "full", want: EdgePolicy{Kind: EdgeFullyConnected}},
		{kind: "", want: EdgePolicy{Kind: EdgeFullyConnected}},
		{kind: "Fully_Connected", want: EdgePolicy{Kind: EdgeFullyConnected}},
		{kind: "knn", k: 8, want: EdgePolicy{Kind: EdgeKNN, K: 8}},
		{kind: "knn", k: 0, wantErr: true},
		{kind: "radius", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			got, err := ParseEdgePolicy(tt.kind, tt.k)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidConfig))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func linePoints(n int) []r3.Vec {
	pos := make([]r3.Vec, n)
	for i := range pos {
		pos[i] = r3.Vec{X: float64(i)}
	}
	return pos
}

func TestFullyConnectedEdges(t *testing.T) {
	edges := BuildEdges(EdgePolicy{Kind: EdgeFullyConnected}, linePoints(4))
	require.Equal(t, 12, edges.Len())

	seen := map[[2]int]bool{}
	for e := range edges.Len() {
		assert.NotEqual(t, edges.Recv[e], edges.Send[e])
		if e > 0 {
			assert.LessOrEqual(t, edges.Recv[e-1], edges.Recv[e])
		}
		seen[[2]int{edges.Recv[e], edges.Send[e]}] = true
	}
	assert.Len(t, seen, 12)
}

func TestKNNEdges(t *testing.T) {
	edges := BuildEdges(EdgePolicy{Kind: EdgeKNN, K: 2}, linePoints(5))
	require.Equal(t, 10, edges.Len())

	neighbours := map[int][]int{}
	for e := range edges.Len() {
		neighbours[edges.Recv[e]] = append(neighbours[edges.Recv[e]], edges.Send[e])
	}
	assert.Equal(t, []int{1, 2}, neighbours[0])
	// Nodes 1 and 3 are equally close to 2; the lower index comes first.
	assert.Equal(t, []int{1, 3}, neighbours[2])
	assert.Equal(t, []int{3, 2}, neighbours[4])
}

func TestKNNFallsBackToFullWhenKCoversGraph(t *testing.T) {
	full := BuildEdges(EdgePolicy{Kind: EdgeFullyConnected}, linePoints(4))
	knn := BuildEdges(EdgePolicy{Kind: EdgeKNN, K: 3}, linePoints(4))
	assert.Equal(t, full, knn)

	knn = BuildEdges(EdgePolicy{Kind: EdgeKNN, K: 10}, linePoints(4))
	assert.Equal(t, full, knn)
}

func TestEdgesOnTinyGraphs(t *testing.T) {
	for _, policy := range []EdgePolicy{{Kind: EdgeFullyConnected}, {Kind: EdgeKNN, K: 4}} {
		assert.Equal(t, 0, BuildEdges(policy, nil).Len(), policy.Kind.String())
		assert.Equal(t, 0, BuildEdges(policy, linePoints(1)).Len(), policy.Kind.String())
	}
}
