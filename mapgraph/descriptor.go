package mapgraph

import (
	"math/bits"
	"sort"
)

// descriptorWords is the number of 64-bit words in a 256-bit ORB descriptor.
const descriptorWords = 4

// Descriptor is a 256-bit binary ORB descriptor.
type Descriptor [descriptorWords]uint64

// HammingDistance returns the number of differing bits between a and b.
func HammingDistance(a, b Descriptor) int {
	dist := 0
	for i := 0; i < descriptorWords; i++ {
		dist += bits.OnesCount64(a[i] ^ b[i])
	}
	return dist
}

// MedianDistanceDescriptor returns the descriptor from descs with the smallest median Hamming
// distance to all the others, the representative descriptor a MapPoint recomputes whenever its
// observation set changes.
func MedianDistanceDescriptor(descs []Descriptor) Descriptor {
	n := len(descs)
	if n == 0 {
		return Descriptor{}
	}
	if n == 1 {
		return descs[0]
	}

	distances := make([][]int, n)
	for i := range distances {
		distances[i] = make([]int, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := HammingDistance(descs[i], descs[j])
			distances[i][j] = d
			distances[j][i] = d
		}
	}

	bestIdx := 0
	bestMedian := -1
	for i := 0; i < n; i++ {
		row := append([]int(nil), distances[i]...)
		sort.Ints(row)
		median := row[n/2]
		if bestMedian == -1 || median < bestMedian {
			bestMedian = median
			bestIdx = i
		}
	}
	return descs[bestIdx]
}
