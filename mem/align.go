package mem

// AlignmentGranularity is the boundary that no single sub-transfer may cross.
const AlignmentGranularity uint64 = 64

// A Chunk is one sub-transfer of a larger byte range.
type Chunk struct {
	Addr uint64
	Size uint64
}

// NextChunkSize returns the size of the next sub-transfer of a range that
// starts at addr and has remaining bytes left. The returned chunk never
// crosses a multiple of granularity.
func NextChunkSize(addr, remaining, granularity uint64) uint64 {
	if granularity == 0 {
		panic("granularity must be positive")
	}

	inLine := addr % granularity
	if inLine+remaining <= granularity {
		return remaining
	}

	return granularity - inLine
}

// SplitAligned decomposes [addr, addr+size) into chunks that never cross a
// granularity boundary.
func SplitAligned(addr, size, granularity uint64) []Chunk {
	chunks := make([]Chunk, 0, size/granularity+2)

	for size > 0 {
		n := NextChunkSize(addr, size, granularity)
		chunks = append(chunks, Chunk{Addr: addr, Size: n})
		addr += n
		size -= n
	}

	return chunks
}
