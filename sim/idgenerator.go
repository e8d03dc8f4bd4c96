package sim

import (
	"strconv"
	"sync/atomic"
)

// IDGenerator hands out unique IDs.
type IDGenerator interface {
	Generate() string
}

var idGenerator IDGenerator = &sequentialIDGenerator{}

// GetIDGenerator returns the process-wide ID generator. IDs are decimal
// counters so that a run is reproducible.
func GetIDGenerator() IDGenerator {
	return idGenerator
}

type sequentialIDGenerator struct {
	next atomic.Uint64
}

func (g *sequentialIDGenerator) Generate() string {
	return strconv.FormatUint(g.next.Add(1), 10)
}
