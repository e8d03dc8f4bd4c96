// Package transaction correlates outstanding memory transactions with the
// operations that issued them.
package transaction

import "fmt"

// Kind tells which logical operation issued a transaction.
type Kind int

// The transaction kinds.
const (
	ReadCallPacket Kind = iota
	WriteReturnPacket
	DMAStep
	CacheRead
	CacheWrite
	numKinds
)

// Kinds returns all transaction kinds.
func Kinds() []Kind {
	kinds := make([]Kind, 0, numKinds)
	for k := ReadCallPacket; k < numKinds; k++ {
		kinds = append(kinds, k)
	}

	return kinds
}

func (k Kind) String() string {
	switch k {
	case ReadCallPacket:
		return "ReadCallPacket"
	case WriteReturnPacket:
		return "WriteReturnPacket"
	case DMAStep:
		return "DMAStep"
	case CacheRead:
		return "CacheRead"
	case CacheWrite:
		return "CacheWrite"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// A Context holds what an operation needs to resume when the response of
// its transaction arrives.
type Context interface {
	TransactionKind() Kind
}
