package mem

import (
	"errors"
	"fmt"
	"sync"
)

// Commonly used capacities.
const (
	KB uint64 = 1 << 10
	MB uint64 = 1 << 20
	GB uint64 = 1 << 30
)

// ErrOutOfCapacity is returned when an access falls beyond the end of a
// storage.
var ErrOutOfCapacity = errors.New("accessing address beyond the storage capacity")

// A Storage keeps the bytes of one address space.
//
// The storage manages the data in units, which are similar to pages. Units
// that are never touched by Read or Write are not allocated.
type Storage struct {
	sync.Mutex

	unitSize uint64
	capacity uint64
	data     map[uint64][]byte
}

// NewStorage creates a storage object with the specified capacity
func NewStorage(capacity uint64) *Storage {
	s := new(Storage)

	s.unitSize = 4 * KB
	s.capacity = capacity
	s.data = make(map[uint64][]byte)

	return s
}

// Capacity returns the number of bytes that the storage can hold.
func (s *Storage) Capacity() uint64 {
	return s.capacity
}

func (s *Storage) mustBeInRange(address, length uint64) error {
	if address+length > s.capacity || address+length < address {
		return fmt.Errorf("%w: [0x%x, 0x%x) capacity 0x%x",
			ErrOutOfCapacity, address, address+length, s.capacity)
	}

	return nil
}

func (s *Storage) createOrGetStorageUnit(address uint64) []byte {
	baseAddr, _ := s.parseAddress(address)

	unit, ok := s.data[baseAddr]
	if !ok {
		unit = make([]byte, s.unitSize)
		s.data[baseAddr] = unit
	}

	return unit
}

func (s *Storage) parseAddress(addr uint64) (baseAddr, inUnitAddr uint64) {
	inUnitAddr = addr % s.unitSize
	baseAddr = addr - inUnitAddr

	return
}

// Read returns a copy of length bytes starting at address.
func (s *Storage) Read(address uint64, length uint64) ([]byte, error) {
	s.Lock()
	defer s.Unlock()

	if err := s.mustBeInRange(address, length); err != nil {
		return nil, err
	}

	currAddr := address
	dataOffset := uint64(0)
	res := make([]byte, length)

	for dataOffset < length {
		unit := s.createOrGetStorageUnit(currAddr)
		_, inUnitAddr := s.parseAddress(currAddr)

		lenToRead := min(length-dataOffset, s.unitSize-inUnitAddr)

		copy(res[dataOffset:dataOffset+lenToRead],
			unit[inUnitAddr:inUnitAddr+lenToRead])
		dataOffset += lenToRead
		currAddr += lenToRead
	}

	return res, nil
}

// Write stores data starting at address.
func (s *Storage) Write(address uint64, data []byte) error {
	s.Lock()
	defer s.Unlock()

	if err := s.mustBeInRange(address, uint64(len(data))); err != nil {
		return err
	}

	currAddr := address
	dataOffset := uint64(0)
	length := uint64(len(data))

	for dataOffset < length {
		unit := s.createOrGetStorageUnit(currAddr)
		_, inUnitAddr := s.parseAddress(currAddr)

		lenToWrite := min(length-dataOffset, s.unitSize-inUnitAddr)

		copy(unit[inUnitAddr:inUnitAddr+lenToWrite],
			data[dataOffset:dataOffset+lenToWrite])
		dataOffset += lenToWrite
		currAddr += lenToWrite
	}

	return nil
}
