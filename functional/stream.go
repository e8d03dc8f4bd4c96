package functional

import (
	"log"

	"github.com/sarchlab/gpuproxy/callpacket"
	"go.uber.org/zap"
)

type lineAccess struct {
	addr  uint64
	write bool
}

// An operation is a kernel or a copy. Operations run one at a time, in the
// order they are queued. The functional effect happens when the operation
// starts; it completes when all its cache traffic is answered.
type operation struct {
	name    string
	prepare func() ([]lineAccess, error)
	onError callpacket.ErrorCode
	done    func(callpacket.ErrorCode)

	code     callpacket.ErrorCode
	lines    []lineAccess
	next     int
	inFlight int
}

func (op *operation) finished() bool {
	return op.next == len(op.lines) && op.inFlight == 0
}

func (m *Model) enqueue(op *operation) {
	m.stream = append(m.stream, op)
}

// lines returns the cache lines that cover [addr, addr+size).
func (m *Model) lines(addr, size uint64, write bool) []lineAccess {
	if size == 0 {
		return nil
	}

	var out []lineAccess

	first := addr / m.lineSize * m.lineSize
	for a := first; a < addr+size; a += m.lineSize {
		out = append(out, lineAccess{addr: a, write: write})
	}

	return out
}

// Tick advances the operation at the head of the stream.
func (m *Model) Tick() bool {
	madeProgress := false

	if m.current == nil {
		if len(m.stream) == 0 {
			return false
		}

		m.current = m.stream[0]
		m.stream = m.stream[1:]
		m.start(m.current)
		madeProgress = true
	}

	madeProgress = m.issueTraffic(m.current) || madeProgress

	if m.current.finished() {
		op := m.current
		m.current = nil
		m.finish(op)
		madeProgress = true
	}

	return madeProgress
}

func (m *Model) start(op *operation) {
	lines, err := op.prepare()
	if err != nil {
		op.code = op.onError
		m.logger.Warn("operation failed",
			zap.String("op", op.name), zap.Error(err))

		return
	}

	if m.host == nil || m.host.NumCacheLinks() == 0 {
		return
	}

	op.lines = lines
}

func (m *Model) finish(op *operation) {
	if op.code != callpacket.Success {
		m.lastError = op.code
	}

	m.logger.Debug("operation completed",
		zap.String("op", op.name),
		zap.Int("cache_lines", len(op.lines)),
		zap.Stringer("error", op.code))

	if op.done != nil {
		op.done(op.code)
	}
}

// issueTraffic sends the lines of an operation round-robin over the cache
// links, as long as some link can take a request.
func (m *Model) issueTraffic(op *operation) bool {
	madeProgress := false

	for op.next < len(op.lines) {
		core, ok := m.pickCore()
		if !ok {
			break
		}

		if !m.issueLine(core, op.lines[op.next]) {
			break
		}

		m.outstanding[m.nextToken] = op
		m.nextToken++
		op.next++
		op.inFlight++
		madeProgress = true
	}

	return madeProgress
}

func (m *Model) pickCore() (int, bool) {
	n := m.host.NumCacheLinks()

	for i := 0; i < n; i++ {
		core := (m.nextCore + i) % n
		if !m.host.CacheFull(core) {
			m.nextCore = (core + 1) % n
			return core, true
		}
	}

	return 0, false
}

func (m *Model) issueLine(core int, line lineAccess) bool {
	if !line.write {
		err := m.host.IssueCacheRead(core, line.addr, m.lineSize, m.nextToken)
		if err != nil {
			return false
		}

		m.stats.CacheReads++

		return true
	}

	data, err := m.device.Read(line.addr, m.lineSize)
	if err != nil {
		log.Panicf("cache line 0x%x outside device memory: %v", line.addr, err)
	}

	if m.host.IssueCacheWrite(core, line.addr, data, m.nextToken) != nil {
		return false
	}

	m.stats.CacheWrites++

	return true
}

// CacheReply completes one cache request of the current operation.
func (m *Model) CacheReply(core int, token uint64, _ []byte) {
	op, found := m.outstanding[token]
	if !found {
		log.Panicf("cache reply on link %d for unknown token %d", core, token)
	}

	delete(m.outstanding, token)
	op.inFlight--
}
