package proxy

import (
	"fmt"

	"github.com/sarchlab/gpuproxy/mem"
	"github.com/sarchlab/gpuproxy/sim"
	"github.com/sarchlab/gpuproxy/transaction"
)

// cacheHost is the Host that a proxy hands to its functional model.
type cacheHost struct {
	comp *Comp
}

func (h cacheHost) NumCacheLinks() int {
	return len(h.comp.cachePorts)
}

func (h cacheHost) CurrentTime() sim.VTimeInSec {
	return h.comp.CurrentTime()
}

// CacheFull tells if the core cannot issue a cache request now, either
// because it is at its in-flight bound or because its link is busy.
func (h cacheHost) CacheFull(core int) bool {
	if core < 0 || core >= len(h.comp.cachePorts) {
		return true
	}

	return !h.comp.tracker.CoreCanIssue(core) ||
		!h.comp.cachePorts[core].CanSend()
}

func (h cacheHost) IssueCacheRead(core int, addr, size, token uint64) error {
	if err := h.linkMustExist(core); err != nil {
		return err
	}

	port := h.comp.cachePorts[core]
	req := mem.ReadReqBuilder{}.
		WithSrc(port.AsRemote()).
		WithDst(h.comp.gpuMemMapper.Find(addr)).
		WithAddress(addr).
		WithByteSize(size).
		Build()

	err := h.issue(core, req, &cacheCtx{
		kind:  transaction.CacheRead,
		core:  core,
		token: token,
	})
	if err != nil {
		return err
	}

	h.comp.statsLock.Lock()
	h.comp.cacheReads++
	h.comp.statsLock.Unlock()

	return nil
}

func (h cacheHost) IssueCacheWrite(
	core int,
	addr uint64,
	data []byte,
	token uint64,
) error {
	if err := h.linkMustExist(core); err != nil {
		return err
	}

	port := h.comp.cachePorts[core]
	req := mem.WriteReqBuilder{}.
		WithSrc(port.AsRemote()).
		WithDst(h.comp.gpuMemMapper.Find(addr)).
		WithAddress(addr).
		WithData(data).
		Build()

	err := h.issue(core, req, &cacheCtx{
		kind:  transaction.CacheWrite,
		core:  core,
		token: token,
	})
	if err != nil {
		return err
	}

	h.comp.statsLock.Lock()
	h.comp.cacheWrites++
	h.comp.statsLock.Unlock()

	return nil
}

func (h cacheHost) linkMustExist(core int) error {
	if core < 0 || core >= len(h.comp.cachePorts) {
		return fmt.Errorf("%w: cache link %d", transaction.ErrUnknownCore, core)
	}

	return nil
}

func (h cacheHost) issue(core int, req mem.AccessReq, ctx *cacheCtx) error {
	if err := h.comp.tracker.CoreIssue(core); err != nil {
		return err
	}

	if sendErr := h.comp.cachePorts[core].Send(req); sendErr != nil {
		if err := h.comp.tracker.CoreRelease(core); err != nil {
			panic(err)
		}

		return fmt.Errorf("%w: link %d", ErrCacheBusy, core)
	}

	if _, err := h.comp.tracker.Begin(req.Meta().ID, ctx); err != nil {
		panic(err)
	}

	h.comp.TickLater()

	return nil
}
