package proxy

import (
	"log"

	"github.com/sarchlab/gpuproxy/callpacket"
	"github.com/sarchlab/gpuproxy/dma"
	"github.com/sarchlab/gpuproxy/tracing"
	"go.uber.org/zap"
)

func (c *Comp) onPacketRead(cl *call, data []byte) {
	p, err := callpacket.Decode(data)
	if err != nil {
		log.Panicf("%s: %s: packet at 0x%x: %v",
			c.Name(), cl, cl.packetAddr, err)
	}

	c.Lock()
	cl.packet = p
	cl.disposition = callpacket.Classify(p)
	cl.state = Dispatched
	c.Unlock()

	tracing.AddTaskStep(cl.taskID, c, p.Kind().String())
	c.logger.Debug("call dispatched",
		zap.Stringer("kind", p.Kind()),
		zap.Int("cpu_core", cl.cpuCore),
		zap.Bool("simulated_memory", p.SimulatedMemory),
		zap.Stringer("disposition", cl.disposition))

	switch cl.disposition {
	case callpacket.Immediate:
		c.dispatchImmediate(cl)
	case callpacket.AwaitDMA:
		c.dispatchDMA(cl)
	case callpacket.AwaitModel:
		c.dispatchModel(cl)
	}
}

func (c *Comp) dispatchImmediate(cl *call) {
	ret := c.invoke(cl)

	c.setState(cl, ImmediateComplete)
	c.writeReturn(cl, ret, func() { c.respond(cl, ret.Error) })
}

// invoke runs a non-blocking call on the model.
func (c *Comp) invoke(cl *call) callpacket.ReturnPacket {
	ret := callpacket.ReturnPacket{Done: true}

	switch req := cl.packet.Call.(type) {
	case callpacket.RegisterFatBinaryRequest:
		handle, code := c.model.RegisterFatBinary(req.FileName)
		ret.Error = code
		ret.Result = callpacket.RegisterFatBinaryResult{Handle: handle}
	case callpacket.RegisterFunctionRequest:
		ret.Error = c.model.RegisterFunction(
			req.FatBinaryHandle, req.HostFunction, req.DeviceFunction)
	case callpacket.RegisterVarRequest:
		ret.Error = c.model.RegisterVar(req)
	case callpacket.ConfigureCallRequest:
		ret.Error = c.model.ConfigureCall(
			req.Grid, req.Block, req.SharedMem, req.Stream)
	case callpacket.SetArgumentRequest:
		ret.Error = c.model.SetArgument(
			req.Arg, req.Value, req.Size, req.Offset)
	case callpacket.LaunchRequest:
		ret.Error = c.model.Launch(req.HostFunction)
	case callpacket.MallocRequest:
		addr, code := c.model.Malloc(req.Size)
		ret.Error = code
		ret.Result = callpacket.MallocResult{
			Address:       addr,
			DevPtrAddress: req.DevPtr,
		}
	case callpacket.FreeRequest:
		ret.Error = c.model.Free(req.Address)
	case callpacket.GetLastErrorRequest:
		ret.Error = c.model.GetLastError()
	case callpacket.MaxActiveBlocksRequest:
		n, code := c.model.MaxActiveBlocks(req.HostFunction,
			req.BlockSize, req.DynamicSharedMem, req.Flags)
		ret.Error = code
		ret.Result = callpacket.MaxActiveBlocksResult{NumBlocks: n}
	case callpacket.ParamConfigRequest:
		size, align, code := c.model.ParamConfig(req.HostFunction, req.Index)
		ret.Error = code
		ret.Result = callpacket.ParamConfigResult{Size: size, Alignment: align}
	default:
		log.Panicf("%s: %s cannot complete immediately", c.Name(), cl)
	}

	if ret.Result == nil {
		ret.Result = callpacket.EmptyResult{CallKind: cl.kind()}
	}

	return ret
}

func memcpyResult(req callpacket.MemcpyRequest) callpacket.MemcpyResult {
	return callpacket.MemcpyResult{
		Direction: req.Direction,
		Size:      req.Count,
		SimData:   req.Dst,
		RealData:  req.Src,
	}
}

// dispatchModel serves a blocking copy that never touches simulated memory.
func (c *Comp) dispatchModel(cl *call) {
	req := cl.packet.Call.(callpacket.MemcpyRequest)
	result := memcpyResult(req)

	c.setState(cl, AwaitingDMAOrCallback)
	c.writeReturn(cl, callpacket.ReturnPacket{Result: result}, nil)

	c.model.Memcpy(req.Dst, req.Src, req.Count, req.Direction,
		func(code callpacket.ErrorCode) {
			c.completeCall(cl, result, code)
		})
}

// dispatchDMA serves a copy whose host side lives in simulated memory. The
// data is staged in a native buffer on the way.
func (c *Comp) dispatchDMA(cl *call) {
	req := cl.packet.Call.(callpacket.MemcpyRequest)
	result := memcpyResult(req)
	result.SimData = req.Payload

	c.setState(cl, AwaitingDMAOrCallback)
	c.writeReturn(cl, callpacket.ReturnPacket{Result: result}, nil)

	if req.Count == 0 {
		c.admit(cl, dmaDirection(c, cl, req.Direction), req.Payload, 0, 0,
			func() { c.completeCall(cl, result, callpacket.Success) })

		return
	}

	staging, err := c.model.AllocNative(req.Count)
	if err != nil {
		c.logger.Warn("cannot allocate staging buffer",
			zap.Uint64("size", req.Count), zap.Error(err))
		c.completeCall(cl, result, callpacket.ErrorMemoryAllocation)

		return
	}

	cl.staging = staging
	cl.hasStaging = true

	switch req.Direction {
	case callpacket.HostToDevice:
		c.admit(cl, dma.SimulatedToFunctional, req.Payload, staging, req.Count,
			func() {
				c.model.Memcpy(req.Dst, staging, req.Count,
					callpacket.HostToDevice,
					func(code callpacket.ErrorCode) {
						c.completeCall(cl, result, code)
					})
			})
	case callpacket.DeviceToHost:
		c.model.Memcpy(staging, req.Src, req.Count, callpacket.DeviceToHost,
			func(code callpacket.ErrorCode) {
				if code != callpacket.Success {
					c.completeCall(cl, result, code)
					return
				}

				c.admit(cl, dma.FunctionalToSimulated,
					req.Payload, staging, req.Count,
					func() { c.completeCall(cl, result, code) })
			})
	default:
		log.Panicf("%s: %s: direction %s does not cross address spaces",
			c.Name(), cl, req.Direction)
	}
}

// dmaDirection maps a host/device copy onto the direction of its DMA job.
func dmaDirection(c *Comp, cl *call, dir callpacket.Direction) dma.Direction {
	switch dir {
	case callpacket.HostToDevice:
		return dma.SimulatedToFunctional
	case callpacket.DeviceToHost:
		return dma.FunctionalToSimulated
	default:
		log.Panicf("%s: %s: direction %s does not cross address spaces",
			c.Name(), cl, dir)
	}

	return 0
}

func (c *Comp) admit(
	cl *call,
	dir dma.Direction,
	simAddr, funcAddr, size uint64,
	then func(),
) {
	spec := dma.JobSpec{
		Direction:    dir,
		SimAddress:   simAddr,
		FuncAddress:  funcAddr,
		Size:         size,
		ParentTaskID: cl.taskID,
	}

	_, err := c.dma.Admit(spec, func(*dma.Job) { then() })
	if err != nil {
		log.Panicf("%s: %s: %v", c.Name(), cl, err)
	}
}

func (c *Comp) completeCall(
	cl *call,
	result callpacket.MemcpyResult,
	code callpacket.ErrorCode,
) {
	if cl.hasStaging {
		if err := c.model.FreeNative(cl.staging); err != nil {
			log.Panicf("%s: %s: freeing staging buffer: %v", c.Name(), cl, err)
		}

		cl.hasStaging = false
	}

	ret := callpacket.ReturnPacket{Error: code, Done: true, Result: result}
	c.writeReturn(cl, ret, func() { c.respond(cl, code) })
}

func (c *Comp) setState(cl *call, s CallState) {
	c.Lock()
	cl.state = s
	c.Unlock()
}
