package sim

import (
	"fmt"

	"go.uber.org/zap"
)

// PortMsgLogger writes a debug entry for every message a port sends or
// receives.
type PortMsgLogger struct {
	Logger     *zap.Logger
	TimeTeller TimeTeller
}

// NewPortMsgLogger creates a PortMsgLogger.
func NewPortMsgLogger(logger *zap.Logger, timeTeller TimeTeller) *PortMsgLogger {
	return &PortMsgLogger{Logger: logger, TimeTeller: timeTeller}
}

// Func writes the message information into the logger
func (h *PortMsgLogger) Func(ctx HookCtx) {
	if ctx.Pos != HookPosPortMsgSend && ctx.Pos != HookPosPortMsgRecvd {
		return
	}

	msg, ok := ctx.Item.(Msg)
	if !ok {
		return
	}

	port, ok := ctx.Domain.(Port)
	if !ok {
		return
	}

	h.Logger.Debug(ctx.Pos.Name,
		zap.Float64("time", float64(h.TimeTeller.CurrentTime())),
		zap.String("port", port.Name()),
		zap.String("src", string(msg.Meta().Src)),
		zap.String("dst", string(msg.Meta().Dst)),
		zap.String("type", fmt.Sprintf("%T", msg)),
		zap.String("id", msg.Meta().ID))
}
