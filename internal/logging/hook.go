package logging

import (
	"github.com/GriffinCanCode/AgentOS/kcore/internal/kernel/thread"
	"github.com/GriffinCanCode/AgentOS/kcore/internal/proc"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ProcessHook logs process lifecycle transitions.
type ProcessHook struct {
	logger *zap.Logger
}

// NewProcessHook returns a hook writing to logger. Transitions are logged at
// debug level; rejected spawns and joins at warn.
func NewProcessHook(logger *zap.Logger) *ProcessHook {
	return &ProcessHook{logger: logger}
}

// OnProcessEvent implements proc.Hook.
func (h *ProcessHook) OnProcessEvent(t *thread.Thread, ev proc.Event) {
	level := zapcore.DebugLevel
	if ev.Kind == proc.EventTableFull || ev.Kind == proc.EventIllegalJoin {
		level = zapcore.WarnLevel
	}
	ce := h.logger.Check(level, "process "+string(ev.Kind))
	if ce == nil {
		return
	}

	fields := []zap.Field{
		zap.Int("pid", int(ev.PID)),
		zap.Int("parent", int(ev.Parent)),
		zap.Int("tid", int(t.ID())),
	}
	if ev.ID != "" {
		fields = append(fields, zap.Stringer("event", ev.ID))
	}
	if ev.Name != "" {
		fields = append(fields, zap.String("name", ev.Name))
	}
	if ev.From != ev.To {
		fields = append(fields, zap.Stringer("from", ev.From), zap.Stringer("to", ev.To))
	}
	if ev.Kind == proc.EventStateChanged || ev.Kind == proc.EventFreed {
		fields = append(fields, zap.Int("exit_code", ev.ExitCode))
	}
	if ev.Key != "" {
		fields = append(fields, zap.Stringer("rendezvous", ev.Key))
	}
	if ev.Waited > 0 {
		fields = append(fields, zap.Duration("waited", ev.Waited))
	}
	ce.Write(fields...)
}
