// Package logging builds the logr.Logger shared by the commands.
package logging

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// levelEnabler enables V(n) messages for n <= level. zapr logs V(n) at zap
// level -n.
type levelEnabler struct {
	level int
}

func (l levelEnabler) Enabled(lvl zapcore.Level) bool {
	return -int(lvl) <= l.level
}

// New returns a development logger writing to stderr. Call the returned
// function before exiting to flush buffered entries.
func New(level int) (logr.Logger, func(), error) {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	sink, _, err := zap.Open("stderr")
	if err != nil {
		return logr.Discard(), func() {}, fmt.Errorf("open log sink: %w", err)
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), sink, levelEnabler{level: level})
	z := zap.New(core, zap.AddCaller(), zap.Development())
	return zapr.NewLogger(z), func() { _ = z.Sync() }, nil
}

// NewWithCore wraps core, for callers that supply their own output.
func NewWithCore(core zapcore.Core) logr.Logger {
	return zapr.NewLogger(zap.New(core))
}
