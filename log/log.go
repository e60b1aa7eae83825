// Package log is the socket layer's logging seam: a minimal leveled
// printf interface with a zap-backed default that callers may swap for
// their own sink.
package log

import "go.uber.org/zap"

// Logger is the surface the socket layer logs through.
// *zap.SugaredLogger satisfies it directly.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Default is the package-level sink. Info level, console encoding to
// stderr. Replace it before starting any services to redirect the
// module's own logging.
var Default Logger = newDefault()

func newDefault() Logger {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

// Debugf logs through Default at debug level.
func Debugf(format string, args ...any) { Default.Debugf(format, args...) }

// Infof logs through Default at info level.
func Infof(format string, args ...any) { Default.Infof(format, args...) }

// Warnf logs through Default at warn level.
func Warnf(format string, args ...any) { Default.Warnf(format, args...) }

// Errorf logs through Default at error level.
func Errorf(format string, args ...any) { Default.Errorf(format, args...) }
