package log_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lucidio/aionet/log"
)

// The package-level helpers forward through whatever Default holds, so a
// caller-supplied sink sees every message.
func TestPackageHelpersForwardToDefault(t *testing.T) {
	rec := &recordingLogger{}
	old := log.Default
	log.Default = rec
	defer func() { log.Default = old }()

	log.Debugf("a %d", 1)
	log.Infof("b")
	log.Warnf("c")
	log.Errorf("d")

	assert.Equal(t, []string{"a %d", "b", "c", "d"}, rec.formats)
}

type recordingLogger struct{ formats []string }

func (r *recordingLogger) Debugf(format string, args ...any) { r.formats = append(r.formats, format) }
func (r *recordingLogger) Infof(format string, args ...any)  { r.formats = append(r.formats, format) }
func (r *recordingLogger) Warnf(format string, args ...any)  { r.formats = append(r.formats, format) }
func (r *recordingLogger) Errorf(format string, args ...any) { r.formats = append(r.formats, format) }
