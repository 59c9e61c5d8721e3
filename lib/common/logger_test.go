package common

import (
	"bytes"
	"log"
	"testing"

	"github.com/lni/dragonboat/v4/logger"
	"github.com/stretchr/testify/assert"
)

func TestLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := &pkgLogger{name: "replication", level: logger.WARNING, out: log.New(&buf, "", 0)}

	l.Infof("dropped %d", 1)
	l.Debugf("dropped %d", 2)
	assert.Empty(t, buf.String())

	l.Warningf("peer %d unreachable", 2)
	l.Errorf("failed")
	assert.Equal(t, "WARN  | replication     | peer 2 unreachable\nERROR | replication     | failed\n", buf.String())

	buf.Reset()
	l.SetLevel(logger.DEBUG)
	l.Debugf("visible")
	assert.Contains(t, buf.String(), "DEBUG | replication")
}

func TestLoggerPanicf(t *testing.T) {
	var buf bytes.Buffer
	l := &pkgLogger{name: "cli", level: logger.INFO, out: log.New(&buf, "", 0)}

	assert.PanicsWithValue(t, "fatal 7", func() { l.Panicf("fatal %d", 7) })
	assert.Contains(t, buf.String(), "CRIT  | cli")
}

func TestInitLoggersTwice(t *testing.T) {
	assert.NoError(t, InitLoggers("warn"))
	assert.NoError(t, InitLoggers("info"))
	assert.Error(t, InitLoggers("verbose"))
}
