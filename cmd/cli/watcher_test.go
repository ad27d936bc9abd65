package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogTamper(t *testing.T) {
	var buf bytes.Buffer
	old := mainLog.Load()
	l := zerolog.New(&buf)
	mainLog.Store(&l)
	defer mainLog.Store(old)

	path := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte("nameserver 192.0.2.53\n"), 0644))

	logTamper(path, "WRITE")
	out := buf.String()
	assert.Contains(t, out, "resolution endpoint file modified outside dnsfwd")
	assert.Contains(t, out, "WRITE")
	assert.Contains(t, out, "192.0.2.53")
}

func TestLogTamperRemovedFile(t *testing.T) {
	var buf bytes.Buffer
	old := mainLog.Load()
	l := zerolog.New(&buf)
	mainLog.Store(&l)
	defer mainLog.Store(old)

	logTamper(filepath.Join(t.TempDir(), "absent"), "REMOVE")
	assert.Contains(t, buf.String(), "resolution endpoint file modified outside dnsfwd")
}
