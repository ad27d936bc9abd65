package dnsfwd

import (
	"io"
	"sync/atomic"

	"github.com/rs/zerolog"
)

func init() {
	l := zerolog.New(io.Discard)
	Logger.Store(&l)
}

// Logger emits the log records for library operations.
// The CLI stores a real logger here at startup; until then, logs are discarded.
var Logger atomic.Pointer[zerolog.Logger]
