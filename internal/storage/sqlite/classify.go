package sqlite

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/opencollect/opencollect/internal/storage"
)

// transientSignatures are the backend fault messages a short backoff
// usually clears. SQLite reports lock contention through SQLITE_BUSY and
// SQLITE_LOCKED; the network entries cover DSNs that point at a remote
// filesystem or proxy.
var transientSignatures = []string{
	"database is locked",
	"database table is locked",
	"SQLITE_BUSY",
	"SQLITE_LOCKED",
	"connection reset",
	"connection refused",
	"broken pipe",
	"i/o timeout",
}

// classify tags a driver error as transient or permanent. All
// classification lives here; callers branch on storage.Error.Kind and
// never inspect messages themselves.
func classify(err error) storage.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return storage.KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return storage.KindTransient
	}

	msg := err.Error()
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return storage.KindTransient
		}
	}
	return storage.KindPermanent
}
