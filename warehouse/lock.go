package warehouse

import (
	"context"
	"hash/fnv"

	"github.com/pkg/errors"
	"github.com/relloyd/ogdsync/constants"
	"github.com/relloyd/ogdsync/logger"
	"github.com/relloyd/ogdsync/rdbms/shared"
)

// RunLocker guards against two runs of the same source at once.
type RunLocker struct {
	log  logger.Logger
	conn shared.Connector
}

// NewRunLocker returns a RunLocker on conn.
func NewRunLocker(log logger.Logger, conn shared.Connector) *RunLocker {
	return &RunLocker{log: log, conn: conn}
}

// TryLock takes the run lock of source without waiting.
// On postgres this is a session advisory lock held on a dedicated connection until release is
// called. Other databases have no cross process lock and always succeed.
func (l *RunLocker) TryLock(ctx context.Context, source string) (release func(), acquired bool, err error) {
	release = func() {}
	if l.conn.GetType() != constants.ConnectionTypePostgres {
		return release, true, nil
	}
	c, err := l.conn.GetDb().Conn(ctx)
	if err != nil {
		return release, false, errors.Wrap(err, "error opening connection for the run lock")
	}
	key := lockKey(source)
	if err = c.QueryRowContext(ctx, "select pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		_ = c.Close()
		return release, false, errors.Wrapf(err, "error taking the run lock of source %v", source)
	}
	if !acquired {
		_ = c.Close()
		return release, false, nil
	}
	release = func() {
		// Use a fresh context so a cancelled run still unlocks.
		if _, err := c.ExecContext(context.Background(), "select pg_advisory_unlock($1)", key); err != nil {
			l.log.Warn("error releasing the run lock of source ", source, ": ", err)
		}
		_ = c.Close()
	}
	return release, true, nil
}

func lockKey(source string) int64 {
	f := fnv.New64a()
	_, _ = f.Write([]byte(constants.AppName + ":" + source))
	return int64(f.Sum64())
}
