package store

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// lockWait bounds how long an operation waits for another process to release
// the license file.
const lockWait = 10 * time.Second

var errLockBusy = errors.New("license file is locked by another process")

// acquireFileLock polls a non-blocking lock on f so that waiting honours ctx.
func acquireFileLock(ctx context.Context, f *os.File, exclusive bool) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Millisecond
	eb.MaxInterval = 50 * time.Millisecond
	eb.MaxElapsedTime = lockWait

	err := backoff.Retry(func() error {
		ok, err := tryLockFile(f, exclusive)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return errLockBusy
		}
		return nil
	}, backoff.WithContext(eb, ctx))
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return unavailable("lock license file", err)
}

// The sidecar's first eight bytes count committed writes. Readers compare it
// with the generation they loaded to decide whether to re-read the document.
func readGeneration(f *os.File) (uint64, error) {
	var buf [8]byte
	n, err := f.ReadAt(buf[:], 0)
	if errors.Is(err, io.EOF) && n < len(buf) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func writeGeneration(f *os.File, gen uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], gen)
	_, err := f.WriteAt(buf[:], 0)
	return err
}
