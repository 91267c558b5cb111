package engine

import (
	"io"
	"log/slog"
	"sync/atomic"
)

// teeToCache streams src to dst while simultaneously feeding mh, so a
// failing cache write never interrupts or corrupts what the client
// receives. A TeeReader plus a safeWriter silently swallows writer errors
// after the first one so a flaky cache backend can't disrupt the client
// stream. Cache writes happen inline with each read, so a slow cache
// write does slow the client copy.
//
//	resp.Body → TeeReader → io.Copy(dst, tee) → client
//	               │
//	               └→ safeWriter → mh.Write
//
// admitted reports whether every byte reached mh without a write error;
// the caller still must call Finalize or Abort based on the upstream
// response's own status, teeToCache only protects the client stream from
// a cache-side failure.
func teeToCache(dst io.Writer, src io.Reader, mh interface{ Write([]byte) (int, error) }) (admitted bool, err error) {
	sw := &safeWriter{w: mh}
	tee := io.TeeReader(src, sw)

	_, copyErr := io.Copy(dst, tee)
	return !sw.failed.Load(), copyErr
}

// safeWriter wraps an io.Writer and silently discards writes after the
// first error, so the TeeReader never surfaces a cache-side failure to
// the client-facing copy.
type safeWriter struct {
	w      io.Writer
	failed atomic.Bool
}

func (s *safeWriter) Write(p []byte) (int, error) {
	if s.failed.Load() {
		return len(p), nil
	}
	n, err := s.w.Write(p)
	if err != nil {
		slog.Debug("engine: cache write failed mid-stream, client stream unaffected", "error", err)
		s.failed.Store(true)
		return len(p), nil
	}
	return n, nil
}
