package utils

import "io"

// maxDrain bounds how much of an unwanted body is read before closing. Past it
// the connection is dropped instead of reused.
const maxDrain = 64 << 10

// DrainAndClose discards up to 64 KiB of rc, so a small error page leaves the
// keep-alive connection reusable, then closes it.
func DrainAndClose(rc io.ReadCloser) error {
	if rc == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, maxDrain))
	return rc.Close()
}
