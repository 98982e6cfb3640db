package pty

import "golang.org/x/sys/unix"

// WindowSize is a terminal geometry. Pixel fields are best-effort and zero
// when the reference terminal does not report them.
type WindowSize struct {
	Rows    uint16
	Cols    uint16
	XPixels uint16
	YPixels uint16
}

// fallbackSize is used when the reference terminal cannot be queried.
var fallbackSize = WindowSize{Rows: 24, Cols: 80}

// ReadSize queries the geometry of the terminal behind refFd. Never fails:
// if the query does not work (refFd is not a terminal, say) it returns the
// 24x80 fallback.
func ReadSize(refFd int) WindowSize {
	ws, err := unix.IoctlGetWinsize(refFd, unix.TIOCGWINSZ)
	if err != nil {
		return fallbackSize
	}
	return WindowSize{Rows: ws.Row, Cols: ws.Col, XPixels: ws.Xpixel, YPixels: ws.Ypixel}
}

// Resize applies a geometry to the session's PTY. Failures are returned but
// callers treat them as cosmetic and ignore them.
func (s *Session) Resize(size WindowSize) error {
	return unix.IoctlSetWinsize(s.MasterFd(), unix.TIOCSWINSZ, &unix.Winsize{
		Row:    size.Rows,
		Col:    size.Cols,
		Xpixel: size.XPixels,
		Ypixel: size.YPixels,
	})
}

// SyncSize mirrors the reference terminal's geometry onto the session.
// Best-effort on both sides; applying the same size twice is idempotent.
func (s *Session) SyncSize(refFd int) {
	_ = s.Resize(ReadSize(refFd))
}
