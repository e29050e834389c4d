package capture

import "bytes"

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// maxPending caps the bytes held while waiting for an end marker.
const maxPending = 8 << 20

// jpegScanner splits a concatenated MJPEG byte stream into frames.
type jpegScanner struct {
	buf []byte
}

func (s *jpegScanner) Write(p []byte) {
	s.buf = append(s.buf, p...)
	if len(s.buf) > maxPending {
		// corrupt stream, resync on the next start marker
		s.buf = s.buf[:0]
	}
}

// Next returns the next complete frame, or nil when more input is needed.
func (s *jpegScanner) Next() []byte {
	start := bytes.Index(s.buf, jpegSOI)
	if start < 0 {
		// keep a trailing 0xFF that may begin a marker
		if n := len(s.buf); n > 0 && s.buf[n-1] == 0xFF {
			s.buf = append(s.buf[:0], 0xFF)
		} else {
			s.buf = s.buf[:0]
		}
		return nil
	}

	end := bytes.Index(s.buf[start+2:], jpegEOI)
	if end < 0 {
		if start > 0 {
			s.buf = append(s.buf[:0], s.buf[start:]...)
		}
		return nil
	}
	end += start + 2 + len(jpegEOI)

	frame := make([]byte, end-start)
	copy(frame, s.buf[start:end])
	s.buf = append(s.buf[:0], s.buf[end:]...)
	return frame
}
