package httphead

// maxMethodLen bounds the method token so binary protocols that happen to
// start with token bytes are rejected early.
const maxMethodLen = 24

type lineState uint8

const (
	inMethod lineState = iota
	inTarget
	inVersion
	afterVersion
	afterCR
	lineDone
)

const versionPrefix = "HTTP/"

// requestLine validates "method SP target SP HTTP/d.d CRLF" one byte at a
// time, so a verdict never depends on how the bytes were chunked.
type requestLine struct {
	state lineState
	n     int // bytes consumed in the current component
}

func (r *requestLine) done() bool { return r.state == lineDone }

func (r *requestLine) step(c byte) bool {
	switch r.state {
	case inMethod:
		if c == ' ' && r.n > 0 {
			r.state, r.n = inTarget, 0
			return true
		}
		if !isTokenChar(c) || r.n == maxMethodLen {
			return false
		}
	case inTarget:
		if c == ' ' && r.n > 0 {
			r.state, r.n = inVersion, 0
			return true
		}
		if c <= ' ' || c == 0x7f {
			return false
		}
	case inVersion:
		switch {
		case r.n < len(versionPrefix):
			if c != versionPrefix[r.n] {
				return false
			}
		case r.n == len(versionPrefix), r.n == len(versionPrefix)+2:
			if c < '0' || c > '9' {
				return false
			}
		case r.n == len(versionPrefix)+1:
			if c != '.' {
				return false
			}
		}
		if r.n == len(versionPrefix)+2 {
			r.state, r.n = afterVersion, 0
			return true
		}
	case afterVersion:
		switch c {
		case '\r':
			r.state = afterCR
		case '\n':
			r.state = lineDone
		default:
			return false
		}
		return true
	case afterCR:
		if c != '\n' {
			return false
		}
		r.state = lineDone
		return true
	case lineDone:
		return true
	}
	r.n++
	return true
}

// isTokenChar reports whether c is a tchar as defined for HTTP tokens.
func isTokenChar(c byte) bool {
	if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}
