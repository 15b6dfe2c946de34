package sandbox

import (
	"bytes"
	"strings"
)

// cappedBuffer keeps the first max bytes written and silently drops the
// rest, so a chatty program cannot exhaust memory.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if c.max <= 0 {
		c.buf.Write(p)
		return n, nil
	}
	room := c.max - c.buf.Len()
	if room <= 0 {
		if n > 0 {
			c.truncated = true
		}
		return n, nil
	}
	if len(p) > room {
		p = p[:room]
		c.truncated = true
	}
	c.buf.Write(p)
	return n, nil
}

func (c *cappedBuffer) String() string {
	return c.buf.String()
}

const tailLen = 200

// stderrTail returns the last non-empty line of stderr, cut to tailLen bytes.
func stderrTail(stderr string) string {
	stderr = strings.TrimRight(stderr, " \t\r\n")
	if i := strings.LastIndexByte(stderr, '\n'); i >= 0 {
		stderr = stderr[i+1:]
	}
	stderr = strings.TrimSpace(stderr)
	if len(stderr) > tailLen {
		stderr = "..." + stderr[len(stderr)-tailLen:]
	}
	return stderr
}
