package scan

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/hazyhaar/uploadguard/uploaderr"
)

// ClamAVScanner talks to clamd over its UNIX-socket INSTREAM protocol:
// zINSTREAM\0 + [4-byte big-endian length + data]* + zero-length terminator.
// No AV binary is ever invoked as a subprocess, eliminating argv-injection
// concerns for this scanner entirely.
type ClamAVScanner struct {
	SocketPath string
	DialTimeout time.Duration
}

func (c *ClamAVScanner) Name() string { return "clamav" }

// Scan streams the file at path to clamd and interprets its response.
func (c *ClamAVScanner) Scan(ctx context.Context, path string) (Verdict, error) {
	dialTimeout := c.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	conn, err := net.DialTimeout("unix", c.SocketPath, dialTimeout)
	if err != nil {
		return Verdict{}, &uploaderr.ScanFailed{Scanner: c.Name(), Cause: fmt.Errorf("connect clamd: %w", err)}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(60 * time.Second))
	}

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return Verdict{}, &uploaderr.ScanFailed{Scanner: c.Name(), Cause: fmt.Errorf("send instream cmd: %w", err)}
	}

	f, err := os.Open(path)
	if err != nil {
		return Verdict{}, &uploaderr.ScanFailed{Scanner: c.Name(), Cause: fmt.Errorf("open file: %w", err)}
	}
	defer f.Close()

	buf := make([]byte, 8192)
	lenBuf := make([]byte, 4)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			lenBuf[0] = byte(n >> 24)
			lenBuf[1] = byte(n >> 16)
			lenBuf[2] = byte(n >> 8)
			lenBuf[3] = byte(n)
			if _, err := conn.Write(lenBuf); err != nil {
				return Verdict{}, &uploaderr.ScanFailed{Scanner: c.Name(), Cause: fmt.Errorf("send chunk length: %w", err)}
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return Verdict{}, &uploaderr.ScanFailed{Scanner: c.Name(), Cause: fmt.Errorf("send chunk data: %w", err)}
			}
		}
		if readErr != nil {
			break
		}
	}

	if _, err := conn.Write([]byte{0, 0, 0, 0}); err != nil {
		return Verdict{}, &uploaderr.ScanFailed{Scanner: c.Name(), Cause: fmt.Errorf("send terminator: %w", err)}
	}

	resp, err := io.ReadAll(io.LimitReader(conn, 4096))
	if err != nil {
		return Verdict{}, &uploaderr.ScanFailed{Scanner: c.Name(), Cause: fmt.Errorf("read response: %w", err)}
	}

	line := strings.TrimSpace(string(resp))
	if strings.HasSuffix(line, "OK") {
		return Verdict{Clean: true}, nil
	}
	return Verdict{Clean: false, Signatures: []string{line}}, nil
}
