package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"
)

const logPollInterval = 100 * time.Millisecond

// LogOptions controls how much of the container log is streamed.
type LogOptions struct {
	// Follow keeps streaming as the process writes, until the context is
	// cancelled or the process exits and the log is drained.
	Follow bool
	// Tail limits the historical portion to the last N lines. Zero means
	// the whole log, negative skips history and starts at the current end.
	Tail int
}

// Logs writes the container log to w. The log is a single append-only file,
// so following it is a matter of polling the tail for new bytes.
func (s *Supervisor) Logs(ctx context.Context, containerID string, w io.Writer, opts LogOptions) error {
	path := s.cfg.GetContainerLog(containerID)

	var offset int64
	switch {
	case opts.Tail != 0:
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to read container log: %w", err)
		}
		if opts.Tail > 0 {
			if tail := tailLines(data, opts.Tail); len(tail) > 0 {
				if _, err := w.Write(tail); err != nil {
					return err
				}
			}
		}
		offset = int64(len(data))
	default:
		n, err := copyLogFrom(path, w, 0)
		if err != nil {
			return err
		}
		offset = n
	}

	if !opts.Follow {
		return nil
	}

	ticker := time.NewTicker(logPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		n, err := copyLogFrom(path, w, offset)
		if err != nil {
			return err
		}
		offset += n

		if n == 0 && !s.Alive(containerID) {
			// one more pass so writes racing the exit are not dropped
			n, err = copyLogFrom(path, w, offset)
			if err != nil {
				return err
			}
			if n == 0 {
				return nil
			}
			offset += n
		}
	}
}

// copyLogFrom streams the log from offset to w and returns how many bytes it
// copied. A missing log file reads as empty, the container may not have
// started yet.
func copyLogFrom(path string, w io.Writer, offset int64) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open container log: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek container log: %w", err)
	}

	n, err := io.Copy(w, file)
	if err != nil {
		return n, fmt.Errorf("failed to stream container log: %w", err)
	}
	return n, nil
}

// tailLines returns the last n lines of data. A trailing newline does not
// count as an extra line.
func tailLines(data []byte, n int) []byte {
	if n <= 0 || len(data) == 0 {
		return data
	}

	end := len(data)
	if data[end-1] == '\n' {
		end--
	}

	idx := end
	for seen := 0; seen < n; seen++ {
		cut := bytes.LastIndexByte(data[:idx], '\n')
		if cut < 0 {
			return data
		}
		idx = cut
	}
	return data[idx+1:]
}
