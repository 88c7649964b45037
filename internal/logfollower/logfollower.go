// Package logfollower tails bitcoind's debug.log, tolerating log rotation
// and resuming from a durable cursor. Grounded on
// original_source/bmon/logparse.py's read_logfile_forever, translated from
// a Python generator into a goroutine feeding a channel.
package logfollower

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bitcoinwatch/bmon/internal/fingerprint"
)

// chunkSize is the read buffer size, the most one syscall returns; logparse.py reads 1024
// bytes at a time for the same reason (a manual newline scan that's
// resilient to torn reads, cheaper than readline()).
const chunkSize = 1024

// pollInterval is how often the follower checks for new data once it has
// drained the file, and how often it checks for log rotation.
const pollInterval = 10 * time.Millisecond

// Line is one observed logfile line together with its fingerprint, handed
// to the caller so it can be durably recorded as a cursor (spec.md §4.1).
type Line struct {
	Text        string
	Fingerprint fingerprint.Fingerprint
	SeenAt      time.Time
}

// Follower tails one bitcoind debug.log.
type Follower struct {
	Path   string
	Logger *zap.Logger
}

// New builds a Follower over path.
func New(path string, logger *zap.Logger) *Follower {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Follower{Path: path, Logger: logger}
}

// Follow opens the logfile and streams lines onto the returned channel
// until ctx is cancelled, reopening the file whenever its inode changes
// (log rotation) without losing the in-flight partial line. If
// seekToCursor is non-zero, Follow first scans the file from the
// beginning looking for a line with that fingerprint, and starts
// delivering lines just after it; if no such line is found, every line in
// the file is delivered.
//
// The returned line channel is closed when ctx is cancelled or a fatal I/O
// error occurs; a fatal error is delivered on the returned error channel,
// which is closed right after the line channel.
func (f *Follower) Follow(ctx context.Context, seekToCursor fingerprint.Fingerprint) (<-chan Line, <-chan error) {
	lines := make(chan Line, 256)
	errCh := make(chan error, 1)

	go func() {
		defer close(lines)
		defer close(errCh)

		file, ino, err := f.open()
		if err != nil {
			errCh <- err
			return
		}
		defer file.Close()

		var zeroFP fingerprint.Fingerprint
		if seekToCursor != zeroFP {
			if err := f.seek(file, seekToCursor); err != nil {
				f.Logger.Warn("cursor seek failed; parsing from the beginning",
					zap.String("path", f.Path), zap.Error(err))
				if _, err := file.Seek(0, io.SeekStart); err != nil {
					errCh <- err
					return
				}
			}
		}

		if err := f.stream(ctx, file, ino, lines); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	return lines, errCh
}

func (f *Follower) open() (*os.File, uint64, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, 0, err
	}
	ino, err := inode(file)
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	return file, ino, nil
}

// seek scans the file from the start, line by line, until it finds one
// whose fingerprint matches cursor, then positions file just past it. If
// no matching line is found by EOF, file is left at EOF and the caller
// falls back to reading from the beginning.
func (f *Follower) seek(file *os.File, cursor fingerprint.Fingerprint) error {
	f.Logger.Info("seeking to logline cursor", zap.String("path", f.Path))

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	reader := bufio.NewReader(file)
	var pos int64
	lineno := 0

	for {
		raw, err := reader.ReadString('\n')
		if raw == "" && err != nil {
			break
		}

		line := strings.TrimSuffix(raw, "\n")
		consumed := int64(len(raw))

		if fingerprint.Line(line) == cursor {
			f.Logger.Info("found cursor start position", zap.Int64("offset", pos+consumed))
			_, seekErr := file.Seek(pos+consumed, io.SeekStart)
			return seekErr
		}

		pos += consumed
		lineno++
		if lineno%10000 == 0 {
			f.Logger.Info("still seeking for cursor", zap.Int("lines_seen", lineno))
		}

		if err != nil {
			break
		}
	}

	f.Logger.Warn("logline cursor not found; parsing all lines", zap.String("path", f.Path))
	return errCursorNotFound
}

var errCursorNotFound = errors.New("logfollower: cursor not found")

// stream is the translated read_logfile_forever loop: a manual byte-chunk
// scan for newlines, with inode-change detection on each drain so log
// rotation (bitcoind / logrotate replacing the file) is picked up without
// losing buffered partial-line content.
func (f *Follower) stream(ctx context.Context, file *os.File, ino uint64, out chan<- Line) error {
	buf := make([]byte, chunkSize)
	var partial strings.Builder
	linesProcessed := 0
	const logAfter = 10000

	for {
		for {
			n, err := file.Read(buf)
			if n == 0 {
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				break
			}

			chunk := string(buf[:n])
			if !strings.Contains(chunk, "\n") {
				partial.WriteString(chunk)
				continue
			}

			segments := strings.Split(chunk, "\n")
			last := len(segments) - 1

			first := partial.String() + segments[0]
			if err := emit(ctx, out, first); err != nil {
				return err
			}
			linesProcessed++

			for _, mid := range segments[1:last] {
				if err := emit(ctx, out, mid); err != nil {
					return err
				}
				linesProcessed++
			}

			partial.Reset()
			partial.WriteString(segments[last])

			if linesProcessed > logAfter {
				linesProcessed = 0
				f.Logger.Info("processed a batch of logs", zap.String("path", f.Path))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		newIno, statErr := pathInode(f.Path)
		if statErr == nil && newIno != ino {
			f.Logger.Info("detected inode change; reopening logfile", zap.String("path", f.Path))
			newFile, newFileIno, openErr := f.open()
			if openErr != nil {
				return openErr
			}
			file.Close()
			file = newFile
			ino = newFileIno
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func emit(ctx context.Context, out chan<- Line, text string) error {
	line := Line{
		Text:        text,
		Fingerprint: fingerprint.Line(text),
		SeenAt:      time.Now().UTC(),
	}
	select {
	case out <- line:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
