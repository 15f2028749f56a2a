package logs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/narvanalabs/botpanel/internal/models"
)

const (
	readChunk = 32 << 10
	// maxLineBytes bounds a line that never sees a newline.
	maxLineBytes = 64 << 10
	// maxReplayBytes bounds how far back replay scans.
	maxReplayBytes = 4 << 20
)

// tailer follows one file for one subscription. It is owned by a single
// goroutine.
type tailer struct {
	streamer *Streamer
	sub      *Subscription

	watcher  *fsnotify.Watcher
	watched  string
	path     string
	file     *os.File
	offset   int64
	partial  []byte
	replayed bool
	lastDiag string
}

func (t *tailer) run(ctx context.Context) {
	defer t.closeFile()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		t.streamer.logger.Debug("fsnotify unavailable, polling only", "workload", t.sub.Workload, "error", err)
	} else {
		t.watcher = w
		defer w.Close()
		events = w.Events
		errs = w.Errors
	}

	ticker := time.NewTicker(t.streamer.cfg.PollInterval)
	defer ticker.Stop()

	if !t.step(ctx) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != t.path {
				continue
			}
			if !t.step(ctx) {
				return
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			t.streamer.logger.Warn("log watcher error", "workload", t.sub.Workload, "error", err)
		case <-ticker.C:
			if !t.step(ctx) {
				return
			}
		}
	}
}

// step brings the subscription up to date with the file. It returns false
// when the tail should end.
func (t *tailer) step(ctx context.Context) bool {
	w, err := t.streamer.resolver.Get(t.sub.Workload)
	if err != nil {
		t.diagnose(ctx, "workload is no longer registered")
		return false
	}

	path := logPath(w, t.sub.Stream)
	if path == "" {
		return t.diagnose(ctx, "no log file recorded for this workload yet")
	}
	path = filepath.Clean(path)
	if path != t.path {
		t.closeFile()
		t.path = path
		t.watch(filepath.Dir(path))
	}

	if t.file == nil && !t.open(ctx) {
		return ctx.Err() == nil
	}

	if fi, err := os.Stat(t.path); err == nil {
		cur, cerr := t.file.Stat()
		if cerr == nil && !os.SameFile(fi, cur) {
			if !t.readAppended(ctx) {
				return false
			}
			t.closeFile()
			if !t.diagnose(ctx, "log file rotated, following the new file") {
				return false
			}
			if !t.open(ctx) {
				return ctx.Err() == nil
			}
		} else if fi.Size() < t.offset {
			t.offset = 0
			t.partial = t.partial[:0]
			if !t.diagnose(ctx, "log file truncated, reading from the start") {
				return false
			}
		}
	}

	return t.readAppended(ctx)
}

// open opens the current path. The first successful open replays the tail
// of the file; later opens (after rotation) read from the start.
func (t *tailer) open(ctx context.Context) bool {
	f, err := os.Open(t.path)
	if err != nil {
		t.diagnose(ctx, fmt.Sprintf("cannot open %s log: %v", t.sub.Stream, err))
		return false
	}
	t.file = f
	t.offset = 0
	t.partial = t.partial[:0]
	t.lastDiag = ""

	if t.replayed {
		return true
	}
	t.replayed = true

	fi, err := f.Stat()
	if err != nil {
		return true
	}
	texts, next, err := readLastLines(f, fi.Size(), t.streamer.cfg.ReplayLines)
	if err != nil {
		t.diagnose(ctx, fmt.Sprintf("cannot read %s log: %v", t.sub.Stream, err))
		return true
	}
	t.offset = next
	for _, text := range texts {
		if !t.send(ctx, t.streamer.line(t.sub.Workload, t.sub.Stream, text)) {
			return false
		}
	}
	return true
}

func (t *tailer) readAppended(ctx context.Context) bool {
	buf := make([]byte, readChunk)
	for {
		n, err := t.file.ReadAt(buf, t.offset)
		if n > 0 {
			t.offset += int64(n)
			if !t.consume(ctx, buf[:n]) {
				return false
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return true
			}
			t.closeFile()
			return t.diagnose(ctx, fmt.Sprintf("read %s log: %v", t.sub.Stream, err))
		}
		if n == 0 {
			return true
		}
	}
}

// consume splits data into lines, carrying an unterminated tail over to the
// next read.
func (t *tailer) consume(ctx context.Context, data []byte) bool {
	t.partial = append(t.partial, data...)
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			break
		}
		text := strings.TrimSuffix(string(t.partial[:i]), "\r")
		t.partial = t.partial[i+1:]
		if !t.send(ctx, t.streamer.line(t.sub.Workload, t.sub.Stream, text)) {
			return false
		}
		t.lastDiag = ""
	}
	if len(t.partial) >= maxLineBytes {
		text := string(t.partial)
		t.partial = t.partial[:0]
		return t.send(ctx, t.streamer.line(t.sub.Workload, t.sub.Stream, text))
	}
	return true
}

// diagnose reports a problem to the observer once per distinct message.
func (t *tailer) diagnose(ctx context.Context, msg string) bool {
	if msg == t.lastDiag {
		return true
	}
	t.lastDiag = msg
	return t.send(ctx, t.streamer.diagnostic(t.sub.Workload, t.sub.Stream, msg))
}

func (t *tailer) send(ctx context.Context, line models.LogLine) bool {
	select {
	case t.sub.lines <- line:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *tailer) watch(dir string) {
	if t.watcher == nil || dir == t.watched {
		return
	}
	if t.watched != "" {
		_ = t.watcher.Remove(t.watched)
	}
	if err := t.watcher.Add(dir); err != nil {
		t.streamer.logger.Debug("cannot watch log directory, polling", "dir", dir, "error", err)
		t.watched = ""
		return
	}
	t.watched = dir
}

func (t *tailer) closeFile() {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
}

// readLastLinesFile opens path and returns its last n complete lines.
func readLastLinesFile(path string, n int) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	return readLastLines(f, fi.Size(), n)
}

// readLastLines scans backwards from size and returns up to n complete lines
// together with the offset just past the last newline. A trailing line
// without a newline is left for the follower.
func readLastLines(r io.ReaderAt, size int64, n int) ([]string, int64, error) {
	if n <= 0 || size <= 0 {
		return nil, 0, nil
	}

	var content []byte
	pos := size
	for pos > 0 && len(content) < maxReplayBytes {
		step := int64(readChunk)
		if pos < step {
			step = pos
		}
		pos -= step
		chunk := make([]byte, step)
		if _, err := r.ReadAt(chunk, pos); err != nil && !errors.Is(err, io.EOF) {
			return nil, 0, err
		}
		content = append(chunk, content...)
		if bytes.Count(content, []byte{'\n'}) > n {
			break
		}
	}

	end := bytes.LastIndexByte(content, '\n')
	if end < 0 {
		return nil, pos, nil
	}
	parts := strings.Split(string(content[:end]), "\n")
	if pos > 0 {
		// The first fragment may start mid-line.
		parts = parts[1:]
	}
	if len(parts) > n {
		parts = parts[len(parts)-n:]
	}
	for i, p := range parts {
		parts[i] = strings.TrimSuffix(p, "\r")
	}
	return parts, pos + int64(end) + 1, nil
}
