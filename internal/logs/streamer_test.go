package logs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/botpanel/internal/models"
	"github.com/narvanalabs/botpanel/internal/registry"
)

const waitFor = 3 * time.Second

func newTestStreamer(t *testing.T, replay int) (*Streamer, *registry.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	reg := registry.New(nil, nil)
	s := NewStreamer(reg, Config{ReplayLines: replay, PollInterval: 20 * time.Millisecond}, nil)
	return s, reg, dir
}

func register(t *testing.T, reg *registry.Registry, name, outPath string) {
	t.Helper()
	require.NoError(t, reg.Insert(context.Background(), &models.Workload{
		Name:       name,
		Runtime:    models.RuntimeNode,
		OutLogPath: outPath,
	}))
}

func appendFile(t *testing.T, path, text string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(text)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func next(t *testing.T, sub *Subscription) models.LogLine {
	t.Helper()
	select {
	case l, ok := <-sub.Lines():
		require.True(t, ok, "subscription closed early")
		return l
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a log line")
		return models.LogLine{}
	}
}

func TestSubscribe_ReplaysThenFollows(t *testing.T) {
	s, reg, dir := newTestStreamer(t, 3)
	path := filepath.Join(dir, "echo-bot-out.log")
	appendFile(t, path, "one\ntwo\nthree\nfour\n")
	register(t, reg, "echo-bot", path)

	sub, err := s.Subscribe(context.Background(), "echo-bot", models.LogStreamOut)
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, "two", next(t, sub).Message)
	assert.Equal(t, "three", next(t, sub).Message)
	assert.Equal(t, "four", next(t, sub).Message)

	appendFile(t, path, "five\n")
	l := next(t, sub)
	assert.Equal(t, "five", l.Message)
	assert.Equal(t, "echo-bot", l.Workload)
	assert.Equal(t, models.LogStreamOut, l.Stream)
	assert.False(t, l.Diagnostic)
}

func TestSubscribe_PartialLineWaitsForNewline(t *testing.T) {
	s, reg, dir := newTestStreamer(t, 10)
	path := filepath.Join(dir, "bot-out.log")
	appendFile(t, path, "done\nhalf")
	register(t, reg, "bot", path)

	sub, err := s.Subscribe(context.Background(), "bot", "")
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, "done", next(t, sub).Message)
	appendFile(t, path, " line\r\n")
	assert.Equal(t, "half line", next(t, sub).Message)
}

func TestSubscribe_Truncation(t *testing.T) {
	s, reg, dir := newTestStreamer(t, 10)
	path := filepath.Join(dir, "bot-out.log")
	appendFile(t, path, "aaaaaaaaaa\nbbbbbbbbbb\n")
	register(t, reg, "bot", path)

	sub, err := s.Subscribe(context.Background(), "bot", models.LogStreamOut)
	require.NoError(t, err)
	defer sub.Close()
	next(t, sub)
	next(t, sub)

	require.NoError(t, os.WriteFile(path, []byte("new\n"), 0o644))

	diag := next(t, sub)
	assert.True(t, diag.Diagnostic)
	assert.Contains(t, diag.Message, "truncated")
	assert.Equal(t, "new", next(t, sub).Message)
}

func TestSubscribe_MissingFileIsDiagnosticThenFollows(t *testing.T) {
	s, reg, dir := newTestStreamer(t, 10)
	path := filepath.Join(dir, "late-out.log")
	register(t, reg, "late", path)

	sub, err := s.Subscribe(context.Background(), "late", models.LogStreamOut)
	require.NoError(t, err)
	defer sub.Close()

	diag := next(t, sub)
	assert.True(t, diag.Diagnostic)
	assert.Contains(t, diag.Message, "cannot open out log")

	appendFile(t, path, "hello\n")
	assert.Equal(t, "hello", next(t, sub).Message)
}

func TestSubscribe_NoPathYet(t *testing.T) {
	s, reg, _ := newTestStreamer(t, 10)
	register(t, reg, "fresh", "")

	sub, err := s.Subscribe(context.Background(), "fresh", models.LogStreamErr)
	require.NoError(t, err)
	defer sub.Close()

	diag := next(t, sub)
	assert.True(t, diag.Diagnostic)
	assert.Equal(t, models.LogStreamErr, diag.Stream)
}

func TestSubscribe_Errors(t *testing.T) {
	s, reg, _ := newTestStreamer(t, 10)
	register(t, reg, "bot", "")

	_, err := s.Subscribe(context.Background(), "ghost", models.LogStreamOut)
	assert.ErrorIs(t, err, registry.ErrNotFound)

	_, err = s.Subscribe(context.Background(), "bot", "stdin")
	assert.ErrorIs(t, err, ErrInvalidStream)
	assert.Equal(t, 0, s.Active())
}

func TestSubscribe_CloseReleases(t *testing.T) {
	s, reg, dir := newTestStreamer(t, 10)
	path := filepath.Join(dir, "bot-out.log")
	appendFile(t, path, "x\n")
	register(t, reg, "bot", path)

	sub, err := s.Subscribe(context.Background(), "bot", models.LogStreamOut)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Active())

	sub.Close()
	sub.Close()
	assert.Eventually(t, func() bool { return s.Active() == 0 }, waitFor, 10*time.Millisecond)
	_, ok := <-sub.Lines()
	assert.False(t, ok)
}

func TestSubscribe_ContextCancelStopsTail(t *testing.T) {
	s, reg, dir := newTestStreamer(t, 10)
	path := filepath.Join(dir, "bot-out.log")
	appendFile(t, path, "")
	register(t, reg, "bot", path)

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := s.Subscribe(ctx, "bot", models.LogStreamOut)
	require.NoError(t, err)

	cancel()
	select {
	case <-sub.Done():
	case <-time.After(waitFor):
		t.Fatal("tail did not stop after cancellation")
	}
	assert.Equal(t, 0, s.Active())
}

func TestSubscribe_WorkloadRemovedEndsTail(t *testing.T) {
	s, reg, dir := newTestStreamer(t, 10)
	path := filepath.Join(dir, "bot-out.log")
	appendFile(t, path, "")
	register(t, reg, "bot", path)

	sub, err := s.Subscribe(context.Background(), "bot", models.LogStreamOut)
	require.NoError(t, err)
	require.NoError(t, reg.Remove(context.Background(), "bot"))

	diag := next(t, sub)
	assert.True(t, diag.Diagnostic)
	select {
	case <-sub.Done():
	case <-time.After(waitFor):
		t.Fatal("tail did not stop after workload removal")
	}
}

func TestSubscribe_IndependentObservers(t *testing.T) {
	s, reg, dir := newTestStreamer(t, 10)
	path := filepath.Join(dir, "bot-out.log")
	appendFile(t, path, "")
	register(t, reg, "bot", path)

	a, err := s.Subscribe(context.Background(), "bot", models.LogStreamOut)
	require.NoError(t, err)
	defer a.Close()
	b, err := s.Subscribe(context.Background(), "bot", models.LogStreamOut)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Active())

	b.Close()
	appendFile(t, path, "still here\n")
	assert.Equal(t, "still here", next(t, a).Message)
}

func TestTail(t *testing.T) {
	s, reg, dir := newTestStreamer(t, 2)
	path := filepath.Join(dir, "bot-out.log")
	appendFile(t, path, "a\nb\nc\n")
	register(t, reg, "bot", path)
	register(t, reg, "nolog", filepath.Join(dir, "missing.log"))

	lines, err := s.Tail("bot", models.LogStreamOut, 0)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, "b", lines[0].Message)
	assert.Equal(t, "c", lines[1].Message)

	lines, err = s.Tail("bot", models.LogStreamOut, 10)
	require.NoError(t, err)
	assert.Len(t, lines, 3)

	lines, err = s.Tail("nolog", models.LogStreamOut, 10)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.True(t, lines[0].Diagnostic)

	_, err = s.Tail("ghost", models.LogStreamOut, 10)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestReadLastLines(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		n          int
		want       []string
		wantOffset int64
	}{
		{"empty", "", 5, nil, 0},
		{"fewer than n", "a\nb\n", 5, []string{"a", "b"}, 4},
		{"last n", "a\nb\nc\n", 2, []string{"b", "c"}, 6},
		{"trailing partial", "a\nb\npar", 5, []string{"a", "b"}, 4},
		{"only partial", "partial", 5, nil, 0},
		{"crlf", "a\r\nb\r\n", 5, []string{"a", "b"}, 6},
		{"blank lines kept", "a\n\nb\n", 5, []string{"a", "", "b"}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := strings.NewReader(tt.content)
			got, off, err := readLastLines(r, int64(len(tt.content)), tt.n)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOffset, off)
		})
	}
}

func TestReadLastLines_AcrossChunks(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 5000; i++ {
		fmt.Fprintf(&b, "line %04d with some padding to cross chunk boundaries\n", i)
	}
	content := b.String()

	got, off, err := readLastLines(strings.NewReader(content), int64(len(content)), 500)
	require.NoError(t, err)
	require.Len(t, got, 500)
	assert.True(t, strings.HasPrefix(got[0], "line 4500 "))
	assert.True(t, strings.HasPrefix(got[499], "line 4999 "))
	assert.Equal(t, int64(len(content)), off)
}
