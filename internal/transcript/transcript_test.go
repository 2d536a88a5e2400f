package transcript

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeTranscript(t *testing.T, dir, sub, sid, content string) string {
	t.Helper()
	d := filepath.Join(dir, sub)
	require.NoError(t, os.MkdirAll(d, 0o755))
	p := filepath.Join(d, sid+".jsonl")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestEncodeProjectPath(t *testing.T) {
	require.Equal(t, "-Users-me-code-app", EncodeProjectPath("/Users/me/code/app"))
}

func TestResolvePrefersEncodedDirectory(t *testing.T) {
	dir := t.TempDir()
	r := &Reader{ProjectsDir: dir}
	encoded := writeTranscript(t, dir, EncodeProjectPath("/work/app"), "s1", "{}\n")
	writeTranscript(t, dir, "-aaa-elsewhere", "s1", "{}\n")

	p, err := r.Resolve("s1", "/work/app")
	require.NoError(t, err)
	require.Equal(t, encoded, p)
}

func TestResolveFallsBackToScan(t *testing.T) {
	dir := t.TempDir()
	r := &Reader{ProjectsDir: dir}
	other := writeTranscript(t, dir, "-some-other-encoding", "s2", "{}\n")

	p, err := r.Resolve("s2", "/work/app")
	require.NoError(t, err)
	require.Equal(t, other, p)

	_, err = r.Resolve("missing", "/work/app")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = r.Resolve("", "/work/app")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = r.Resolve("../s2", "/work/app")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveWithMissingProjectsDir(t *testing.T) {
	r := &Reader{ProjectsDir: filepath.Join(t.TempDir(), "nope")}
	_, err := r.ReadFull("s", "/x")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReadFullAndHistory(t *testing.T) {
	dir := t.TempDir()
	r := &Reader{ProjectsDir: dir}
	content := `{"type":"system","subtype":"init","session_id":"s3"}
not json
{"type":"assistant","message":{"content":[{"type":"text","text":"done"}]}}
`
	writeTranscript(t, dir, EncodeProjectPath("/p"), "s3", content)

	got, err := r.ReadFull("s3", "/p")
	require.NoError(t, err)
	require.Equal(t, content, got)

	hist, err := r.History("s3", "/p")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	require.Equal(t, "system", hist[0]["type"])

	require.Equal(t, "done", LastAssistantText(got))
	require.Empty(t, LastAssistantText("{}"))
}

func TestMetrics(t *testing.T) {
	content := strings.Join([]string{
		`{"timestamp":"2024-01-01T00:00:10Z","usage":{"input_tokens":10,"output_tokens":5},"cost":0.25}`,
		`{"timestamp":"2024-01-01T00:00:00Z","message":{"usage":{"input_tokens":1,"output_tokens":2}}}`,
		`garbage`,
		`{"timestamp":"2024-01-01T00:01:00.5Z","cost":0.5}`,
	}, "\n")

	m := Metrics(content)
	require.NotNil(t, m.DurationMS)
	require.EqualValues(t, 60500, *m.DurationMS)
	require.NotNil(t, m.TotalTokens)
	require.EqualValues(t, 18, *m.TotalTokens)
	require.NotNil(t, m.CostUSD)
	require.InDelta(t, 0.75, *m.CostUSD, 1e-9)
	require.NotNil(t, m.MessageCount)
	require.EqualValues(t, 3, *m.MessageCount)

	empty := Metrics("")
	require.Nil(t, empty.DurationMS)
	require.Nil(t, empty.TotalTokens)
	require.Nil(t, empty.CostUSD)
	require.Nil(t, empty.MessageCount)
}

func appendFile(t *testing.T, p, s string) {
	t.Helper()
	f, err := os.OpenFile(p, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(s)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestTailerReturnsOnlyNewCompleteLines(t *testing.T) {
	p := writeTranscript(t, t.TempDir(), "d", "s", "a\n")
	tl := NewTailer(p)

	chunk, err := tl.Next()
	require.NoError(t, err)
	require.Equal(t, "a\n", string(chunk))

	chunk, err = tl.Next()
	require.NoError(t, err)
	require.Empty(t, chunk)

	appendFile(t, p, "b\npart")
	chunk, err = tl.Next()
	require.NoError(t, err)
	require.Equal(t, "b\n", string(chunk))

	appendFile(t, p, "ial\n")
	chunk, err = tl.Next()
	require.NoError(t, err)
	require.Equal(t, "partial\n", string(chunk))

	appendFile(t, p, "tail")
	chunk, err = tl.Flush()
	require.NoError(t, err)
	require.Equal(t, "tail", string(chunk))

	require.NoError(t, os.WriteFile(p, []byte("x\n"), 0o644))
	chunk, err = tl.Next()
	require.NoError(t, err)
	require.Equal(t, "x\n", string(chunk))

	require.NoError(t, os.Remove(p))
	_, err = tl.Next()
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFollowStreamsUntilInactive(t *testing.T) {
	dir := t.TempDir()
	r := &Reader{ProjectsDir: dir}

	var active atomic.Bool
	active.Store(true)
	var mu sync.Mutex
	var got strings.Builder

	done := make(chan error, 1)
	go func() {
		done <- r.Follow(context.Background(), "live", "/proj", FollowOptions{
			Interval:        20 * time.Millisecond,
			MissingInterval: 20 * time.Millisecond,
			Active: func(context.Context) (bool, error) {
				return active.Load(), nil
			},
		}, func(chunk []byte) error {
			mu.Lock()
			got.Write(chunk)
			mu.Unlock()
			return nil
		})
	}()

	time.Sleep(60 * time.Millisecond)
	p := writeTranscript(t, dir, EncodeProjectPath("/proj"), "live", "one\n")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.String() == "one\n"
	}, 3*time.Second, 10*time.Millisecond)

	appendFile(t, p, "two\nthree")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.String() == "one\ntwo\n"
	}, 3*time.Second, 10*time.Millisecond)

	active.Store(false)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("follow did not stop")
	}
	require.Equal(t, "one\ntwo\nthree", got.String())
}

func TestFollowReturnsWhenRunEndsBeforeTranscript(t *testing.T) {
	r := &Reader{ProjectsDir: t.TempDir()}
	err := r.Follow(context.Background(), "never", "/p", FollowOptions{
		Active: func(context.Context) (bool, error) { return false, nil },
	}, func([]byte) error {
		t.Fatal("no output expected")
		return nil
	})
	require.NoError(t, err)
}

func TestFollowSurvivesWatcherErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	errs := make(chan error)
	var checks atomic.Int32
	var mu sync.Mutex
	var got strings.Builder

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- followWatched(ctx, NewTailer(path), FollowOptions{
			// Only the watcher channels wake the loop.
			Interval: time.Hour,
			Active: func(context.Context) (bool, error) {
				checks.Add(1)
				return true, nil
			},
		}, func(chunk []byte) error {
			mu.Lock()
			got.Write(chunk)
			mu.Unlock()
			return nil
		}, nil, errs)
	}()

	require.Eventually(t, func() bool { return checks.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
	appendFile(t, path, "one\n")
	errs <- os.ErrDeadlineExceeded
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.String() == "one\n"
	}, 3*time.Second, 10*time.Millisecond)

	// A closed error channel is dropped from the select, not spun on.
	close(errs)
	time.Sleep(100 * time.Millisecond)
	require.Less(t, checks.Load(), int32(5))

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("follow did not stop")
	}
}
