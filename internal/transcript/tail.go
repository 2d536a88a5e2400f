package transcript

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"goa.design/clue/log"
	"golang.org/x/time/rate"
)

// Tailer yields the bytes appended to a file since the previous call. Only
// complete lines are returned; a trailing partial line waits for its
// newline or for Flush.
type Tailer struct {
	path   string
	offset int64 // bytes handed out
	size   int64 // file length at the last read
}

func NewTailer(path string) *Tailer {
	return &Tailer{path: path}
}

func (t *Tailer) Path() string { return t.path }

// Next returns the complete lines written since the last call. The file is
// only read when its length has changed; a shrink restarts from the top.
func (t *Tailer) Next() ([]byte, error) {
	fi, err := os.Stat(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", t.path, ErrNotFound)
		}
		return nil, err
	}
	size := fi.Size()
	if size < t.offset {
		t.offset, t.size = 0, 0
	}
	if size == t.size {
		return nil, nil
	}
	t.size = size

	data, err := t.readFrom(t.offset, size)
	if err != nil {
		return nil, err
	}
	i := bytes.LastIndexByte(data, '\n')
	if i < 0 {
		return nil, nil
	}
	data = data[:i+1]
	t.offset += int64(len(data))
	return data, nil
}

// Flush returns whatever remains after the last complete line.
func (t *Tailer) Flush() ([]byte, error) {
	fi, err := os.Stat(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if fi.Size() <= t.offset {
		return nil, nil
	}
	data, err := t.readFrom(t.offset, fi.Size())
	if err != nil {
		return nil, err
	}
	t.offset += int64(len(data))
	t.size = t.offset
	return data, nil
}

func (t *Tailer) readFrom(off, size int64) ([]byte, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(f, size-off))
}

type FollowOptions struct {
	// Interval is the poll period once the transcript exists.
	Interval time.Duration
	// MissingInterval is the poll period while it does not exist yet.
	MissingInterval time.Duration
	// Active reports whether the run is still producing output. Following
	// stops after the first check that returns false.
	Active func(ctx context.Context) (bool, error)
}

func (o *FollowOptions) defaults() {
	if o.Interval <= 0 {
		o.Interval = 500 * time.Millisecond
	}
	if o.MissingInterval <= 0 {
		o.MissingInterval = 2 * time.Second
	}
	if o.Active == nil {
		o.Active = func(context.Context) (bool, error) { return true, nil }
	}
}

// Follow streams a session transcript to fn, chunk by chunk, until the run
// stops being active or ctx is done. The transcript may not exist when
// Follow starts.
func (r *Reader) Follow(ctx context.Context, sessionID, projectPath string, opts FollowOptions, fn func([]byte) error) error {
	opts.defaults()

	var path string
	for path == "" {
		p, err := r.Resolve(sessionID, projectPath)
		switch {
		case err == nil:
			path = p
		case errors.Is(err, ErrNotFound):
			active, aerr := opts.Active(ctx)
			if aerr != nil {
				return aerr
			}
			if !active {
				return nil
			}
			if err := sleep(ctx, opts.MissingInterval); err != nil {
				return err
			}
		default:
			return err
		}
	}

	return follow(ctx, NewTailer(path), opts, fn)
}

func follow(ctx context.Context, t *Tailer, opts FollowOptions, fn func([]byte) error) error {
	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnf(ctx, "transcript watcher: %v; polling only", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(t.Path()); err != nil {
			log.Warnf(ctx, "transcript watch %s: %v; polling only", t.Path(), err)
		} else {
			events, errs = watcher.Events, watcher.Errors
		}
	}
	return followWatched(ctx, t, opts, fn, events, errs)
}

// followWatched is the follow loop fed by a watcher's channels. Nil
// channels leave only the poll ticker.
func followWatched(ctx context.Context, t *Tailer, opts FollowOptions, fn func([]byte) error, events <-chan fsnotify.Event, errs <-chan error) error {
	// Writes arrive in bursts; coalesce them.
	limiter := rate.NewLimiter(rate.Every(opts.Interval/5), 1)
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	emit := func(next func() ([]byte, error)) error {
		chunk, err := next()
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			return nil
		}
		return fn(chunk)
	}

	for {
		if err := emit(t.Next); err != nil {
			return err
		}
		active, err := opts.Active(ctx)
		if err != nil {
			return err
		}
		if !active {
			if err := emit(t.Next); err != nil {
				return err
			}
			return emit(t.Flush)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			// Events may have been lost; the ticker still catches up.
			log.Warnf(ctx, "transcript watch %s: %v", t.Path(), err)
		case <-ticker.C:
		}
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
