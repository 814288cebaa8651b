package tail

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"
)

const (
	DefaultLines         = 100
	DefaultMaxBytes      = 64 * 1024
	DefaultFirstInterval = 3 * time.Second
	DefaultInterval      = 10 * time.Second
)

// Tail returns the last lines of the file at path, reading no more than the
// final maxBytes of it. A missing file yields an empty tail.
func Tail(path string, lines int, maxBytes int64) (string, error) {
	if lines <= 0 {
		lines = DefaultLines
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	offset := info.Size() - maxBytes
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	n, err := f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	buf = buf[:n]
	if offset > 0 {
		// Drop the partial first line unless it is all there is.
		if i := bytes.IndexByte(buf, '\n'); i >= 0 && i+1 < len(buf) {
			buf = buf[i+1:]
		}
	}
	return lastLines(buf, lines), nil
}

func lastLines(buf []byte, lines int) string {
	end := len(buf)
	if end > 0 && buf[end-1] == '\n' {
		end--
	}
	start := end
	for count := 0; start > 0; {
		if buf[start-1] == '\n' {
			count++
			if count == lines {
				break
			}
		}
		start--
	}
	return string(buf[start:len(buf)])
}

type Options struct {
	Lines         int
	MaxBytes      int64
	FirstInterval time.Duration
	Interval      time.Duration
}

func (o Options) withDefaults() Options {
	if o.Lines <= 0 {
		o.Lines = DefaultLines
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.FirstInterval <= 0 {
		o.FirstInterval = DefaultFirstInterval
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	return o
}

// Tailer samples a growing file on its own goroutine and hands changed
// tails to a callback.
type Tailer struct {
	path string
	opts Options
	fn   func(text string)

	mu       sync.Mutex
	lastSize int64
	lastMod  time.Time
	sampled  bool

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start begins sampling path. fn is never called concurrently with itself.
func Start(ctx context.Context, opts Options, path string, fn func(text string)) *Tailer {
	ctx, cancel := context.WithCancel(ctx)
	t := &Tailer{
		path:   path,
		opts:   opts.withDefaults(),
		fn:     fn,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go t.loop(ctx)
	return t
}

func (t *Tailer) loop(ctx context.Context) {
	defer close(t.done)
	timer := time.NewTimer(t.opts.FirstInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			t.sample()
			timer.Reset(t.opts.Interval)
		}
	}
}

// Stop halts sampling and takes one last sample so the final output of the
// command is always delivered.
func (t *Tailer) Stop() {
	t.once.Do(func() {
		t.cancel()
		<-t.done
		t.sample()
	})
}

func (t *Tailer) sample() {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, err := os.Stat(t.path)
	if err != nil {
		return
	}
	if t.sampled && info.Size() == t.lastSize && info.ModTime().Equal(t.lastMod) {
		return
	}
	text, err := Tail(t.path, t.opts.Lines, t.opts.MaxBytes)
	if err != nil {
		return
	}
	t.sampled = true
	t.lastSize = info.Size()
	t.lastMod = info.ModTime()
	t.fn(text)
}
