package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// LoadFunc performs the actual fetch for one key. It reports each loaded
// item through emit as it becomes available and returns the total count.
type LoadFunc func(ctx context.Context, key string, emit func(item any)) (int, error)

// CompletionHandler is invoked once per finished load with the key, the
// number of items loaded, and the error if the load failed.
type CompletionHandler func(key string, loaded int, err error)

// ItemHandler is invoked once per loaded item as it streams in, before the
// load completes.
type ItemHandler func(key string, item any)

// Loader deduplicates concurrent loads for the same key and runs them on a
// small fixed worker pool. A key already in flight is not re-fetched; the
// duplicate request is dropped.
type Loader struct {
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	shutdown bool

	tasks chan loadTask
	wg    sync.WaitGroup
	ctx   context.Context
	stop  context.CancelFunc

	onComplete CompletionHandler
	onItem     ItemHandler
}

type loadTask struct {
	key string
	fn  LoadFunc
}

// NewLoader starts a Loader with the given number of workers (minimum 1).
func NewLoader(workers int, logger *slog.Logger) *Loader {
	if workers < 1 {
		workers = 1
	}
	ctx, stop := context.WithCancel(context.Background())
	l := &Loader{
		logger:   logger,
		inflight: make(map[string]struct{}),
		tasks:    make(chan loadTask, 64),
		ctx:      ctx,
		stop:     stop,
	}
	for i := 0; i < workers; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	return l
}

// OnComplete registers the completion callback. Must be set before loads
// are enqueued.
func (l *Loader) OnComplete(fn CompletionHandler) { l.onComplete = fn }

// OnItem registers the streaming per-item callback. Optional.
func (l *Loader) OnItem(fn ItemHandler) { l.onItem = fn }

// TryBeginLoad atomically marks key as in flight. It returns false, doing
// nothing further, when the key is already loading. Callers that get true
// must guarantee EndLoad runs when the load finishes; Load handles this.
func (l *Loader) TryBeginLoad(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.shutdown {
		return false
	}
	if _, loading := l.inflight[key]; loading {
		return false
	}
	l.inflight[key] = struct{}{}
	return true
}

// EndLoad removes key from the in-flight set.
func (l *Loader) EndLoad(key string) {
	l.mu.Lock()
	delete(l.inflight, key)
	l.mu.Unlock()
}

// IsLoading reports whether key is currently in flight.
func (l *Loader) IsLoading(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, loading := l.inflight[key]
	return loading
}

// Load enqueues a fetch for key unless one is already in flight, in which
// case it returns false and the duplicate request is dropped.
func (l *Loader) Load(key string, fn LoadFunc) bool {
	if !l.TryBeginLoad(key) {
		return false
	}
	select {
	case l.tasks <- loadTask{key: key, fn: fn}:
		return true
	case <-l.ctx.Done():
		l.EndLoad(key)
		return false
	}
}

// Shutdown stops the workers, waiting up to timeout for in-flight loads to
// finish before giving up.
func (l *Loader) Shutdown(timeout time.Duration) error {
	l.mu.Lock()
	if l.shutdown {
		l.mu.Unlock()
		return fmt.Errorf("loader: already shut down")
	}
	l.shutdown = true
	l.mu.Unlock()

	l.stop()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		l.logger.Warn("loader workers did not stop within deadline")
		return fmt.Errorf("loader: shutdown deadline exceeded")
	}
}

func (l *Loader) worker() {
	defer l.wg.Done()
	for {
		select {
		case <-l.ctx.Done():
			return
		case task := <-l.tasks:
			l.run(task)
		}
	}
}

// run executes one load. The in-flight mark is released in a defer so it
// clears on success, failure, and panic alike.
func (l *Loader) run(task loadTask) {
	var (
		loaded int
		err    error
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("loader: panic loading %q: %v", task.key, r)
			l.logger.Error("load panicked", "key", task.key, "panic", r)
		}
		l.EndLoad(task.key)
		l.complete(task.key, loaded, err)
	}()

	emit := func(item any) {
		loaded++
		if l.onItem != nil {
			l.safeItem(task.key, item)
		}
	}

	var count int
	count, err = task.fn(l.ctx, task.key, emit)
	if count > loaded {
		loaded = count
	}
}

func (l *Loader) complete(key string, loaded int, err error) {
	if l.onComplete == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("completion callback panicked", "key", key, "panic", r)
		}
	}()
	l.onComplete(key, loaded, err)
}

func (l *Loader) safeItem(key string, item any) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("item callback panicked", "key", key, "panic", r)
		}
	}()
	l.onItem(key, item)
}
