package proc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voice-sfu/internal/engine"
	"github.com/dkeye/voice-sfu/internal/engine/channel"
)

const maxTombstones = 1024

type closer interface {
	markClosed()
}

// Worker is the parent side proxy of a worker process.
type Worker struct {
	ch   *channel.Channel
	pid  int
	kill func() error

	diedOnce sync.Once
	died     chan struct{}

	mu      sync.Mutex
	err     error
	objects map[string]closer
	// ids reported closed before their creating request returned
	tombstones map[string]struct{}
}

func newWorker(ch *channel.Channel, pid int, kill func() error) *Worker {
	w := &Worker{
		ch:         ch,
		pid:        pid,
		kill:       kill,
		died:       make(chan struct{}),
		objects:    make(map[string]closer),
		tombstones: make(map[string]struct{}),
	}
	go w.dispatch()
	return w
}

func (w *Worker) Pid() int              { return w.pid }
func (w *Worker) Died() <-chan struct{} { return w.died }

func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Worker) dispatch() {
	for msg := range w.ch.Notifications() {
		if msg.Method == channel.EventClosed {
			w.closed(msg.Target)
		}
	}
	err := w.ch.Err()
	if err == nil {
		err = channel.ErrChannelClosed
	}
	w.exited(err)
}

func (w *Worker) closed(id string) {
	w.mu.Lock()
	obj, ok := w.objects[id]
	if ok {
		delete(w.objects, id)
	} else {
		if len(w.tombstones) >= maxTombstones {
			clear(w.tombstones)
		}
		w.tombstones[id] = struct{}{}
	}
	w.mu.Unlock()
	if ok {
		obj.markClosed()
	}
}

func (w *Worker) register(id string, obj closer) {
	w.mu.Lock()
	_, gone := w.tombstones[id]
	delete(w.tombstones, id)
	dead := w.err != nil
	if !gone && !dead {
		w.objects[id] = obj
	}
	w.mu.Unlock()
	if gone || dead {
		obj.markClosed()
	}
}

func (w *Worker) forget(id string) {
	w.mu.Lock()
	delete(w.objects, id)
	w.mu.Unlock()
}

// exited records the first cause of death, closes every live object and
// then signals Died.
func (w *Worker) exited(cause error) {
	w.diedOnce.Do(func() {
		w.mu.Lock()
		w.err = cause
		objects := w.objects
		w.objects = make(map[string]closer)
		w.mu.Unlock()

		for _, obj := range objects {
			obj.markClosed()
		}
		_ = w.ch.Close()
		if w.kill != nil {
			_ = w.kill()
		}
		log.Warn().Str("module", "proc").Int("pid", w.pid).Err(cause).Msg("worker died")
		close(w.died)
	})
}

// Close asks the worker to exit by closing its input and waits briefly
// before killing it.
func (w *Worker) Close() error {
	_ = w.ch.Close()
	select {
	case <-w.died:
	case <-time.After(stopTimeout):
		w.exited(engine.ErrClosed)
	}
	return nil
}

func (w *Worker) request(ctx context.Context, method, target string, in, out any) error {
	err := w.ch.Request(ctx, method, target, in, out)
	if errors.Is(err, channel.ErrChannelClosed) {
		return fmt.Errorf("%w: %v", engine.ErrWorkerDied, err)
	}
	return err
}

func (w *Worker) CreateRouter(ctx context.Context, opts engine.RouterOptions) (engine.Router, error) {
	var info engine.RouterInfo
	if err := w.request(ctx, channel.MethodCreateRouter, "", opts, &info); err != nil {
		return nil, err
	}
	r := &Router{
		object:    newObject(info.ID, w),
		caps:      info.RtpCapabilities,
		producers: make(map[string]engine.RtpParameters),
	}
	w.register(r.id, r)
	return r, nil
}

// object carries identity and the Done channel shared by all proxies.
type object struct {
	id      string
	w       *Worker
	once    sync.Once
	done    chan struct{}
	onClose func()
}

func newObject(id string, w *Worker) *object {
	return &object{id: id, w: w, done: make(chan struct{})}
}

func (o *object) ID() string            { return o.id }
func (o *object) Done() <-chan struct{} { return o.done }

func (o *object) markClosed() {
	o.once.Do(func() {
		if o.onClose != nil {
			o.onClose()
		}
		close(o.done)
	})
}

func (o *object) isClosed() bool {
	select {
	case <-o.done:
		return true
	default:
		return false
	}
}

// closeRemote closes the worker side object. Objects already gone on the
// worker count as closed.
func (o *object) closeRemote(method string) error {
	if o.isClosed() {
		return nil
	}
	err := o.w.request(context.Background(), method, o.id, nil, nil)
	o.w.forget(o.id)
	o.markClosed()
	if err != nil && !errors.Is(err, engine.ErrNotFound) && !errors.Is(err, engine.ErrWorkerDied) {
		return err
	}
	return nil
}
