package storage

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Event reports that a stored key changed outside the current process —
// the equivalent of another browser tab writing to shared local storage.
type Event struct {
	Key string
}

// Watcher is implemented by stores that can report out-of-band key changes.
type Watcher interface {
	// Watch emits an Event whenever a key's value changes on disk. The
	// channel is closed when ctx is cancelled.
	Watch(ctx context.Context, logger zerolog.Logger) (<-chan Event, error)
}

// Watch implements Watcher for FileStore using an fsnotify watch on the
// backing directory. Temp files from atomic writes are ignored; only the
// final rename onto the snapshot file produces an event.
func (f *FileStore) Watch(ctx context.Context, logger zerolog.Logger) (<-chan Event, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(f.dir); err != nil {
		w.Close()
		return nil, err
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
					continue
				}
				name := filepath.Base(ev.Name)
				if !strings.HasSuffix(name, ".snapshot") {
					continue
				}
				key := strings.TrimSuffix(name, ".snapshot")
				select {
				case out <- Event{Key: key}:
				default:
					// Drop rather than block the notify loop; the
					// poller catches anything missed here.
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("storage watch error")
			}
		}
	}()
	return out, nil
}
