package surface

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/hack-pad/hackpadfs"
	osfs "github.com/hack-pad/hackpadfs/os"

	"github.com/jqknono/general-settings-ui/internal/protocol"
)

// File is a surface backed by a file on a hackpadfs file system. Edits by
// other programs are picked up by polling.
type File struct {
	*feed
	fsys     hackpadfs.FS
	path     string
	fsPath   string
	readOnly bool

	mu      sync.Mutex
	text    string
	version int64
	cancel  context.CancelFunc
	done    chan struct{}
}

type FileOptions struct {
	ReadOnly bool
	// FSPath is the host path reported to the form, when known.
	FSPath string
	// PollInterval enables polling for outside edits when positive.
	PollInterval time.Duration
}

// NewFile binds the file at name. A missing file reads as an empty text.
func NewFile(fsys hackpadfs.FS, name string, opts FileOptions) (*File, error) {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	f := &File{
		feed:     newFeed("file:" + name),
		fsys:     fsys,
		path:     name,
		fsPath:   opts.FSPath,
		readOnly: opts.ReadOnly,
		done:     make(chan struct{}),
	}
	text, err := f.load()
	if err != nil {
		return nil, err
	}
	f.text = text

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	if opts.PollInterval > 0 {
		go f.watch(ctx, opts.PollInterval)
	} else {
		close(f.done)
	}
	return f, nil
}

// OSFS roots a hackpadfs view of the host file system at dir.
func OSFS(dir string) (hackpadfs.FS, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	rel := strings.TrimPrefix(filepath.ToSlash(abs), "/")
	if rel == "" {
		rel = "."
	}
	return osfs.NewFS().Sub(rel)
}

func (f *File) load() (string, error) {
	data, err := hackpadfs.ReadFile(f.fsys, f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", f.path, err)
	}
	return string(data), nil
}

func (f *File) Source() protocol.Source {
	return protocol.Source{URI: "file:" + f.path, FSPath: f.fsPath}
}

func (f *File) Read(context.Context) (Snapshot, error) {
	if f.isClosed() {
		return Snapshot{}, ErrClosed
	}
	if _, err := f.Poll(); err != nil {
		return Snapshot{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return Snapshot{Text: f.text, Version: f.version}, nil
}

func (f *File) Write(_ context.Context, text string) (int64, error) {
	if f.isClosed() {
		return 0, ErrClosed
	}
	if f.readOnly {
		return 0, ErrReadOnly
	}
	f.mu.Lock()
	if err := hackpadfs.WriteFullFile(f.fsys, f.path, []byte(text), 0o644); err != nil {
		f.mu.Unlock()
		return 0, fmt.Errorf("failed to write %s: %w", f.path, err)
	}
	f.text = text
	f.version++
	v := f.version
	f.mu.Unlock()
	f.emit(text, v)
	return v, nil
}

// Poll checks the file once and reports whether it changed.
func (f *File) Poll() (bool, error) {
	text, err := f.load()
	if err != nil {
		return false, err
	}
	f.mu.Lock()
	if text == f.text {
		f.mu.Unlock()
		return false, nil
	}
	f.text = text
	f.version++
	v := f.version
	f.mu.Unlock()
	f.emit(text, v)
	return true, nil
}

func (f *File) watch(ctx context.Context, every time.Duration) {
	defer close(f.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := f.Poll(); err != nil {
				glog.Warningf("[surface] poll %s: %v", f.path, err)
			}
		}
	}
}

func (f *File) Close() error {
	f.cancel()
	<-f.done
	f.close()
	return nil
}
