package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	logx "taskbot/pkg/logx"
)

// filePersister keeps the snapshot in a single file.
//
// Saves write <path>.tmp and rename it over <path>, so readers only ever see a
// complete snapshot.
type filePersister struct {
	log  logx.Logger
	fs   FS
	path string
	tmp  string

	mu sync.Mutex
}

func openFile(cfg Config, fsys FS, log logx.Logger) (Persister, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	return NewFile(path, fsys, log)
}

// NewFile returns a file persister for path. A leftover temp file from an
// interrupted save is removed.
func NewFile(path string, fsys FS, log logx.Logger) (Persister, error) {
	if fsys == nil {
		fsys = OSFS{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &filePersister{log: log, fs: fsys, path: path, tmp: path + ".tmp"}
	if ok, err := fsys.Exists(p.tmp); err != nil {
		return nil, err
	} else if ok {
		p.log.Warn("removing stale snapshot temp file", logx.String("path", p.tmp))
		if err := fsys.Remove(p.tmp); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *filePersister) Load(ctx context.Context) ([]byte, error) {
	_ = ctx
	p.mu.Lock()
	defer p.mu.Unlock()
	ok, err := p.fs.Exists(p.path)
	if err != nil || !ok {
		return nil, err
	}
	r, err := p.fs.Read(p.path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (p *filePersister) Save(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.writeTemp(b); err != nil {
		_ = p.fs.Remove(p.tmp)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := p.fs.Rename(p.tmp, p.path); err != nil {
		_ = p.fs.Remove(p.tmp)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func (p *filePersister) writeTemp(b []byte) error {
	w, err := p.fs.Create(p.tmp)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		_ = w.Close()
		return err
	}
	if s, ok := w.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			_ = w.Close()
			return err
		}
	}
	return w.Close()
}

func (p *filePersister) Close() error { return nil }
