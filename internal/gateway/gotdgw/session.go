package gotdgw

import (
	"context"
	"os"
	"sync"

	"github.com/go-faster/errors"
	tdsession "github.com/gotd/td/session"

	"spectra/internal/infra/storage"
)

// fileSessionStorage implements tdsession.Storage over a plain file, one per
// account (keyed by SessionHandle via the caller's chosen path). Writes are
// atomic so a crash mid-login never corrupts a session file.
type fileSessionStorage struct {
	Path string
	mux  sync.Mutex
}

var _ tdsession.Storage = (*fileSessionStorage)(nil)

func (f *fileSessionStorage) LoadSession(_ context.Context) ([]byte, error) {
	if f == nil {
		return nil, errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	return data, nil
}

func (f *fileSessionStorage) StoreSession(_ context.Context, data []byte) error {
	if f == nil {
		return errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	if err := storage.AtomicWriteFile(f.Path, data); err != nil {
		return errors.Wrap(err, "atomic write session")
	}
	return nil
}
