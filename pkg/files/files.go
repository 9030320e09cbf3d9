// Package files is the binary file storage used for attachments and
// generated images.
package files

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrFileNotFound     = errors.New("file not found")
	ErrInvalidUploadURL = errors.New("upload url is invalid or expired")
)

type Metadata struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Storage interface {
	// GenerateUploadURL returns a single-use URL a client can POST a file to.
	GenerateUploadURL(ctx context.Context) (string, error)
	URL(ctx context.Context, id string) (string, error)
	Metadata(ctx context.Context, id string) (*Metadata, error)
	Put(ctx context.Context, name string, contentType string, data []byte) (string, error)
	Delete(ctx context.Context, id string) error
}

// Local keeps files on disk next to a JSON sidecar holding their metadata.
// URLs point at BaseURL, under which the api package serves /files/{id}
// and /files/upload/{token}.
type Local struct {
	Dir       string
	BaseURL   string
	UploadTTL time.Duration

	mu      sync.Mutex
	uploads map[string]time.Time
	now     func() time.Time
}

var _ Storage = &Local{}

func NewLocal(dir string, baseURL string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create file storage dir %s", dir)
	}
	return &Local{
		Dir:       dir,
		BaseURL:   baseURL,
		UploadTTL: time.Hour,
		uploads:   map[string]time.Time{},
		now:       time.Now,
	}, nil
}

var validID = regexp.MustCompile(`^[0-9a-f-]{36}$`)

func (l *Local) path(id string) (string, error) {
	if !validID.MatchString(id) {
		return "", errors.Wrapf(ErrFileNotFound, "invalid id %q", id)
	}
	return filepath.Join(l.Dir, id), nil
}

func (l *Local) GenerateUploadURL(_ context.Context) (string, error) {
	token := uuid.NewString()
	l.mu.Lock()
	l.uploads[token] = l.now().Add(l.UploadTTL)
	l.mu.Unlock()
	return l.BaseURL + "/files/upload/" + url.PathEscape(token), nil
}

// Upload consumes an upload token and stores the body under a new id.
func (l *Local) Upload(ctx context.Context, token string, name string, contentType string, r io.Reader) (string, error) {
	l.mu.Lock()
	expires, ok := l.uploads[token]
	delete(l.uploads, token)
	l.mu.Unlock()
	if !ok || l.now().After(expires) {
		return "", ErrInvalidUploadURL
	}
	return l.write(ctx, name, contentType, r)
}

func (l *Local) Put(ctx context.Context, name string, contentType string, data []byte) (string, error) {
	return l.write(ctx, name, contentType, bytes.NewReader(data))
}

func (l *Local) write(_ context.Context, name string, contentType string, r io.Reader) (string, error) {
	id := uuid.NewString()
	p, err := l.path(id)
	if err != nil {
		return "", err
	}
	f, err := os.Create(p)
	if err != nil {
		return "", errors.Wrap(err, "create file")
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(p)
		return "", errors.Wrap(err, "write file")
	}

	meta := Metadata{
		ID:          id,
		Name:        name,
		ContentType: contentType,
		Size:        size,
		CreatedAt:   l.now().UTC(),
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(p+".json", b, 0o644); err != nil {
		_ = os.Remove(p)
		return "", errors.Wrap(err, "write file metadata")
	}
	log.Debug().Str("storage_id", id).Int64("size", size).Str("content_type", contentType).Msg("stored file")
	return id, nil
}

func (l *Local) URL(ctx context.Context, id string) (string, error) {
	if _, err := l.Metadata(ctx, id); err != nil {
		return "", err
	}
	return l.BaseURL + "/files/" + id, nil
}

func (l *Local) Metadata(_ context.Context, id string) (*Metadata, error) {
	p, err := l.path(id)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p + ".json")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrFileNotFound, "file %s", id)
		}
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, errors.Wrapf(err, "decode metadata of %s", id)
	}
	return &meta, nil
}

// Open returns the file content. Callers close the reader.
func (l *Local) Open(ctx context.Context, id string) (io.ReadCloser, *Metadata, error) {
	meta, err := l.Metadata(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	p, _ := l.path(id)
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.Wrapf(ErrFileNotFound, "file %s", id)
		}
		return nil, nil, err
	}
	return f, meta, nil
}

func (l *Local) Delete(_ context.Context, id string) error {
	p, err := l.path(id)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "delete file %s", id)
	}
	if err := os.Remove(p + ".json"); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "delete metadata of %s", id)
	}
	return nil
}
