package streams

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
)

// PebbleBackend persists streams in a pebble database.
//
// Key layout:
//
//	meta/<id>             JSON Meta
//	chunk/<id>/<%010d>    JSON Chunk
type PebbleBackend struct {
	db *pebble.DB
	// SyncAppends forces an fsync for every chunk. Status changes are always synced.
	SyncAppends bool
}

var _ Backend = &PebbleBackend{}

func OpenPebbleBackend(path string) (*PebbleBackend, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open pebble stream store at %s", path)
	}
	return &PebbleBackend{db: db}, nil
}

func metaKey(id string) []byte {
	return []byte("meta/" + id)
}

func chunkPrefix(id string) []byte {
	return []byte("chunk/" + id + "/")
}

func chunkKey(id string, n int) []byte {
	return []byte(fmt.Sprintf("chunk/%s/%010d", id, n))
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (p *PebbleBackend) writeOpt(sync bool) *pebble.WriteOptions {
	if sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (p *PebbleBackend) CreateStream(ctx context.Context, meta *Meta) error {
	if _, err := p.LoadMeta(ctx, meta.ID); err == nil {
		return ErrStreamExists
	} else if !errors.Is(err, ErrStreamNotFound) {
		return err
	}
	return p.SaveMeta(ctx, meta)
}

func (p *PebbleBackend) LoadMeta(_ context.Context, id string) (*Meta, error) {
	v, closer, err := p.db.Get(metaKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrStreamNotFound
		}
		return nil, errors.Wrap(err, "load stream meta")
	}
	defer closer.Close()
	var meta Meta
	if err := json.Unmarshal(v, &meta); err != nil {
		return nil, errors.Wrapf(err, "decode stream meta %s", id)
	}
	return &meta, nil
}

func (p *PebbleBackend) SaveMeta(_ context.Context, meta *Meta) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "encode stream meta")
	}
	return errors.Wrap(p.db.Set(metaKey(meta.ID), b, pebble.Sync), "save stream meta")
}

func (p *PebbleBackend) AppendChunk(_ context.Context, meta *Meta, chunk Chunk) error {
	mb, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "encode stream meta")
	}
	cb, err := json.Marshal(chunk)
	if err != nil {
		return errors.Wrap(err, "encode chunk")
	}
	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(chunkKey(meta.ID, meta.Chunks-1), cb, nil); err != nil {
		return errors.Wrap(err, "stage chunk")
	}
	if err := batch.Set(metaKey(meta.ID), mb, nil); err != nil {
		return errors.Wrap(err, "stage stream meta")
	}
	return errors.Wrap(p.db.Apply(batch, p.writeOpt(p.SyncAppends)), "append chunk")
}

func (p *PebbleBackend) LoadChunks(_ context.Context, id string, count int) ([]Chunk, error) {
	prefix := chunkPrefix(id)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, errors.Wrap(err, "iterate chunks")
	}
	defer iter.Close()

	ret := make([]Chunk, 0, count)
	for iter.First(); iter.Valid() && len(ret) < count; iter.Next() {
		var c Chunk
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			return nil, errors.Wrapf(err, "decode chunk %s", iter.Key())
		}
		ret = append(ret, c)
	}
	return ret, iter.Error()
}

func (p *PebbleBackend) DeleteStream(_ context.Context, id string) error {
	batch := p.db.NewBatch()
	defer batch.Close()
	prefix := chunkPrefix(id)
	if err := batch.DeleteRange(prefix, upperBound(prefix), nil); err != nil {
		return errors.Wrap(err, "stage chunk delete")
	}
	if err := batch.Delete(metaKey(id), nil); err != nil {
		return errors.Wrap(err, "stage meta delete")
	}
	return errors.Wrap(p.db.Apply(batch, pebble.Sync), "delete stream")
}

func (p *PebbleBackend) ListStreams(_ context.Context, fn func(*Meta) error) error {
	prefix := []byte("meta/")
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return errors.Wrap(err, "iterate streams")
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var meta Meta
		if err := json.Unmarshal(iter.Value(), &meta); err != nil {
			return errors.Wrapf(err, "decode stream meta %s", iter.Key())
		}
		if err := fn(&meta); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (p *PebbleBackend) Close() error {
	return p.db.Close()
}
