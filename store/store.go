// Package store persists documents, text buffers and change logs in
// a pebble keyspace. One store holds many documents keyed by id; the
// heads of a document live under a merge-operator key so concurrent
// writers fold into their max-union at compaction time.
package store

import (
	"encoding/binary"
	"log/slog"

	"github.com/cespare/xxhash"
	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"

	pocket "github.com/josedab/pocket-sub009"
	"github.com/josedab/pocket-sub009/causal"
	"github.com/josedab/pocket-sub009/rga"
	"github.com/josedab/pocket-sub009/utils"
)

var ErrClosed = errors.New("store is closed")
var ErrNotFound = errors.New("not found")
var ErrCorrupt = errors.New("checksum mismatch")

// Keyspace, one letter per record family:
//
//	'd' <id>                      document snapshot (checksummed JSON)
//	'b' <id>                      text buffer snapshot (checksummed JSON)
//	'h' <id>                      heads, H-record TLV, merge key
//	'c' <id> 0 <actor> 0 <seq8>   change log, C-record TLV
//
// Ids and actors must not contain NUL.
const (
	litDoc    = 'd'
	litBuffer = 'b'
	litHeads  = 'h'
	litChange = 'c'
)

type Options struct {
	// WriteSync forces a WAL fsync per write. Slow, durable.
	WriteSync bool
	Logger    utils.Logger
}

func (o *Options) SetDefaults() {
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(slog.LevelInfo)
	}
}

type Store struct {
	db   *pebble.DB
	wo   *pebble.WriteOptions
	log  utils.Logger
	path string
}

func Open(path string, opts Options) (*Store, error) {
	opts.SetDefaults()
	db, err := pebble.Open(path, &pebble.Options{
		Merger: &merger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: open")
	}
	wo := pebble.NoSync
	if opts.WriteSync {
		wo = pebble.Sync
	}
	return &Store{db: db, wo: wo, log: opts.Logger, path: path}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return ErrClosed
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) Path() string {
	return s.path
}

func key(lit byte, id string) []byte {
	return append([]byte{lit}, id...)
}

func changeKey(id, actor string, seq uint64) []byte {
	k := make([]byte, 0, len(id)+len(actor)+11)
	k = append(k, litChange)
	k = append(k, id...)
	k = append(k, 0)
	k = append(k, actor...)
	k = append(k, 0)
	k = binary.BigEndian.AppendUint64(k, seq)
	return k
}

// seal prefixes the payload with its xxhash so corruption surfaces on
// load rather than as silently wrong data.
func seal(payload []byte) []byte {
	ret := make([]byte, 8, 8+len(payload))
	binary.LittleEndian.PutUint64(ret, xxhash.Sum64(payload))
	return append(ret, payload...)
}

func unseal(value []byte) ([]byte, error) {
	if len(value) < 8 {
		return nil, ErrCorrupt
	}
	payload := value[8:]
	if binary.LittleEndian.Uint64(value) != xxhash.Sum64(payload) {
		return nil, ErrCorrupt
	}
	return payload, nil
}

func (s *Store) setSealed(k, payload []byte) error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Set(k, seal(payload), s.wo)
}

func (s *Store) getSealed(k []byte) ([]byte, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	value, closer, err := s.db.Get(k)
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	payload, err := unseal(value)
	if err == nil {
		// Get's value aliases pebble internals, copy before Close
		payload = append([]byte(nil), payload...)
	}
	_ = closer.Close()
	return payload, err
}

// SaveDocument snapshots the document under the given id and merges
// its heads into the heads key.
func (s *Store) SaveDocument(id string, doc *pocket.Document) error {
	data, err := doc.Snapshot()
	if err != nil {
		return errors.Wrap(err, "store: snapshot")
	}
	if err = s.setSealed(key(litDoc, id), data); err != nil {
		return errors.Wrap(err, "store: save document")
	}
	return s.MergeHeads(id, doc.Heads())
}

// LoadDocument restores a previously saved document; ErrNotFound when
// the id was never saved.
func (s *Store) LoadDocument(id string, opts pocket.DocumentOptions) (*pocket.Document, error) {
	payload, err := s.getSealed(key(litDoc, id))
	if err != nil {
		return nil, errors.Wrap(err, "store: load document")
	}
	doc, err := pocket.FromSnapshot(payload, opts)
	if err != nil {
		return nil, errors.Wrap(err, "store: decode document")
	}
	return doc, nil
}

// SaveBuffer snapshots a text buffer under the given id.
func (s *Store) SaveBuffer(id string, buf *rga.Buffer) error {
	data, err := buf.Snapshot()
	if err != nil {
		return errors.Wrap(err, "store: buffer snapshot")
	}
	return errors.Wrap(s.setSealed(key(litBuffer, id), data), "store: save buffer")
}

func (s *Store) LoadBuffer(id string, opts rga.Options) (*rga.Buffer, error) {
	payload, err := s.getSealed(key(litBuffer, id))
	if err != nil {
		return nil, errors.Wrap(err, "store: load buffer")
	}
	buf, err := rga.FromSnapshot(payload, opts)
	if err != nil {
		return nil, errors.Wrap(err, "store: decode buffer")
	}
	return buf, nil
}

// MergeHeads folds the given frontier into the stored one. Uses the
// pebble merge operator, so concurrent callers need no coordination.
func (s *Store) MergeHeads(id string, heads causal.Heads) error {
	if s.db == nil {
		return ErrClosed
	}
	tlv := heads.TLV()
	if tlv == nil {
		return nil
	}
	return errors.Wrap(s.db.Merge(key(litHeads, id), tlv, s.wo), "store: merge heads")
}

// LoadHeads returns the stored frontier, empty when absent.
func (s *Store) LoadHeads(id string) (causal.Heads, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	value, closer, err := s.db.Get(key(litHeads, id))
	if err == pebble.ErrNotFound {
		return make(causal.Heads), nil
	} else if err != nil {
		return nil, errors.Wrap(err, "store: load heads")
	}
	heads, err := causal.HeadsFromTLV(value)
	_ = closer.Close()
	return heads, errors.Wrap(err, "store: decode heads")
}

// AppendChange writes one change into the per-document log. Keys are
// (actor, seq) ordered, so re-appending the same change overwrites
// itself and the log stays duplicate-free.
func (s *Store) AppendChange(id string, ch *pocket.Change) error {
	if s.db == nil {
		return ErrClosed
	}
	tlv, err := ch.TLV()
	if err != nil {
		return errors.Wrap(err, "store: encode change")
	}
	k := changeKey(id, ch.Actor, ch.Seq)
	return errors.Wrap(s.db.Set(k, tlv, s.wo), "store: append change")
}

// LoadChanges returns the whole change log for a document, ordered by
// (actor, seq).
func (s *Store) LoadChanges(id string) ([]pocket.Change, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	lower := append(key(litChange, id), 0)
	upper := append(key(litChange, id), 1)
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: iterate changes")
	}
	defer it.Close()
	var changes []pocket.Change
	for it.First(); it.Valid(); it.Next() {
		ch, err := pocket.ChangeFromTLV(it.Value())
		if err != nil {
			return nil, errors.Wrapf(err, "store: decode change at %q", it.Key())
		}
		changes = append(changes, *ch)
	}
	return changes, it.Error()
}
