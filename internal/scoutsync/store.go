package scoutsync

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	c:<url>               cached upstream response
//	s:<id>                pending submission
//	i:<eventKey>:<id>     event index over pending submissions
const (
	cachePrefix      = "c:"
	submissionPrefix = "s:"
	eventIndexPrefix = "i:"
)

// syncWrite is used for submission writes: an accepted match has to survive a
// power loss, not just a process restart. Cache writes stay asynchronous.
var syncWrite = &opt.WriteOptions{Sync: true}

// Store is the durable record store. It owns every persisted byte; the queue
// and cache only hold identifiers or copies.
type Store struct {
	db *leveldb.DB

	// mu serializes read-modify-delete on submissions so that a retire and a
	// concurrent resubmission scan never interleave on the same record.
	mu sync.Mutex
}

func OpenStore(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ---- cache table ----

func (s *Store) GetCached(url string) (CachedResponse, bool, error) {
	b, err := s.db.Get([]byte(cachePrefix+url), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return CachedResponse{}, false, nil
	}
	if err != nil {
		return CachedResponse{}, false, err
	}
	var ent CachedResponse
	if err := decodeGob(b, &ent); err != nil {
		return CachedResponse{}, false, fmt.Errorf("cached %s: %w", url, err)
	}
	return ent, true, nil
}

// PutCached overwrites the entry for ent.URL.
func (s *Store) PutCached(ent CachedResponse) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(cachePrefix+ent.URL), b, nil)
}

func (s *Store) CachedURLs() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(cachePrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(cachePrefix))))
	}
	return out, it.Error()
}

// ---- submissions table ----

func submissionKey(id string) []byte { return []byte(submissionPrefix + id) }

func eventIndexKey(eventKey, id string) []byte {
	return []byte(eventIndexPrefix + eventKey + ":" + id)
}

// PutSubmission persists a new pending submission together with its index
// entry in one batch.
func (s *Store) PutSubmission(rec PendingSubmission) error {
	if rec.ID == "" {
		return errors.New("submission id is required")
	}
	b, err := encodeGob(rec)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(submissionKey(rec.ID), b)
	batch.Put(eventIndexKey(rec.Keys.EventKey, rec.ID), nil)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Write(batch, syncWrite)
}

func (s *Store) GetSubmission(id string) (PendingSubmission, bool, error) {
	b, err := s.db.Get(submissionKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return PendingSubmission{}, false, nil
	}
	if err != nil {
		return PendingSubmission{}, false, err
	}
	var rec PendingSubmission
	if err := decodeGob(b, &rec); err != nil {
		return PendingSubmission{}, false, fmt.Errorf("submission %s: %w", id, err)
	}
	return rec, true, nil
}

func (s *Store) HasSubmission(id string) bool {
	ok, err := s.db.Has(submissionKey(id), nil)
	return err == nil && ok
}

// DeleteIfPresent retires a submission. It reports false when the record was
// already gone, which is not an error.
func (s *Store) DeleteIfPresent(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.db.Get(submissionKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(submissionKey(id))
	var rec PendingSubmission
	if err := decodeGob(b, &rec); err == nil {
		batch.Delete(eventIndexKey(rec.Keys.EventKey, id))
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return true, nil
}

// ScanSubmissions calls fn for every pending submission matching filter, in
// submission order. Records deleted while the scan runs are skipped.
func (s *Store) ScanSubmissions(filter SubmissionFilter, fn func(PendingSubmission) error) error {
	if filter.EventKey != "" {
		return s.scanEventIndex(filter, fn)
	}

	it := s.db.NewIterator(util.BytesPrefix([]byte(submissionPrefix)), nil)
	defer it.Release()
	for it.Next() {
		var rec PendingSubmission
		if err := decodeGob(it.Value(), &rec); err != nil {
			continue
		}
		// the iterator reads a snapshot
		if !filter.Matches(rec.Keys) || !s.HasSubmission(rec.ID) {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return it.Error()
}

func (s *Store) scanEventIndex(filter SubmissionFilter, fn func(PendingSubmission) error) error {
	prefix := []byte(eventIndexPrefix + filter.EventKey + ":")
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	for it.Next() {
		id := string(bytes.TrimPrefix(it.Key(), prefix))
		rec, ok, err := s.GetSubmission(id)
		if err != nil {
			return err
		}
		if !ok || !filter.Matches(rec.Keys) {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return it.Error()
}

func (s *Store) CountSubmissions(filter SubmissionFilter) (int, error) {
	n := 0
	err := s.ScanSubmissions(filter, func(PendingSubmission) error {
		n++
		return nil
	})
	return n, err
}

// DiskSize is leveldb's estimate of the on-disk size of every table.
func (s *Store) DiskSize() int64 {
	sizes, err := s.db.SizeOf([]util.Range{{Start: []byte{}, Limit: []byte{0xff}}})
	if err != nil {
		return 0
	}
	return sizes.Sum()
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}
