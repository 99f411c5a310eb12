package storage

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
)

type Config struct {
	Path string
}

type Sequence interface {
	Next() (uint64, error)
	Release() error
}

type Storage interface {
	Setup() error
	Close() error

	GetSequence(prefix []byte, inflightItem uint64) (Sequence, error)

	Exist(key []byte) (bool, error)
	GetKey(key []byte) ([]byte, error)
	GetByPrefix(prefix []byte) ([]*KeyValueItem, error)
	FirstKVHasPrefix(prefix []byte) ([]byte, []byte, error)

	// Key-only scan under a prefix. Supports a trailing "*" wildcard.
	ListKeys(prefix string) ([]string, error)

	// Key-only count under a prefix, operating on the LSM tree only
	CountKeysByPrefix(prefix []byte) (int64, error)

	Set(key, value []byte) error
	Delete(key []byte) error

	// Move relocates src to dest in a single transaction.
	Move(src, dest []byte) error
	// MoveValue is Move with the destination value replaced, still one
	// transaction. Used to stamp queue jobs while moving them between lists.
	MoveValue(src, dest, value []byte) error

	GetCounter(key []byte, defaultValue ...uint64) (uint64, error)
	IncCounter(key []byte, defaultValue ...uint64) (uint64, error)
	// IncCounterWithLimit increments only while the current value is below
	// limit. Returns the resulting value and whether the increment happened.
	IncCounterWithLimit(key []byte, limit uint64) (uint64, bool, error)
	SetCounter(key []byte, value uint64) error

	Vacuum() error
	DbPath() string
}

type KeyValueItem struct {
	Key   []byte
	Value []byte
}

type BadgerStorage struct {
	config *Config
	db     *badger.DB
	seqs   []*badger.Sequence

	// Badger transactions are optimistic; concurrent writers on the same
	// counter key would abort each other with ErrConflict. Counter writes are
	// serialized here so callers never see a conflict for a key with budget.
	counterLock sync.Mutex
}

// Open storage at the given path
func NewWithPath(path string) (Storage, error) {
	return New(&Config{
		Path: path,
	})
}

func New(c *Config) (Storage, error) {
	opts := badger.DefaultOptions(c.Path)
	db, err := badger.Open(
		opts.WithSyncWrites(true),
	)

	if err != nil {
		return nil, err
	}

	return &BadgerStorage{
		config: c,
		db:     db,

		seqs: make([]*badger.Sequence, 0),
	}, nil
}

func (s *BadgerStorage) Setup() error {
	return nil
}

func (s *BadgerStorage) Close() error {
	for _, seq := range s.seqs {
		if err := seq.Release(); err != nil {
			return err
		}
	}
	return s.db.Close()
}

func (s *BadgerStorage) Set(key, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *BadgerStorage) Delete(key []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// GetByPrefix returns every key/value pair whose key matches the prefix
func (s *BadgerStorage) GetByPrefix(prefix []byte) ([]*KeyValueItem, error) {
	var result []*KeyValueItem

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 30
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()

			k := item.KeyCopy(nil)
			v, e := item.ValueCopy(nil)
			if e != nil {
				return e
			}

			result = append(result, &KeyValueItem{
				Key:   k,
				Value: v,
			})
		}
		return nil
	})

	return result, err
}

func (s *BadgerStorage) CountKeysByPrefix(prefix []byte) (int64, error) {
	total := int64(0)

	if len(prefix) == 0 {
		return 0, fmt.Errorf("cannot count prefix with length 0")
	}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			total += 1
		}
		return nil
	})

	if err != nil {
		return 0, err
	}

	return total, nil
}

func (s *BadgerStorage) Exist(key []byte) (bool, error) {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err != nil {
			return err
		}

		found = true
		return nil
	})

	return found, err
}

func (s *BadgerStorage) GetKey(key []byte) ([]byte, error) {
	var value []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			value = append([]byte{}, val...)
			return nil
		})
	})

	return value, err
}

// Wrap badgerdb sequence
func (s *BadgerStorage) GetSequence(prefix []byte, inflightItem uint64) (Sequence, error) {
	seq, e := s.db.GetSequence(prefix, inflightItem)
	if e != nil {
		return nil, e
	}

	s.seqs = append(s.seqs, seq)
	return seq, nil
}

func (s *BadgerStorage) FirstKVHasPrefix(prefix []byte) ([]byte, []byte, error) {
	var k []byte
	var v []byte

	err := s.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.PrefetchValues = true
		itOpts.PrefetchSize = 1
		it := txn.NewIterator(itOpts)
		defer it.Close()

		// smallest key at or after prefix
		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return nil
		}

		item := it.Item()
		k = item.KeyCopy(nil)

		var err error
		v, err = item.ValueCopy(nil)
		return err
	})

	if err == nil {
		return k, v, nil
	}

	return nil, nil, err
}

func (s *BadgerStorage) Move(src []byte, dest []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(src)
		if err != nil {
			return err
		}

		b, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}

		if err = txn.Delete(src); err != nil {
			return err
		}

		return txn.Set(dest, b)
	})
}

func (s *BadgerStorage) MoveValue(src, dest, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		// src must still exist; a concurrent consumer losing this race gets
		// ErrKeyNotFound and moves on
		if _, err := txn.Get(src); err != nil {
			return err
		}

		if err := txn.Delete(src); err != nil {
			return err
		}

		return txn.Set(dest, value)
	})
}

func (a *BadgerStorage) ListKeys(prefix string) ([]string, error) {
	var keys []string

	if prefix == "*" {
		prefix = ""
	} else if strings.HasSuffix(prefix, "*") {
		prefix = prefix[:len(prefix)-1]
	}

	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			item := it.Item()
			keys = append(keys, string(item.KeyCopy(nil)))
		}
		return nil
	})
	if err == nil {
		return keys, nil
	}

	return nil, err
}

func (a *BadgerStorage) Vacuum() error {
	return a.db.RunValueLogGC(0.7)
}

func (a *BadgerStorage) DbPath() string {
	return a.config.Path
}

// Destroy shuts the database down and wipes its data directory
func Destroy(a *BadgerStorage) error {
	a.Close()
	return os.RemoveAll(a.config.Path)
}

// GetCounter retrieves a counter value for a given key.
// If the key doesn't exist and defaultValue is provided, it returns the defaultValue.
func (a *BadgerStorage) GetCounter(key []byte, defaultValue ...uint64) (uint64, error) {
	var counter uint64

	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			if len(defaultValue) > 0 {
				counter = defaultValue[0]
				return nil
			}
			return err
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			parsedCounter, err := strconv.ParseUint(string(val), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid counter format: %w", err)
			}
			counter = parsedCounter
			return nil
		})
	})

	if err != nil {
		return 0, err
	}

	return counter, nil
}

// IncCounter increments a counter value for a given key by 1.
// If the key doesn't exist it starts from defaultValue (or 0) and adds 1.
func (a *BadgerStorage) IncCounter(key []byte, defaultValue ...uint64) (uint64, error) {
	a.counterLock.Lock()
	defer a.counterLock.Unlock()

	var newValue uint64

	err := a.db.Update(func(txn *badger.Txn) error {
		var startValue uint64 = 0
		if len(defaultValue) > 0 {
			startValue = defaultValue[0]
		}

		current, err := readCounter(txn, key, startValue)
		if err != nil {
			return err
		}

		newValue = current + 1
		return txn.Set(key, []byte(strconv.FormatUint(newValue, 10)))
	})

	if err != nil {
		return 0, err
	}

	return newValue, nil
}

// IncCounterWithLimit is a check-and-increment in one transaction: the
// counter only moves while current < limit. Callers use the boolean to tell
// a granted slot from an exhausted one without racing other writers.
func (a *BadgerStorage) IncCounterWithLimit(key []byte, limit uint64) (uint64, bool, error) {
	a.counterLock.Lock()
	defer a.counterLock.Unlock()

	var value uint64
	granted := false

	err := a.db.Update(func(txn *badger.Txn) error {
		current, err := readCounter(txn, key, 0)
		if err != nil {
			return err
		}

		if current >= limit {
			value = current
			return nil
		}

		value = current + 1
		granted = true
		return txn.Set(key, []byte(strconv.FormatUint(value, 10)))
	})

	if err != nil {
		return 0, false, err
	}

	return value, granted, nil
}

// SetCounter overwrites a counter value for a given key.
func (a *BadgerStorage) SetCounter(key []byte, value uint64) error {
	a.counterLock.Lock()
	defer a.counterLock.Unlock()

	return a.db.Update(func(txn *badger.Txn) error {
		// stored as a decimal string so they read cleanly in the console
		return txn.Set(key, []byte(strconv.FormatUint(value, 10)))
	})
}

func readCounter(txn *badger.Txn, key []byte, startValue uint64) (uint64, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return startValue, nil
	}
	if err != nil {
		return 0, err
	}

	var current uint64
	err = item.Value(func(val []byte) error {
		parsed, perr := strconv.ParseUint(string(val), 10, 64)
		if perr != nil {
			return fmt.Errorf("invalid counter format: %w", perr)
		}
		current = parsed
		return nil
	})
	return current, err
}
