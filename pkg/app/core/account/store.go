package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/uhyunpark/hypermargin/pkg/app/core/ledger"
	"github.com/uhyunpark/hypermargin/pkg/app/core/order"
	"github.com/uhyunpark/hypermargin/pkg/app/core/position"
)

// Record is everything persisted for one account
type Record struct {
	Address   common.Address
	CreatedAt time.Time
	Balances  []ledger.Balance
	Positions []position.Position
	Orders    []*order.Order
}

// Changes is one coordinator mutation. It is written as a single batch.
type Changes struct {
	Address   common.Address
	CreatedAt time.Time
	Balances  []ledger.Balance
	Positions []position.Position
	Orders    []*order.Order
}

// Store is the durable home of account state
type Store interface {
	Apply(ch Changes) error
	Load(addr common.Address) (*Record, error) // nil if the account was never persisted
	LoadAll() ([]*Record, error)
	OwnerOf(id uuid.UUID) (common.Address, bool, error)
	Close() error
}

// header is the value stored under accountKey
type header struct {
	Address   common.Address `json:"address"`
	CreatedAt time.Time      `json:"createdAt"`
}

// PebbleStore provides Pebble-based persistence for balances, positions,
// orders and the order-owner index. Callers serialize writes per account.
type PebbleStore struct {
	db *pebble.DB
}

// NewStore opens a Pebble database at the given path
func NewStore(dbPath string) (*PebbleStore, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(128 << 20), // 128MB cache
		MemTableSize:                64 << 20,                   // 64MB memtable
		MaxConcurrentCompactions:    func() int { return 3 },
		L0CompactionThreshold:       2,
		L0StopWritesThreshold:       12,
		LBaseMaxBytes:               64 << 20, // 64MB
		MaxOpenFiles:                1000,
		BytesPerSync:                512 << 10, // 512KB
		DisableAutomaticCompactions: false,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}
	return &PebbleStore{db: db}, nil
}

// NewMemStore opens a Pebble database on an in-memory filesystem
func NewMemStore() (*PebbleStore, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory pebble db: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

// Close closes the database
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// Apply writes the changed records atomically
func (s *PebbleStore) Apply(ch Changes) error {
	bw := s.NewBatch()
	defer bw.Close()

	if err := bw.put(accountKey(ch.Address), header{Address: ch.Address, CreatedAt: ch.CreatedAt}); err != nil {
		return err
	}
	for _, b := range ch.Balances {
		if err := bw.put(balanceKey(ch.Address, b.Token), b); err != nil {
			return err
		}
	}
	for _, p := range ch.Positions {
		if err := bw.put(positionKey(ch.Address, p.Market), p); err != nil {
			return err
		}
	}
	for _, o := range ch.Orders {
		if err := bw.put(orderKey(ch.Address, o.ID), o); err != nil {
			return err
		}
		if err := bw.batch.Set(ownerKey(o.ID), ch.Address.Bytes(), nil); err != nil {
			return fmt.Errorf("failed to index order owner: %w", err)
		}
	}
	return bw.Commit()
}

// Load reads one account. Returns nil if it doesn't exist.
func (s *PebbleStore) Load(addr common.Address) (*Record, error) {
	data, closer, err := s.db.Get(accountKey(addr))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	var h header
	err = json.Unmarshal(data, &h)
	closer.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}

	rec := &Record{Address: addr, CreatedAt: h.CreatedAt}
	if err := scan(s.db, balancePrefix(addr), func(b *ledger.Balance) { rec.Balances = append(rec.Balances, *b) }); err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}
	if err := scan(s.db, positionPrefix(addr), func(p *position.Position) { rec.Positions = append(rec.Positions, *p) }); err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}
	if err := scan(s.db, orderPrefix(addr), func(o *order.Order) { rec.Orders = append(rec.Orders, o) }); err != nil {
		return nil, fmt.Errorf("failed to load orders: %w", err)
	}
	return rec, nil
}

// LoadAll reads every persisted account
func (s *PebbleStore) LoadAll() ([]*Record, error) {
	prefix := []byte(prefixAccount)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	var addrs []common.Address
	for iter.First(); iter.Valid(); iter.Next() {
		addr, err := accountKeyFromBytes(iter.Key())
		if err != nil {
			iter.Close()
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	out := make([]*Record, 0, len(addrs))
	for _, addr := range addrs {
		rec, err := s.Load(addr)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", addr.Hex(), err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// OwnerOf resolves the account that placed an order
func (s *PebbleStore) OwnerOf(id uuid.UUID) (common.Address, bool, error) {
	data, closer, err := s.db.Get(ownerKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return common.Address{}, false, nil
	}
	if err != nil {
		return common.Address{}, false, fmt.Errorf("failed to get order owner: %w", err)
	}
	defer closer.Close()
	return common.BytesToAddress(data), true, nil
}

// scan decodes every value under prefix; a corrupt entry is an error
func scan[T any](db *pebble.DB, prefix []byte, fn func(*T)) error {
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		v := new(T)
		if err := json.Unmarshal(iter.Value(), v); err != nil {
			return fmt.Errorf("key %s: %w", iter.Key(), err)
		}
		fn(v)
	}
	return iter.Error()
}

// BatchWrite provides atomic batch writes for multiple records
type BatchWrite struct {
	batch *pebble.Batch
}

// NewBatch creates a new batch writer
func (s *PebbleStore) NewBatch() *BatchWrite {
	return &BatchWrite{batch: s.db.NewBatch()}
}

func (bw *BatchWrite) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return bw.batch.Set(key, data, nil)
}

// Commit writes the batch to Pebble atomically
func (bw *BatchWrite) Commit() error {
	return bw.batch.Commit(pebble.Sync)
}

// Close releases the batch. Safe after Commit.
func (bw *BatchWrite) Close() error {
	return bw.batch.Close()
}
