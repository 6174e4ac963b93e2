// Package mockenv provides in-memory implementations of external.Accounts,
// external.KVStore/external.Overlay and external.GasHook for the demo
// CLI, standing in for the ledger, storage layer, and gas hook an
// embedding host would otherwise supply. It has no external.TxDispatcher
// implementation.
package mockenv

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	oasisapi "github.com/anonymousGiga/oasis-sdk/api"
	"github.com/anonymousGiga/oasis-sdk/external"
)

// Ledger is a trivial in-memory balance table keyed by address and
// denomination, implementing external.Accounts.
type Ledger struct {
	mu       sync.Mutex
	balances map[oasisapi.Address]map[string]*uint256.Int
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: map[oasisapi.Address]map[string]*uint256.Int{}}
}

// Credit adds amount of denom to addr's balance, for seeding test fixtures.
func (l *Ledger) Credit(addr oasisapi.Address, denom string, amount *uint256.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creditLocked(addr, denom, amount)
}

func (l *Ledger) creditLocked(addr oasisapi.Address, denom string, amount *uint256.Int) {
	byDenom, ok := l.balances[addr]
	if !ok {
		byDenom = map[string]*uint256.Int{}
		l.balances[addr] = byDenom
	}
	cur, ok := byDenom[denom]
	if !ok {
		cur = uint256.NewInt(0)
	}
	byDenom[denom] = new(uint256.Int).Add(cur, amount)
}

// Balance returns addr's balance of denom, zero if never credited.
func (l *Ledger) Balance(addr oasisapi.Address, denom string) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	byDenom, ok := l.balances[addr]
	if !ok {
		return uint256.NewInt(0)
	}
	cur, ok := byDenom[denom]
	if !ok {
		return uint256.NewInt(0)
	}
	return cur.Clone()
}

// Transfer implements external.Accounts.
func (l *Ledger) Transfer(_ context.Context, from, to oasisapi.Address, amount oasisapi.BaseUnits) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	byDenom := l.balances[from]
	cur := uint256.NewInt(0)
	if byDenom != nil {
		if v, ok := byDenom[amount.Denomination]; ok {
			cur = v
		}
	}
	if cur.Lt(amount.Amount) {
		return fmt.Errorf("mockenv: %x has insufficient %s balance", from, amount.Denomination)
	}
	if byDenom == nil {
		byDenom = map[string]*uint256.Int{}
		l.balances[from] = byDenom
	}
	byDenom[amount.Denomination] = new(uint256.Int).Sub(cur, amount.Amount)
	l.creditLocked(to, amount.Denomination, amount.Amount)
	return nil
}

// GasHook is a fixed per-transaction gas allowance, implementing
// external.GasHook. Settled records the total the engine charged back
// via UseGas, for a test to assert against.
type GasHook struct {
	mu      sync.Mutex
	limit   uint64
	Settled uint64
}

// NewGasHook returns a hook presenting limit as the remaining gas for
// every transaction.
func NewGasHook(limit uint64) *GasHook { return &GasHook{limit: limit} }

func (g *GasHook) RemainingGas(context.Context) uint64 { return g.limit }

func (g *GasHook) UseGas(_ context.Context, amount uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Settled += amount
	return nil
}

// store is the shared backing map a KV and all of its overlays read and
// write through, keyed by the full (prefix-joined) key.
type store struct {
	mu   sync.Mutex
	data map[string][]byte
}

// KV is an in-memory external.KVStore with real transactional overlay
// semantics: NewOverlay opens a copy-on-write view whose writes are
// buffered separately and only applied to the parent store on Commit.
type KV struct {
	prefix []byte
	back   *store
	// overlay-only fields, nil for a root KV.
	parent  *KV
	writes  map[string][]byte
	deletes map[string]bool
}

// NewKV returns an empty root store.
func NewKV() *KV {
	return &KV{back: &store{data: map[string][]byte{}}}
}

func (k *KV) fullKey(key []byte) string {
	return string(append(append([]byte{}, k.prefix...), key...))
}

func (k *KV) isOverlay() bool { return k.writes != nil }

// Get implements external.KVStore, checking the overlay's own buffered
// writes before falling through to its parent.
func (k *KV) Get(key []byte) ([]byte, bool) {
	full := k.fullKey(key)
	if k.isOverlay() {
		if k.deletes[full] {
			return nil, false
		}
		if v, ok := k.writes[full]; ok {
			return append([]byte{}, v...), true
		}
		return k.parent.Get([]byte(full[len(k.parent.prefix):]))
	}
	k.back.mu.Lock()
	defer k.back.mu.Unlock()
	v, ok := k.back.data[full]
	if !ok {
		return nil, false
	}
	return append([]byte{}, v...), true
}

// Insert implements external.KVStore.
func (k *KV) Insert(key, value []byte) {
	full := k.fullKey(key)
	if k.isOverlay() {
		delete(k.deletes, full)
		k.writes[full] = append([]byte{}, value...)
		return
	}
	k.back.mu.Lock()
	defer k.back.mu.Unlock()
	k.back.data[full] = append([]byte{}, value...)
}

// Remove implements external.KVStore.
func (k *KV) Remove(key []byte) {
	full := k.fullKey(key)
	if k.isOverlay() {
		delete(k.writes, full)
		k.deletes[full] = true
		return
	}
	k.back.mu.Lock()
	defer k.back.mu.Unlock()
	delete(k.back.data, full)
}

// WithPrefix implements external.KVStore.
func (k *KV) WithPrefix(prefix []byte) external.KVStore {
	return &KV{
		prefix:  append(append([]byte{}, k.prefix...), prefix...),
		back:    k.back,
		parent:  k.parent,
		writes:  k.writes,
		deletes: k.deletes,
	}
}

// NewOverlay implements external.KVStore, opening a child view whose
// writes are invisible to k until Commit.
func (k *KV) NewOverlay() external.Overlay {
	return &KV{
		prefix:  append([]byte{}, k.prefix...),
		back:    k.back,
		parent:  k,
		writes:  map[string][]byte{},
		deletes: map[string]bool{},
	}
}

// Commit implements external.Overlay, applying every buffered write and
// delete to the parent (recursively, if the parent is itself an overlay).
func (k *KV) Commit() {
	if !k.isOverlay() {
		return
	}
	for full, deleted := range k.deletes {
		if deleted {
			k.parent.removeFull(full)
		}
	}
	for full, v := range k.writes {
		k.parent.insertFull(full, v)
	}
}

// Discard implements external.Overlay, dropping every buffered write and
// delete without touching the parent.
func (k *KV) Discard() {
	k.writes = map[string][]byte{}
	k.deletes = map[string]bool{}
}

func (k *KV) insertFull(full string, v []byte) {
	if k.isOverlay() {
		delete(k.deletes, full)
		k.writes[full] = v
		return
	}
	k.back.mu.Lock()
	defer k.back.mu.Unlock()
	k.back.data[full] = v
}

func (k *KV) removeFull(full string) {
	if k.isOverlay() {
		delete(k.writes, full)
		k.deletes[full] = true
		return
	}
	k.back.mu.Lock()
	defer k.back.mu.Unlock()
	delete(k.back.data, full)
}
