package state

import (
	oasisapi "github.com/anonymousGiga/oasis-sdk/api"
	"github.com/anonymousGiga/oasis-sdk/external"
)

// InstanceStore scopes an external.KVStore to one instance's per-instance
// user KV (spec §4.E), satisfying wasmvm.Store's narrower Get/Insert/
// Remove surface by structural typing — this package does not import
// wasmvm to avoid a dependency that isn't otherwise needed.
//
// Key layout synthesizes spec §3's storage schema ("0x05 ‖ instance_id_be
// ‖ user_key") with §4.E's fuller description ("prefixed by 0x05 ‖
// instance_id_be ‖ store_kind"): keys are
// 0x05 ‖ instance_id_be ‖ store_kind_byte ‖ user_key, so the three
// logical sub-stores (Public/Confidential/Internal) never collide even
// though only Public is backed.
type InstanceStore struct {
	kv external.KVStore
	id oasisapi.InstanceID
}

// NewInstanceStore returns a Store scoped to instance id over kv.
func NewInstanceStore(kv external.KVStore, id oasisapi.InstanceID) *InstanceStore {
	return &InstanceStore{kv: kv, id: id}
}

func (s *InstanceStore) prefixedKey(kind oasisapi.StoreKind, userKey []byte) []byte {
	key := append([]byte{nsInstanceKV}, s.id.Bytes()...)
	key = append(key, byte(kind))
	return append(key, userKey...)
}

// Get returns the value for userKey under the given store kind.
// Confidential and Internal are unbacked: per SPEC_FULL.md's
// supplemented-features decision they behave as a permanently empty
// store (always absent) rather than trapping the guest, since the Host
// ABI's get/insert/remove imports carry no error-return channel to
// signal Unsupported without a trap.
func (s *InstanceStore) Get(kind oasisapi.StoreKind, userKey []byte) ([]byte, bool) {
	if kind != oasisapi.StorePublic {
		return nil, false
	}
	return s.kv.Get(s.prefixedKey(kind, userKey))
}

// Insert is a no-op for unbacked store kinds; see Get.
func (s *InstanceStore) Insert(kind oasisapi.StoreKind, userKey, value []byte) {
	if kind != oasisapi.StorePublic {
		return
	}
	s.kv.Insert(s.prefixedKey(kind, userKey), value)
}

// Remove is a no-op for unbacked store kinds; see Get.
func (s *InstanceStore) Remove(kind oasisapi.StoreKind, userKey []byte) {
	if kind != oasisapi.StorePublic {
		return
	}
	s.kv.Remove(s.prefixedKey(kind, userKey))
}
