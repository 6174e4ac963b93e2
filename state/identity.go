package state

import (
	"crypto/sha256"
	"encoding/binary"

	oasisapi "github.com/anonymousGiga/oasis-sdk/api"
	"github.com/anonymousGiga/oasis-sdk/external"
)

// ModuleName is the wire name folded into instance address derivation
// (spec §3, §4.E). Consensus-visible; changing it is a hard fork.
const ModuleName = "contracts"

// IdentityStore allocates code/instance identifiers and persists the
// immutable Code and Instance records, all within the enclosing
// transaction's KVStore — callers are responsible for committing or
// discarding that transaction as a whole.
type IdentityStore struct {
	kv external.KVStore
}

// NewIdentityStore returns an IdentityStore over kv.
func NewIdentityStore(kv external.KVStore) *IdentityStore {
	return &IdentityStore{kv: kv}
}

// DeriveAddress computes H(module_name ‖ id_be_u64), the pure, stable
// instance-address function of spec §3/§4.E.
func DeriveAddress(id oasisapi.InstanceID) oasisapi.Address {
	h := sha256.New()
	h.Write([]byte(ModuleName))
	h.Write(id.Bytes())
	var addr oasisapi.Address
	copy(addr[:], h.Sum(nil))
	return addr
}

func (s *IdentityStore) nextID(counterNS byte) uint64 {
	key := []byte{counterNS}
	var next uint64
	if v, ok := s.kv.Get(key); ok && len(v) == 8 {
		next = binary.BigEndian.Uint64(v)
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next+1)
	s.kv.Insert(key, buf[:])
	return next
}

// NextCodeID returns the next unused CodeID and persists the
// incremented counter.
func (s *IdentityStore) NextCodeID() oasisapi.CodeID {
	return oasisapi.CodeID(s.nextID(nsNextCodeID))
}

// NextInstanceID returns the next unused InstanceID and persists the
// incremented counter.
func (s *IdentityStore) NextInstanceID() oasisapi.InstanceID {
	return oasisapi.InstanceID(s.nextID(nsNextInstanceID))
}

func codeKey(id oasisapi.CodeID) []byte {
	return append([]byte{nsCode}, id.Bytes()...)
}

func instanceKey(id oasisapi.InstanceID) []byte {
	return append([]byte{nsInstance}, id.Bytes()...)
}

func rawCodeKey(id oasisapi.CodeID) []byte {
	return append([]byte{nsRawCode}, id.Bytes()...)
}

// PutCode persists an immutable Code record.
func (s *IdentityStore) PutCode(c oasisapi.Code) {
	s.kv.Insert(codeKey(c.ID), oasisapi.Marshal(c))
}

// GetCode retrieves a previously uploaded Code record.
func (s *IdentityStore) GetCode(id oasisapi.CodeID) (oasisapi.Code, bool) {
	v, ok := s.kv.Get(codeKey(id))
	if !ok {
		return oasisapi.Code{}, false
	}
	var c oasisapi.Code
	if err := oasisapi.Unmarshal(v, &c); err != nil {
		return oasisapi.Code{}, false
	}
	return c, true
}

// PutInstance persists an Instance record.
func (s *IdentityStore) PutInstance(in oasisapi.Instance) {
	s.kv.Insert(instanceKey(in.ID), oasisapi.Marshal(in))
}

// GetInstance retrieves a previously instantiated Instance record.
func (s *IdentityStore) GetInstance(id oasisapi.InstanceID) (oasisapi.Instance, bool) {
	v, ok := s.kv.Get(instanceKey(id))
	if !ok {
		return oasisapi.Instance{}, false
	}
	var in oasisapi.Instance
	if err := oasisapi.Unmarshal(v, &in); err != nil {
		return oasisapi.Instance{}, false
	}
	return in, true
}

// PutRawCode persists the post-instrumentation bytecode under its CodeID.
func (s *IdentityStore) PutRawCode(id oasisapi.CodeID, bytecode []byte) {
	s.kv.Insert(rawCodeKey(id), bytecode)
}

// GetRawCode retrieves the post-instrumentation bytecode for a CodeID.
func (s *IdentityStore) GetRawCode(id oasisapi.CodeID) ([]byte, bool) {
	return s.kv.Get(rawCodeKey(id))
}
