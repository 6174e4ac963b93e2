// Package api defines the wire-level data model of the contracts module:
// identifiers, the Code/Instance records, policies, the message/reply
// envelope exchanged between the engine and a running contract, and the
// CBOR codec used to (de)serialize all of it.
package api

import (
	"encoding/binary"

	"github.com/holiman/uint256"
)

// CodeID identifies an uploaded, instrumented WASM module. Assigned
// monotonically by the module and never reused.
type CodeID uint64

// InstanceID identifies an instantiated contract. Assigned monotonically
// by the module and never reused.
type InstanceID uint64

// Bytes returns the big-endian encoding used as a storage key suffix.
func (id CodeID) Bytes() []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

// Bytes returns the big-endian encoding used as a storage key suffix.
func (id InstanceID) Bytes() []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

// Address is an opaque account/instance address as produced by the
// embedding runtime's address scheme. It is treated as an opaque byte
// string by this module; only instance-address derivation (state.DeriveAddress)
// knows how to construct one.
type Address [32]byte

// ABI identifies the calling convention a piece of code was written
// against. Currently a single value is defined; the type is kept as an
// explicit enum so new ABIs can be added without breaking the wire
// format.
type ABI uint8

const (
	// ABIOasisV1 is the only ABI understood by this engine: three guest
	// entry points (instantiate/call/handle_reply) exchanging CBOR
	// envelopes through linear-memory regions, per spec §4.B/§4.C.
	ABIOasisV1 ABI = 1
)

// PolicyKind is the tag of a Policy variant.
type PolicyKind uint8

const (
	PolicyNobody PolicyKind = iota
	PolicyAddress
	PolicyEveryone
)

// Policy is a three-valued access-control predicate guarding Instantiate
// and Upgrade. Only PolicyAddress carries a payload.
type Policy struct {
	Kind    PolicyKind `cbor:"kind"`
	Address Address    `cbor:"address,omitempty"`
}

// Nobody returns the always-reject policy.
func Nobody() Policy { return Policy{Kind: PolicyNobody} }

// Everyone returns the always-accept policy.
func Everyone() Policy { return Policy{Kind: PolicyEveryone} }

// OnlyAddress returns a policy that accepts only the given caller.
func OnlyAddress(addr Address) Policy { return Policy{Kind: PolicyAddress, Address: addr} }

// Code is the immutable record created by a successful Upload.
type Code struct {
	ID                CodeID `cbor:"id"`
	Hash              [32]byte `cbor:"hash"`
	ABI               ABI    `cbor:"abi"`
	InstantiatePolicy Policy `cbor:"instantiate_policy"`
}

// Instance is the record created by a successful Instantiate.
type Instance struct {
	ID             InstanceID `cbor:"id"`
	CodeID         CodeID     `cbor:"code_id"`
	Creator        Address    `cbor:"creator"`
	UpgradesPolicy Policy     `cbor:"upgrades_policy"`
}

// StoreKind selects one of the three logical per-instance KV sub-stores.
// Only Public is backed by this engine; Confidential and Internal are
// reserved for forward compatibility and behave as an always-empty store
// (reads find nothing, writes and removes are ignored).
type StoreKind uint8

const (
	StorePublic StoreKind = iota
	StoreConfidential
	StoreInternal
)

// NotifyReply selects which sub-call outcomes should be delivered back to
// the emitting contract as a Reply.
type NotifyReply uint8

const (
	NotifyNever NotifyReply = iota
	NotifyOnError
	NotifyOnSuccess
	NotifyAlways
)

// Wants reports whether this filter calls for a reply given the
// sub-call's success bit.
func (n NotifyReply) Wants(success bool) bool {
	switch n {
	case NotifyAlways:
		return true
	case NotifyOnError:
		return !success
	case NotifyOnSuccess:
		return success
	default:
		return false
	}
}

// Message is the single shape a contract may emit during execution: a
// request for the runtime to recursively dispatch a method call to
// another (or the same) contract.
type Message struct {
	Call *CallMessage `cbor:"Call"`
}

// CallMessage is the payload of a Message{Call: ...}.
type CallMessage struct {
	ID      uint64      `cbor:"id"`
	Reply   NotifyReply `cbor:"reply"`
	Method  string      `cbor:"method"`
	Body    []byte      `cbor:"body"`
	MaxGas  *uint64     `cbor:"max_gas,omitempty"`
}

// CallResult is the outcome of a dispatched sub-call, as delivered in a
// Reply.
type CallResult struct {
	Ok     []byte  `cbor:"ok,omitempty"`
	Failed *Failed `cbor:"failed,omitempty"`
}

// Failed carries a structured module/code error, either the engine's own
// (module ModuleContracts or ModuleCore) or a contract-user error returned
// verbatim by a guest.
type Failed struct {
	Module string `cbor:"module"`
	Code   uint32 `cbor:"code"`
}

// Success reports whether the call result represents success.
func (r CallResult) Success() bool { return r.Failed == nil }

// Reply is delivered to the originating contract's handle_reply entry
// point after a sub-call resolves.
type Reply struct {
	Call *ReplyCall `cbor:"Call"`
}

// ReplyCall is the payload of a Reply{Call: ...}.
type ReplyCall struct {
	ID     uint64     `cbor:"id"`
	Result CallResult `cbor:"result"`
}

// ExecutionOk is the structured payload a contract returns on success:
// returned bytes plus any messages emitted for recursive dispatch.
type ExecutionOk struct {
	Data     []byte    `cbor:"data"`
	Messages []Message `cbor:"messages,omitempty"`
}

// BaseUnits is a token amount tagged with a denomination, mirroring the
// shape the Accounts API expects. Stored as a 256-bit integer since
// contract-held balances are not bounded by uint64 in general.
type BaseUnits struct {
	Amount       *uint256.Int `cbor:"amount"`
	Denomination string       `cbor:"denomination"`
}

// Envelope is the CBOR object passed into a guest entry point, carrying
// either a fresh request or a delivered reply alongside call context.
type Envelope struct {
	Caller         Address     `cbor:"caller"`
	Instance       InstanceID  `cbor:"instance"`
	TokensReceived []BaseUnits `cbor:"tokens_received,omitempty"`
	Request        []byte      `cbor:"request,omitempty"`
	Reply          *Reply      `cbor:"reply,omitempty"`
}

// UploadRequest is the body of the contracts.Upload wire method (§6).
type UploadRequest struct {
	ABI               ABI    `cbor:"abi"`
	InstantiatePolicy Policy `cbor:"instantiate_policy"`
	Code              []byte `cbor:"code"`
}

// UploadResult is the result of a successful contracts.Upload.
type UploadResult struct {
	ID CodeID `cbor:"id"`
}

// InstantiateRequest is the body of the contracts.Instantiate wire method.
type InstantiateRequest struct {
	CodeID         CodeID      `cbor:"code_id"`
	UpgradesPolicy Policy      `cbor:"upgrades_policy"`
	Data           []byte      `cbor:"data"`
	Tokens         []BaseUnits `cbor:"tokens,omitempty"`
}

// InstantiateResult is the result of a successful contracts.Instantiate.
type InstantiateResult struct {
	ID InstanceID `cbor:"id"`
}

// CallRequest is the body of the contracts.Call wire method.
type CallRequest struct {
	ID     InstanceID  `cbor:"id"`
	Data   []byte      `cbor:"data"`
	Tokens []BaseUnits `cbor:"tokens,omitempty"`
}

// UpgradeRequest is the body of the contracts.Upgrade wire method. The
// module always answers it with Unsupported; the request shape is kept
// so the wire surface matches spec §6 exactly.
type UpgradeRequest struct {
	ID     InstanceID  `cbor:"id"`
	CodeID CodeID      `cbor:"code_id"`
	Data   []byte      `cbor:"data"`
	Tokens []BaseUnits `cbor:"tokens,omitempty"`
}
