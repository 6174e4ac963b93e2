// Package state implements Component E: code/instance identity
// allocation, address derivation, and the per-instance KV namespace
// backing the Host ABI's storage import, all layered over the external
// KVStore collaborator (spec §1, §4.E).
package state

// Storage key namespace bytes, spec §3. Consensus-visible: changing any
// of these is a hard fork.
const (
	nsNextCodeID     = 0x01
	nsNextInstanceID = 0x02
	nsCode           = 0x03
	nsInstance       = 0x04
	nsInstanceKV     = 0x05
	nsRawCode        = 0xFF
)
