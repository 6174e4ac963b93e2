package wasmvm

import (
	"crypto/sha256"

	"github.com/VictoriaMetrics/fastcache"
	"golang.org/x/sync/singleflight"

	"github.com/anonymousGiga/oasis-sdk/gas"
)

// InstrumentCache memoizes the instrumentation pass (§4.A) keyed by the
// hash of the source bytes plus the cost schedule that produced them —
// Upload of the same source under a different schedule must not hit a
// stale entry. It deliberately caches only instrumented *bytes*, never a
// compiled wazero module: the engine has no JIT caching layer (spec §1
// Non-goals), so every Instantiate still recompiles from these bytes.
type InstrumentCache struct {
	bytes *fastcache.Cache
	group singleflight.Group
}

// NewInstrumentCache returns a cache holding up to approximately
// maxBytes of instrumented bytecode.
func NewInstrumentCache(maxBytes int) *InstrumentCache {
	return &InstrumentCache{bytes: fastcache.New(maxBytes)}
}

// InstrumentCached returns the instrumented form of code, running
// Instrument at most once per distinct (code, schedule) pair even under
// concurrent callers requesting the same upload.
func (c *InstrumentCache) InstrumentCached(code []byte, sched gas.Schedule) ([]byte, error) {
	key := cacheKey(code, sched)
	if v, ok := c.bytes.HasGet(nil, key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(string(key), func() (interface{}, error) {
		if v, ok := c.bytes.HasGet(nil, key); ok {
			return v, nil
		}
		instrumented, err := Instrument(code, sched)
		if err != nil {
			return nil, err
		}
		c.bytes.Set(key, instrumented)
		return instrumented, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func cacheKey(code []byte, sched gas.Schedule) []byte {
	h := sha256.New()
	h.Write(code)
	h.Write(oasisMarshalSchedule(sched))
	return h.Sum(nil)
}

// oasisMarshalSchedule gives a stable byte representation of a Schedule
// for cache-key purposes. It is not the wire CBOR encoding used elsewhere
// — just a fixed-order field dump, since this never leaves the process.
func oasisMarshalSchedule(s gas.Schedule) []byte {
	var b []byte
	for _, v := range []uint64{
		s.TxUpload, s.TxUploadPerByte, s.TxInstantiate, s.TxCall, s.TxUpgrade,
		s.SubcallDispatch, s.WasmStorageGetBase, s.WasmStorageInsertBase,
		s.WasmStorageRemoveBase, s.PerInstruction, s.PerCallOverhead, s.PerMemoryPage,
	} {
		b = putU64(b, v)
	}
	return b
}
