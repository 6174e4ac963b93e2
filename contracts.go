// Package contracts is the root orchestrator: a transaction enters the
// module via Upload, Instantiate, Call or (stubbed) Upgrade, and is
// routed through the bytecode validator/instrumenter and host ABI
// (wasmvm), the storage & identity layer (state), the policy & gas
// model (policy, gas), and the sub-call dispatcher (subcall).
package contracts

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/tetratelabs/wazero"

	oasisapi "github.com/anonymousGiga/oasis-sdk/api"
	"github.com/anonymousGiga/oasis-sdk/external"
	"github.com/anonymousGiga/oasis-sdk/gas"
	"github.com/anonymousGiga/oasis-sdk/log"
	"github.com/anonymousGiga/oasis-sdk/metrics"
	"github.com/anonymousGiga/oasis-sdk/policy"
	"github.com/anonymousGiga/oasis-sdk/state"
	"github.com/anonymousGiga/oasis-sdk/subcall"
	"github.com/anonymousGiga/oasis-sdk/trace"
	"github.com/anonymousGiga/oasis-sdk/wasmvm"
)

// MethodCall is the wire method name a Module registers under with the
// embedding runtime's outer transaction dispatcher, and the one it
// dispatches to itself for same- and cross-contract sub-calls (spec
// §4.D step 4, "dispatch the call through the external dispatcher").
const MethodCall = "contracts.Call"

// Module is the root engine. Runtime must already have had
// wasmvm.RegisterHostModules applied (NewModule does this); every field
// is otherwise fixed configuration shared across transactions, while
// the transactional KVStore is supplied per call since it is request-
// scoped.
type Module struct {
	Runtime  wazero.Runtime
	Cache    *wasmvm.InstrumentCache
	Accounts external.Accounts
	Gas      external.GasHook
	Tx       external.TxDispatcher
	Params   gas.Params

	// Logger and Metrics default to log.New("module", "contracts") (a
	// child of log.Root()) and a fresh metrics.NewRegistry()
	// respectively; an embedding runtime may
	// overwrite either after NewModule returns to route them into its
	// own observability stack.
	Logger  log.Logger
	Metrics *metrics.Registry

	dispatcher *subcall.Dispatcher
}

// NewModule constructs a Module, registering the metering/storage host
// imports on rt. tx is the outer transaction dispatcher sub-calls are
// routed through; passing the Module itself (see Dispatch) wires
// same-module sub-calls back into this engine.
func NewModule(rt wazero.Runtime, cache *wasmvm.InstrumentCache, accounts external.Accounts, gasHook external.GasHook, tx external.TxDispatcher, params gas.Params) (*Module, error) {
	if err := wasmvm.RegisterHostModules(context.Background(), rt); err != nil {
		return nil, err
	}
	m := &Module{
		Runtime:  rt,
		Cache:    cache,
		Accounts: accounts,
		Gas:      gasHook,
		Tx:       tx,
		Params:   params,
		Logger:   log.New("module", "contracts"),
		Metrics:  metrics.NewRegistry(),
	}
	m.dispatcher = &subcall.Dispatcher{
		Tx:       tx,
		Invoke:   m,
		Limits:   params.Limits,
		Schedule: params.Schedule,
	}
	return m, nil
}

func (m *Module) settle(ctx context.Context, meter *gas.Meter) {
	_ = m.Gas.UseGas(ctx, meter.Used())
	m.Metrics.GasUsed.Update(int64(meter.Used()))
}

// translateGas maps the gas package's internal exhaustion sentinel to
// the wire-visible "core: out of gas" error (spec §7's transparent
// re-export), so every Module entry point returns an api.Error rather
// than leaking the gas package's unexported sentinel type.
func translateGas(err error) error {
	if err != nil && gas.IsOutOfGas(err) {
		return oasisapi.ErrOutOfGas
	}
	return err
}

// Upload implements contracts.Upload (spec §6): validate and instrument
// req.Code, persist it as a new Code record, and return its CodeID.
func (m *Module) Upload(ctx context.Context, kv external.KVStore, req oasisapi.UploadRequest) (oasisapi.UploadResult, error) {
	if req.ABI != oasisapi.ABIOasisV1 {
		return oasisapi.UploadResult{}, oasisapi.ErrUnsupportedABI(uint8(req.ABI))
	}

	meter := gas.NewMeter(m.Gas.RemainingGas(ctx))
	defer m.settle(ctx, meter)

	if err := meter.UseGas(gas.ResourceComputation, m.Params.Schedule.TxUpload); err != nil {
		return oasisapi.UploadResult{}, translateGas(err)
	}
	if err := meter.UseGas(gas.ResourceComputation, gas.SafeMul(m.Params.Schedule.TxUploadPerByte, uint64(len(req.Code)))); err != nil {
		return oasisapi.UploadResult{}, translateGas(err)
	}

	if err := wasmvm.Validate(ctx, m.Runtime, req.Code, int(m.Params.Limits.MaxCodeSize)); err != nil {
		return oasisapi.UploadResult{}, err
	}

	instrumented, err := m.Cache.InstrumentCached(req.Code, m.Params.Schedule)
	if err != nil {
		return oasisapi.UploadResult{}, oasisapi.ErrCodeMalformed(err)
	}
	if len(instrumented) > int(m.Params.Limits.MaxCodeSize) {
		return oasisapi.UploadResult{}, oasisapi.ErrCodeTooLarge(len(instrumented), int(m.Params.Limits.MaxCodeSize))
	}
	// The instrumentation pass grows the module; the delta also charges
	// tx_upload_per_byte (spec §4.F table: "then again for instrumentation
	// delta").
	if delta := len(instrumented) - len(req.Code); delta > 0 {
		if err := meter.UseGas(gas.ResourceComputation, gas.SafeMul(m.Params.Schedule.TxUploadPerByte, uint64(delta))); err != nil {
			return oasisapi.UploadResult{}, translateGas(err)
		}
	}

	hash := sha256.Sum256(instrumented)
	ids := state.NewIdentityStore(kv)
	id := ids.NextCodeID()
	ids.PutRawCode(id, instrumented)
	ids.PutCode(oasisapi.Code{
		ID:                id,
		Hash:              hash,
		ABI:               req.ABI,
		InstantiatePolicy: req.InstantiatePolicy,
	})
	m.Metrics.UploadsTotal.Inc(1)
	m.Logger.Info("code uploaded", "code_id", id, "bytes", len(instrumented))
	return oasisapi.UploadResult{ID: id}, nil
}

// Instantiate implements contracts.Instantiate: enforce the code's
// instantiate policy, allocate a fresh instance, transfer any tokens,
// and invoke the guest's instantiate entry point.
func (m *Module) Instantiate(ctx context.Context, kv external.KVStore, caller oasisapi.Address, req oasisapi.InstantiateRequest) (oasisapi.InstantiateResult, error) {
	meter := gas.NewMeter(m.Gas.RemainingGas(ctx))
	defer m.settle(ctx, meter)

	if err := meter.UseGas(gas.ResourceComputation, m.Params.Schedule.TxInstantiate); err != nil {
		return oasisapi.InstantiateResult{}, translateGas(err)
	}

	ids := state.NewIdentityStore(kv)
	code, ok := ids.GetCode(req.CodeID)
	if !ok {
		return oasisapi.InstantiateResult{}, oasisapi.ErrCodeNotFound(uint64(req.CodeID))
	}
	if err := policy.Enforce(code.InstantiatePolicy, caller); err != nil {
		return oasisapi.InstantiateResult{}, err
	}

	id := ids.NextInstanceID()
	addr := state.DeriveAddress(id)

	if err := m.transferTokens(ctx, caller, addr, req.Tokens); err != nil {
		return oasisapi.InstantiateResult{}, err
	}

	overlay := kv.NewOverlay()
	envelope := oasisapi.Envelope{
		Caller:         caller,
		Instance:       id,
		TokensReceived: req.Tokens,
		Request:        req.Data,
	}
	ok2, err := m.runEntry(ctx, meter, overlay, id, req.CodeID, wasmvm.EntryInstantiate, envelope)
	if err != nil {
		overlay.Discard()
		return oasisapi.InstantiateResult{}, err
	}
	m.Metrics.SubcallFanOut.Update(int64(len(ok2.Messages)))
	m.Metrics.SubcallsTotal.Inc(int64(len(ok2.Messages)))
	if _, err := m.dispatcher.Resolve(ctx, addr, id, overlay, meter, *ok2); err != nil {
		overlay.Discard()
		return oasisapi.InstantiateResult{}, err
	}

	ids.PutInstance(oasisapi.Instance{
		ID:             id,
		CodeID:         req.CodeID,
		Creator:        caller,
		UpgradesPolicy: req.UpgradesPolicy,
	})
	overlay.Commit()
	m.Metrics.InstantiatesTotal.Inc(1)
	m.Logger.Info("contract instantiated", "instance_id", id, "code_id", req.CodeID)
	return oasisapi.InstantiateResult{ID: id}, nil
}

// Call implements contracts.Call: invoke a previously instantiated
// contract's call entry point and fold any emitted messages into the
// final returned bytes.
func (m *Module) Call(ctx context.Context, kv external.KVStore, caller oasisapi.Address, req oasisapi.CallRequest) ([]byte, error) {
	ctx, span := trace.StartSpan(ctx, MethodCall, subcall.TxStateFrom(ctx).Depth, 0)
	defer span.End()

	meter := gas.NewMeter(m.Gas.RemainingGas(ctx))
	defer m.settle(ctx, meter)

	if err := meter.UseGas(gas.ResourceComputation, m.Params.Schedule.TxCall); err != nil {
		return nil, translateGas(err)
	}

	ids := state.NewIdentityStore(kv)
	instance, ok := ids.GetInstance(req.ID)
	if !ok {
		return nil, oasisapi.ErrInstanceNotFound(uint64(req.ID))
	}
	addr := state.DeriveAddress(req.ID)

	if err := m.transferTokens(ctx, caller, addr, req.Tokens); err != nil {
		return nil, err
	}

	overlay := kv.NewOverlay()
	envelope := oasisapi.Envelope{
		Caller:         caller,
		Instance:       req.ID,
		TokensReceived: req.Tokens,
		Request:        req.Data,
	}
	ok2, err := m.runEntry(ctx, meter, overlay, req.ID, instance.CodeID, wasmvm.EntryCall, envelope)
	if err != nil {
		overlay.Discard()
		m.Metrics.CallsFailedTotal.Inc(1)
		return nil, err
	}
	m.Metrics.SubcallFanOut.Update(int64(len(ok2.Messages)))
	m.Metrics.SubcallsTotal.Inc(int64(len(ok2.Messages)))
	data, err := m.dispatcher.Resolve(ctx, addr, req.ID, overlay, meter, *ok2)
	if err != nil {
		overlay.Discard()
		m.Metrics.CallsFailedTotal.Inc(1)
		return nil, err
	}
	overlay.Commit()
	m.Metrics.CallsTotal.Inc(1)
	m.Logger.Debug("contract called", "instance_id", req.ID, "gas_used", meter.Used())
	return data, nil
}

// Upgrade implements contracts.Upgrade: spec §6/§9 fixes this as
// globally unsupported regardless of the recorded upgrades_policy.
// tx_upgrade is still charged before the Unsupported error is returned
// (spec §9's documented, not-revisited, current behavior).
func (m *Module) Upgrade(ctx context.Context, _ external.KVStore, _ oasisapi.Address, _ oasisapi.UpgradeRequest) error {
	meter := gas.NewMeter(m.Gas.RemainingGas(ctx))
	defer m.settle(ctx, meter)
	if err := meter.UseGas(gas.ResourceComputation, m.Params.Schedule.TxUpgrade); err != nil {
		return translateGas(err)
	}
	return oasisapi.ErrUnsupported("contract upgrades")
}

// Code is the read-only contracts.Code query.
func (m *Module) Code(_ context.Context, kv external.KVStore, id oasisapi.CodeID) (oasisapi.Code, error) {
	c, ok := state.NewIdentityStore(kv).GetCode(id)
	if !ok {
		return oasisapi.Code{}, oasisapi.ErrCodeNotFound(uint64(id))
	}
	return c, nil
}

// Instance is the read-only contracts.Instance query.
func (m *Module) Instance(_ context.Context, kv external.KVStore, id oasisapi.InstanceID) (oasisapi.Instance, error) {
	in, ok := state.NewIdentityStore(kv).GetInstance(id)
	if !ok {
		return oasisapi.Instance{}, oasisapi.ErrInstanceNotFound(uint64(id))
	}
	return in, nil
}

// InstanceStorage, PublicKey and Custom reserve the query surface of
// spec §6 without backing it; all three always report Unsupported.
func (m *Module) InstanceStorage(context.Context, external.KVStore, oasisapi.InstanceID, []byte) ([]byte, error) {
	return nil, oasisapi.ErrUnsupported("instance storage query")
}

func (m *Module) PublicKey(context.Context, oasisapi.InstanceID) ([]byte, error) {
	return nil, oasisapi.ErrUnsupported("confidential public key service")
}

func (m *Module) Custom(context.Context, string, []byte) ([]byte, error) {
	return nil, oasisapi.ErrUnsupported("custom query path")
}

// Parameters returns the active gas cost schedule and limits (a
// supplemented read-only accessor, mirroring original_source/'s module
// Parameters() query; not part of spec.md's method table but excluded
// by no Non-goal).
func (m *Module) Parameters(context.Context) gas.Params {
	return m.Params
}

// Dispatch implements external.TxDispatcher so this Module can be
// wired as its own sub-call target: a message emitted by one contract
// addressed at MethodCall reenters Call against the overlay and gas
// meter subcall.Dispatcher attached to ctx.
func (m *Module) Dispatch(ctx context.Context, method string, body []byte) (oasisapi.CallResult, error) {
	ctx, span := trace.StartSpan(ctx, method, subcall.TxStateFrom(ctx).Depth, 0)
	defer span.End()

	if method != MethodCall {
		return oasisapi.CallResult{}, fmt.Errorf("contracts: unknown sub-call method %q", method)
	}
	overlay, ok := external.OverlayFrom(ctx)
	if !ok {
		return oasisapi.CallResult{}, fmt.Errorf("contracts: sub-call dispatched without an overlay on context")
	}
	var req oasisapi.CallRequest
	if err := oasisapi.Unmarshal(body, &req); err != nil {
		return failureResult(oasisapi.ErrInvalidArgument(err.Error())), nil
	}

	ids := state.NewIdentityStore(overlay)
	instance, ok := ids.GetInstance(req.ID)
	if !ok {
		return failureResult(oasisapi.ErrInstanceNotFound(uint64(req.ID))), nil
	}
	caller, ok := subcall.CallerFrom(ctx)
	if !ok {
		return oasisapi.CallResult{}, fmt.Errorf("contracts: sub-call dispatched without caller context")
	}

	meter, ok := subcall.MeterFrom(ctx)
	if !ok {
		return oasisapi.CallResult{}, fmt.Errorf("contracts: sub-call dispatched without a gas meter on context")
	}

	addr := state.DeriveAddress(req.ID)
	childOverlay := overlay.NewOverlay()
	envelope := oasisapi.Envelope{Caller: caller.Address, Instance: req.ID, TokensReceived: req.Tokens, Request: req.Data}
	ok2, err := m.runEntry(ctx, meter, childOverlay, req.ID, instance.CodeID, wasmvm.EntryCall, envelope)
	if err != nil {
		childOverlay.Discard()
		return failureResult(err), nil
	}
	data, err := m.dispatcher.Resolve(ctx, addr, req.ID, childOverlay, meter, *ok2)
	if err != nil {
		childOverlay.Discard()
		return failureResult(err), nil
	}
	childOverlay.Commit()
	return oasisapi.CallResult{Ok: data}, nil
}

// InvokeReply implements subcall.Invoker: reenter the given instance's
// handle_reply export.
func (m *Module) InvokeReply(ctx context.Context, instance oasisapi.InstanceID, envelope oasisapi.Envelope) (oasisapi.ExecutionOk, error) {
	overlay, ok := external.OverlayFrom(ctx)
	if !ok {
		return oasisapi.ExecutionOk{}, fmt.Errorf("contracts: handle_reply invoked without an overlay on context")
	}
	meter, ok := subcall.MeterFrom(ctx)
	if !ok {
		return oasisapi.ExecutionOk{}, fmt.Errorf("contracts: handle_reply invoked without a gas meter on context")
	}
	ids := state.NewIdentityStore(overlay)
	in, ok := ids.GetInstance(instance)
	if !ok {
		return oasisapi.ExecutionOk{}, oasisapi.ErrInstanceNotFound(uint64(instance))
	}
	ok2, err := m.runEntry(ctx, meter, overlay, instance, in.CodeID, wasmvm.EntryHandleReply, envelope)
	if err != nil {
		return oasisapi.ExecutionOk{}, err
	}
	return *ok2, nil
}

func failureResult(err error) oasisapi.CallResult {
	if ae, ok := err.(oasisapi.Error); ok {
		return oasisapi.CallResult{Failed: &oasisapi.Failed{Module: ae.Module(), Code: ae.Code()}}
	}
	return oasisapi.CallResult{Failed: &oasisapi.Failed{Module: oasisapi.ModuleContracts, Code: oasisapi.CodeExecutionFailed}}
}

func (m *Module) transferTokens(ctx context.Context, from, to oasisapi.Address, tokens []oasisapi.BaseUnits) error {
	for _, amount := range tokens {
		if err := m.Accounts.Transfer(ctx, from, to, amount); err != nil {
			return oasisapi.ErrInsufficientCallerBalance()
		}
	}
	return nil
}

// runEntry compiles the instance's instrumented bytecode, instantiates
// it, invokes entry with envelope under meter's budget, and releases
// both the compiled module and the instance on every exit path, per
// spec §5's "scoped resources... released on all exit paths".
func (m *Module) runEntry(ctx context.Context, meter *gas.Meter, kv external.KVStore, instanceID oasisapi.InstanceID, codeID oasisapi.CodeID, entry string, envelope oasisapi.Envelope) (*oasisapi.ExecutionOk, error) {
	raw, ok := state.NewIdentityStore(kv).GetRawCode(codeID)
	if !ok {
		return nil, oasisapi.ErrCodeNotFound(uint64(codeID))
	}

	compiled, err := m.Runtime.CompileModule(ctx, raw)
	if err != nil {
		return nil, oasisapi.ErrModuleLoadingFailed(err)
	}
	defer compiled.Close(ctx)

	inst, err := wasmvm.Instantiate(ctx, m.Runtime, compiled, fmt.Sprintf("instance-%d", uint64(instanceID)))
	if err != nil {
		return nil, err
	}
	defer inst.Close(ctx)

	store := state.NewInstanceStore(kv, instanceID)
	ic := &wasmvm.InvocationContext{
		Meter:          meter,
		Schedule:       m.Params.Schedule,
		Store:          store,
		MaxStackSize:   m.Params.Limits.MaxStackSize,
		MaxMemoryPages: m.Params.Limits.MaxMemoryPages,
	}
	return inst.Invoke(ctx, ic, entry, envelope, m.Params.Limits.MaxResultSizeBytes)
}
