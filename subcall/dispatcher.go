// Package subcall implements Component D, the sub-call dispatcher: it
// folds the messages a contract invocation emits into a final result,
// recursing through child transactional contexts under shared depth,
// count and gas limits, and routing replies back to the emitting
// contract (spec §4.D).
package subcall

import (
	"context"

	oasisapi "github.com/anonymousGiga/oasis-sdk/api"
	"github.com/anonymousGiga/oasis-sdk/external"
	"github.com/anonymousGiga/oasis-sdk/gas"
)

// Invoker lets the dispatcher deliver a Reply to the contract that
// emitted the originating message by reentering the instance runtime
// (Component C). It is defined here, rather than subcall depending on
// the root orchestration package directly, because the root package
// itself depends on subcall — a concrete Invoker is supplied by the
// root package at construction time instead.
type Invoker interface {
	InvokeReply(ctx context.Context, instance oasisapi.InstanceID, envelope oasisapi.Envelope) (oasisapi.ExecutionOk, error)
}

// Dispatcher implements the recursive message-folding algorithm of
// spec §4.D.
type Dispatcher struct {
	Tx       external.TxDispatcher
	Invoke   Invoker
	Limits   gas.Limits
	Schedule gas.Schedule
}

// translateGas maps the gas package's internal exhaustion sentinel to the
// wire-visible "core: out of gas" error (spec §7's transparent re-export),
// mirroring the root package's identically named helper.
func translateGas(err error) error {
	if err != nil && gas.IsOutOfGas(err) {
		return oasisapi.ErrOutOfGas
	}
	return err
}

// Resolve folds ok.Messages into a final data payload for the
// invocation that produced ok. emitter is the address of the contract
// whose execution produced ok (the target of any handle_reply
// delivery); store is the transactional overlay that invocation ran
// inside, used to open each child message's isolated sub-overlay;
// meter is the shared gas meter for the whole transaction.
func (d *Dispatcher) Resolve(ctx context.Context, emitter oasisapi.Address, emitterInstance oasisapi.InstanceID, store external.Overlay, meter *gas.Meter, ok oasisapi.ExecutionOk) ([]byte, error) {
	data := ok.Data
	if len(ok.Messages) == 0 {
		return data, nil
	}

	st := TxStateFrom(ctx)
	if st.Depth >= d.Limits.MaxSubcallDepth {
		return nil, oasisapi.ErrCallDepthExceeded(st.Depth+1, d.Limits.MaxSubcallDepth)
	}
	if len(ok.Messages) > d.Limits.MaxSubcallCount {
		return nil, oasisapi.ErrTooManySubcalls(len(ok.Messages), d.Limits.MaxSubcallCount)
	}

	dispatchCharge := gas.SafeMul(d.Schedule.SubcallDispatch, uint64(len(ok.Messages)))
	if err := meter.UseGas(gas.ResourceComputation, dispatchCharge); err != nil {
		return nil, translateGas(err)
	}

	for _, msg := range ok.Messages {
		if msg.Call == nil {
			continue
		}
		reply, err := d.dispatchOne(ctx, emitter, emitterInstance, store, meter, st, *msg.Call)
		if err != nil {
			return nil, err
		}
		if reply == nil {
			continue
		}
		replyData, err := d.deliverReply(ctx, emitter, emitterInstance, store, meter, st, *reply)
		if err != nil {
			return nil, err
		}
		if len(replyData) > 0 {
			data = replyData
		}
	}
	return data, nil
}

// dispatchOne executes a single emitted Call message: computes its gas
// allowance, opens a child overlay and depth/count state, dispatches
// through the external TxDispatcher, commits or discards the child
// overlay by the dispatch outcome, charges the parent for gas actually
// consumed, and returns the Reply to deliver (nil if msg.Reply does not
// call for one).
func (d *Dispatcher) dispatchOne(ctx context.Context, emitter oasisapi.Address, emitterInstance oasisapi.InstanceID, store external.Overlay, meter *gas.Meter, st *TxState, msg oasisapi.CallMessage) (*oasisapi.ReplyCall, error) {
	remaining := meter.Remaining()
	allowance := remaining
	if msg.MaxGas != nil && *msg.MaxGas < remaining {
		allowance = *msg.MaxGas
	}

	childOverlay := store.NewOverlay()
	childMeter := gas.NewMeter(allowance)
	childSt := &TxState{Depth: st.Depth + 1, Count: st.Count + 1}

	childCtx := WithTxState(ctx, childSt)
	childCtx = WithMeter(childCtx, childMeter)
	childCtx = external.WithOverlay(childCtx, childOverlay)
	childCtx = WithCaller(childCtx, Caller{Address: emitter, Instance: emitterInstance})

	result, dispatchErr := d.Tx.Dispatch(childCtx, msg.Method, msg.Body)
	if dispatchErr != nil {
		childOverlay.Discard()
		_ = meter.UseGas(gas.ResourceComputation, allowance-childMeter.Remaining())
		return nil, dispatchErr
	}

	used := allowance - childMeter.Remaining()
	if result.Success() {
		childOverlay.Commit()
	} else {
		childOverlay.Discard()
	}
	if err := meter.UseGas(gas.ResourceComputation, used); err != nil {
		return nil, translateGas(err)
	}

	if !msg.Reply.Wants(result.Success()) {
		return nil, nil
	}
	return &oasisapi.ReplyCall{ID: msg.ID, Result: result}, nil
}

// deliverReply invokes handle_reply on the emitting contract and
// recursively resolves the ExecutionOk it returns through this same
// dispatcher, per spec §4.D's "handle_reply's own ExecutionOk is then
// recursively processed through this same dispatcher" rule.
//
// store is the overlay the emitting invocation itself ran inside, not a
// fresh child overlay: handle_reply re-enters that same contract, so its
// writes belong in the same transactional view, not a sub-call's isolated
// one. Invoke.InvokeReply reads the overlay and meter back off ctx, so
// both must be attached here rather than inherited from whatever ctx
// happened to carry in (at the top level it carries neither, and at
// nested depth it still carries the parent call's, not this one's).
func (d *Dispatcher) deliverReply(ctx context.Context, emitter oasisapi.Address, emitterInstance oasisapi.InstanceID, store external.Overlay, meter *gas.Meter, st *TxState, reply oasisapi.ReplyCall) ([]byte, error) {
	envelope := oasisapi.Envelope{
		Caller:   emitter,
		Instance: emitterInstance,
		Reply:    &oasisapi.Reply{Call: &reply},
	}
	replyCtx := external.WithOverlay(ctx, store)
	replyCtx = WithMeter(replyCtx, meter)
	replyCtx = WithTxState(replyCtx, st)
	replyCtx = WithCaller(replyCtx, Caller{Address: emitter, Instance: emitterInstance})
	ok, err := d.Invoke.InvokeReply(replyCtx, emitterInstance, envelope)
	if err != nil {
		return nil, err
	}
	return d.Resolve(ctx, emitter, emitterInstance, store, meter, ok)
}
