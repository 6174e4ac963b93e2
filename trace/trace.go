// Package trace records the call tree one transaction's sub-call
// dispatch produces, adapted from the teacher's deepmind call-index-
// stack pattern (push a new index on every nested call, pop on return)
// into a lighter per-transaction recorder, and optionally mirrors the
// same tree as OpenTelemetry spans for an operator to visualize.
package trace

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Node is one call in the recorded tree: the top-level Upload/
// Instantiate/Call, or a recursive sub-call it dispatched.
type Node struct {
	Index     string
	Method    string
	Depth     int
	MessageID uint64
	Children  []*Node
}

// Tracer records the call tree for a single transaction, mirroring the
// teacher's Context: an active-index stack that grows on Enter and
// shrinks on Exit.
type Tracer struct {
	root        *Node
	stack       []*Node
	nextIndex   uint64
	activeIndex string
}

// New starts a fresh Tracer rooted at a method name (the entry point's
// wire method, e.g. "contracts.Call").
func New(method string) *Tracer {
	root := &Node{Index: "0", Method: method}
	return &Tracer{root: root, stack: []*Node{root}, activeIndex: "0"}
}

// Enter pushes a new child node for a recursive sub-call and returns it,
// mirroring callIndexStack.Push in the teacher's deepmind context.
func (t *Tracer) Enter(method string, depth int, messageID uint64) *Node {
	t.nextIndex++
	idx := strconv.FormatUint(t.nextIndex, 10)
	n := &Node{Index: idx, Method: method, Depth: depth, MessageID: messageID}
	parent := t.stack[len(t.stack)-1]
	parent.Children = append(parent.Children, n)
	t.stack = append(t.stack, n)
	t.activeIndex = idx
	return n
}

// Exit pops the most recently entered node, mirroring the teacher's
// ExtendedStack.Pop/MustPeek restoring the parent's active index.
func (t *Tracer) Exit() {
	if len(t.stack) <= 1 {
		return
	}
	t.stack = t.stack[:len(t.stack)-1]
	t.activeIndex = t.stack[len(t.stack)-1].Index
}

// Root returns the completed call tree.
func (t *Tracer) Root() *Node { return t.root }

// tracer is the package-level OpenTelemetry tracer, lazily resolved
// against whatever TracerProvider the embedding process configured (a
// no-op one if none was set, per otel's own default).
var tracer = otel.Tracer("github.com/anonymousGiga/oasis-sdk/contracts")

// StartSpan starts an OpenTelemetry span for one call or sub-call, with
// depth and the emitting message id as attributes, the detail an
// operator needs to see exactly which recursion the dispatcher's depth
// guard is bounding.
func StartSpan(ctx context.Context, method string, depth int, messageID uint64) (context.Context, trace.Span) {
	return tracer.Start(ctx, method,
		trace.WithAttributes(
			attribute.Int("contracts.depth", depth),
			attribute.Int64("contracts.message_id", int64(messageID)),
		),
	)
}
