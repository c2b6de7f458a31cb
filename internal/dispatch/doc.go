// Package dispatch implements the single logical execution context ("owner
// thread") that confines all session state.
//
// A Loop is an unbounded FIFO of operations. Any goroutine may Post to it
// without blocking; operations execute one at a time, either on the goroutine
// running Run or synchronously through Drain. Driver backends reuse the same
// type for their private worker context.
package dispatch
