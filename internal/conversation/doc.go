// Package conversation tracks which chat threads are bound to which agent
// sessions, and what each binding is currently doing.
//
// # Bindings
//
// A Binding attaches one channel thread (channel + thread_id) to one agent
// session. The Registry is the in-memory source of truth:
//
//	reg := conversation.NewRegistry(4*time.Hour, logger)
//	b, err := reg.Bind("telegram", "1001", "sess-1", "telegram:42")
//
// Key properties:
//
//   - One thread maps to at most one session; binding an already-bound
//     thread to a different session fails with ErrAlreadyBound.
//   - One session may fan out to many threads.
//   - Bindings expire after a TTL of inactivity and are swept by the Reaper.
//
// # State machine
//
// Each binding carries the session's activity state as observed from this
// thread: idle, running, streaming, awaiting_input, stopped. Transitions go
// through Binding.Transition and Binding.AwaitInput, which enforce the legal
// edges; an illegal transition leaves the binding untouched and returns
// InvalidTransitionError. The stopped state is terminal.
//
// The awaiting_input state is the only one that carries an active prompt ID,
// set iff the transition into it succeeds.
//
// # Concurrency
//
// Registry.Update serializes evaluate-then-mutate sequences per binding, so
// concurrent messages on one thread observe each other's effects. Distinct
// bindings proceed in parallel.
package conversation
