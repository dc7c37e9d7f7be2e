/*
Package session hosts code executions against a persistent namespace and
streams their messages in emission order.

A Session owns one namespace store and runs at most one execution at a
time. Execute binds a fresh Executor, moves the session to Busy, and
returns an Execution handle; the executor emits Output messages as the
code produces them, suspends on input requests, and finishes with exactly
one terminal message (Result or Error). The session is Idle once the
terminal message is emitted and Ready again once the consumer has drained
it.

Messages flow through a Router, which keeps one FIFO queue per execution.
Queues are created when the first message for an execution arrives and
deleted when the terminal message is dequeued, so a drained execution
leaves nothing behind. The Router also classifies raw frame payloads for
the transport layer: input responses and control messages are dispatched
to registered handlers, everything else is queued by execution ID.

Interactive input works by correlation. The executor emits an
InputRequest carrying a fresh input_id and parks until SubmitInput is
called with that exact id; responses carrying any other id are dropped
with a warning and the executor stays suspended.

Cancellation and timeouts share one path: the execution's context is
cancelled, the engine unwinds, any transaction left open is rolled back,
and the terminal Error message names ExecutionCancelledError or
ExecutionTimeoutError. The session is serviceable again immediately
afterwards.
*/
package session
