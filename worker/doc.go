// Package worker provides the capsule daemon and a client for driving its
// sessions remotely, with mTLS for traffic encryption and authz.
//
// The daemon leases sessions from a bounded pool over a few HTTP endpoints:
//
//   - GET /heartbeat records client liveness.
//   - GET /session upgrades to a WebSocket and leases one session for the
//     life of the connection.
//   - POST /execute runs a single snippet on a pooled session and returns
//     its collected output in the response body.
//   - GET /status reports pool occupancy.
//
// Traffic on a session WebSocket is binary frames, each a 4-byte big-endian
// length prefix followed by one JSON message. The conversation is:
//
//  1. The client sends a control message with action "exec", a fresh
//     execution ID, and the code to run.
//  2. The worker answers every control message with exactly one "reply"
//     control message carrying the same call ID, and an error string if the
//     session rejected the request.
//  3. Accepted executions stream their output, input_request, and terminal
//     result or error messages back to the client, tagged with the
//     execution ID.
//  4. The client resumes a suspended execution by sending an input_response
//     whose input ID matches the input_request. Responses that match no
//     pending request are dropped.
//
// cancel, reset, checkpoint, restore, and list follow the same
// control/reply exchange. Unknown message types are dropped; malformed
// frames and messages with missing required fields close the connection.
package worker
