package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates the kinds of messages carried in frames.
type MessageType string

const (
	TypeOutput        MessageType = "output"
	TypeInputRequest  MessageType = "input_request"
	TypeInputResponse MessageType = "input_response"
	TypeResult        MessageType = "result"
	TypeError         MessageType = "error"
	TypeControl       MessageType = "control"
)

// Stream identifies which output stream an Output message belongs to.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// ControlAction names a session-level control operation.
type ControlAction string

const (
	ActionExec       ControlAction = "exec"
	ActionCancel     ControlAction = "cancel"
	ActionReset      ControlAction = "reset"
	ActionCheckpoint ControlAction = "checkpoint"
	ActionRestore    ControlAction = "restore"
	ActionList       ControlAction = "list"
	ActionReply      ControlAction = "reply"
)

// Exception type tags carried by Error messages the core itself emits.
// Engines tag their own faults.
const (
	ExcCancelled = "ExecutionCancelledError"
	ExcTimeout   = "ExecutionTimeoutError"
	ExcInternal  = "InternalError"
)

// EntryInfo is one namespace entry summary in a Control list reply.
type EntryInfo struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Message is the decoded frame payload. One struct covers all kinds; the
// identity fields are always set, the rest belong to one kind each.
// Required fields per kind are enforced by Validate.
type Message struct {
	ID          string      `json:"id"`
	Type        MessageType `json:"type"`
	Timestamp   int64       `json:"ts"`
	ExecutionID string      `json:"execution_id,omitempty"`

	// Output
	Stream Stream `json:"stream,omitempty"`
	Data   []byte `json:"data,omitempty"` // also InputResponse

	// InputRequest / InputResponse
	InputID string `json:"input_id,omitempty"`
	Prompt  string `json:"prompt,omitempty"`

	// Result
	Value  json.RawMessage `json:"value,omitempty"`
	Repr   string          `json:"repr,omitempty"`
	TimeMS int64           `json:"time_ms,omitempty"`

	// Error
	ExceptionType    string `json:"exception_type,omitempty"`
	ExceptionMessage string `json:"exception_message,omitempty"`
	Traceback        string `json:"traceback,omitempty"`

	// Control. CallID correlates a reply with its request.
	Action       ControlAction `json:"action,omitempty"`
	CallID       int64         `json:"call_id,omitempty"`
	Code         string        `json:"code,omitempty"`
	Label        string        `json:"label,omitempty"`
	CheckpointID string        `json:"checkpoint_id,omitempty"`
	Entries      []EntryInfo   `json:"entries,omitempty"`
	Err          string        `json:"error,omitempty"`
}

func newMessage(typ MessageType, executionID string) Message {
	return Message{
		ID:          uuid.NewString(),
		Type:        typ,
		Timestamp:   time.Now().UnixMilli(),
		ExecutionID: executionID,
	}
}

// NewOutput builds an Output message for one chunk of stream data.
func NewOutput(executionID string, stream Stream, data []byte) Message {
	m := newMessage(TypeOutput, executionID)
	m.Stream = stream
	m.Data = data
	return m
}

// NewInputRequest builds an InputRequest carrying a fresh input ID.
func NewInputRequest(executionID, inputID, prompt string) Message {
	m := newMessage(TypeInputRequest, executionID)
	m.InputID = inputID
	m.Prompt = prompt
	return m
}

// NewInputResponse builds the response to an InputRequest; inputID must
// match the request's.
func NewInputResponse(executionID, inputID string, data []byte) Message {
	m := newMessage(TypeInputResponse, executionID)
	m.InputID = inputID
	m.Data = data
	return m
}

// NewResult builds the successful terminal message for an execution.
// value is the JSON encoding of the result value, or "null".
func NewResult(executionID string, value json.RawMessage, repr string, timeMS int64) Message {
	m := newMessage(TypeResult, executionID)
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	m.Value = value
	m.Repr = repr
	m.TimeMS = timeMS
	return m
}

// NewError builds the failed terminal message for an execution.
func NewError(executionID, excType, excMessage, traceback string) Message {
	m := newMessage(TypeError, executionID)
	m.ExceptionType = excType
	m.ExceptionMessage = excMessage
	m.Traceback = traceback
	return m
}

// NewControl builds a session-level control message.
func NewControl(action ControlAction) Message {
	m := newMessage(TypeControl, "")
	m.Action = action
	return m
}

// Terminal reports whether m ends an execution's message stream.
func (m Message) Terminal() bool {
	return m.Type == TypeResult || m.Type == TypeError
}

// Validate enforces the required fields for m's kind. A missing field is
// ErrMissingField; an unrecognized type is ErrUnknownMessageType.
func (m Message) Validate() error {
	switch m.Type {
	case TypeOutput:
		if m.ExecutionID == "" {
			return fmt.Errorf("%w: output.execution_id", ErrMissingField)
		}
		if m.Stream != StreamStdout && m.Stream != StreamStderr {
			return fmt.Errorf("%w: output.stream", ErrMissingField)
		}
	case TypeInputRequest:
		if m.ExecutionID == "" {
			return fmt.Errorf("%w: input_request.execution_id", ErrMissingField)
		}
		if m.InputID == "" {
			return fmt.Errorf("%w: input_request.input_id", ErrMissingField)
		}
	case TypeInputResponse:
		if m.ExecutionID == "" {
			return fmt.Errorf("%w: input_response.execution_id", ErrMissingField)
		}
		if m.InputID == "" {
			return fmt.Errorf("%w: input_response.input_id", ErrMissingField)
		}
	case TypeResult:
		if m.ExecutionID == "" {
			return fmt.Errorf("%w: result.execution_id", ErrMissingField)
		}
	case TypeError:
		if m.ExecutionID == "" {
			return fmt.Errorf("%w: error.execution_id", ErrMissingField)
		}
		if m.ExceptionType == "" {
			return fmt.Errorf("%w: error.exception_type", ErrMissingField)
		}
	case TypeControl:
		if m.Action == "" {
			return fmt.Errorf("%w: control.action", ErrMissingField)
		}
		if m.Action == ActionExec && m.ExecutionID == "" {
			return fmt.Errorf("%w: control.execution_id", ErrMissingField)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, string(m.Type))
	}
	return nil
}

// Encode serializes m to a frame payload.
func (m Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", m.Type, err)
	}
	return b, nil
}

// DecodeMessage parses and validates one frame payload. Undecodable
// payloads fail with ErrMalformedPayload; see Validate for the rest of
// the classification errors.
func DecodeMessage(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
