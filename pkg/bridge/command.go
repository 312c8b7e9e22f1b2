package bridge

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Command actions accepted on the command queue.
const (
	ActionPing         = "ping"
	ActionReadItem     = "read"
	ActionWriteItem    = "write"
	ActionTorque       = "torque"
	ActionLED          = "led"
	ActionGoalPosition = "goal_position"
	ActionReboot       = "reboot"
)

// Command is one request popped from the command queue, CBOR encoded.
type Command struct {
	Action string `cbor:"action"`
	ID     byte   `cbor:"id"`
	Item   string `cbor:"item,omitempty"`
	Value  uint32 `cbor:"value,omitempty"`
}

// Response mirrors a command back with its outcome.
type Response struct {
	Action string `cbor:"action"`
	ID     byte   `cbor:"id"`
	OK     bool   `cbor:"ok"`
	Value  uint32 `cbor:"value,omitempty"`
	Model  string `cbor:"model,omitempty"`
	Error  string `cbor:"error,omitempty"`
}

// EncodeCommand serializes a command for the queue.
func EncodeCommand(cmd Command) ([]byte, error) {
	return cbor.Marshal(cmd)
}

// DecodeCommand parses a queue entry.
func DecodeCommand(data []byte) (Command, error) {
	var cmd Command
	if err := cbor.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("failed to decode command: %w", err)
	}
	if cmd.Action == "" {
		return Command{}, fmt.Errorf("command carries no action")
	}
	return cmd, nil
}

// EncodeResponse serializes a response for the response queue.
func EncodeResponse(resp Response) ([]byte, error) {
	return cbor.Marshal(resp)
}

// DecodeResponse parses a response queue entry.
func DecodeResponse(data []byte) (Response, error) {
	var resp Response
	if err := cbor.Unmarshal(data, &resp); err != nil {
		return Response{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp, nil
}
