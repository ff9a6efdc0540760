package feed

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame operations. Clients send subscribe, unsubscribe and publish; the
// relay answers with subscribed, event and error.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
	OpSubscribed  = "subscribed"
	OpEvent       = "event"
	OpError       = "error"
)

// MaxFrameSize bounds one websocket frame (1 MB).
const MaxFrameSize = 1 << 20

var (
	// ErrInvalidOp indicates a frame with a missing or unknown op.
	ErrInvalidOp = errors.New("feed: invalid frame op")
	// ErrInvalidFrame indicates a frame missing a field its op requires.
	ErrInvalidFrame = errors.New("feed: invalid frame")
)

// Frame is the JSON envelope exchanged with a relay.
type Frame struct {
	Op        string `json:"op"`
	Channel   string `json:"channel,omitempty"`
	Event     *Event `json:"event,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// EncodeFrame marshals a frame.
func EncodeFrame(frame Frame) ([]byte, error) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidFrame, len(payload))
	}
	return payload, nil
}

// DecodeFrame unmarshals and validates a frame.
func DecodeFrame(payload []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}

	switch frame.Op {
	case OpSubscribe, OpUnsubscribe, OpSubscribed:
		if frame.Channel == "" {
			return Frame{}, fmt.Errorf("%w: %s without channel", ErrInvalidFrame, frame.Op)
		}
	case OpPublish, OpEvent:
		if frame.Channel == "" || frame.Event == nil {
			return Frame{}, fmt.Errorf("%w: %s without channel or event", ErrInvalidFrame, frame.Op)
		}
		frame.Event.Channel = frame.Channel
	case OpError:
	case "":
		return Frame{}, ErrInvalidOp
	default:
		return Frame{}, fmt.Errorf("%w %q", ErrInvalidOp, frame.Op)
	}
	return frame, nil
}

// ErrorFrame builds an error frame for code.
func ErrorFrame(code, message string, timestamp int64) Frame {
	return Frame{Op: OpError, Code: code, Message: message, Timestamp: timestamp}
}
