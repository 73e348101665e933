package websocket

import (
	"fmt"
	"slices"
	"unicode/utf8"

	"github.com/vitalvas/wsext/extension"
)

// PipelineState is the reassembly state of the inbound direction.
type PipelineState int

const (
	AwaitingFirstFrame PipelineState = iota
	AccumulatingFragments
	MessageComplete
)

func (s PipelineState) String() string {
	switch s {
	case AwaitingFirstFrame:
		return "awaiting_first_frame"
	case AccumulatingFragments:
		return "accumulating_fragments"
	case MessageComplete:
		return "message_complete"
	default:
		return "unknown"
	}
}

// Message is an assembled and decoded message, or a control frame.
type Message struct {
	Type    int
	Payload []byte
}

// Pipeline sits between the frame layer and the application. Inbound it
// reassembles fragments and runs completed messages through the extension
// chain; outbound it encodes messages and splits them into frames.
//
// The inbound and outbound halves keep separate state. Receive must be called
// from one goroutine at a time, and so must Send.
type Pipeline struct {
	chain *extension.Chain

	readLimit int64
	state     PipelineState
	msgType   int
	msgRSV    byte
	buf       []byte

	writeCompress bool
}

// NewPipeline returns a pipeline running messages through chain. A nil chain
// means no extensions are in use.
func NewPipeline(chain *extension.Chain) *Pipeline {
	return &Pipeline{
		chain:         chain,
		writeCompress: true,
	}
}

// State reports the inbound reassembly state.
func (p *Pipeline) State() PipelineState {
	return p.state
}

// Extensions returns the names of the extensions in composition order.
func (p *Pipeline) Extensions() []string {
	return p.chain.Names()
}

// SetReadLimit caps the size of an assembled message both before and after
// decoding. Decoding stops as soon as the output passes the limit. Zero
// disables the limit.
func (p *Pipeline) SetReadLimit(limit int64) {
	p.readLimit = limit
}

// EnableWriteCompression toggles the extension transforms for outbound
// messages. Messages sent while disabled go out with RSV bits cleared.
func (p *Pipeline) EnableWriteCompression(enable bool) {
	p.writeCompress = enable
}

// Receive feeds one inbound frame. It returns a message and true when a
// control frame arrives or the final fragment of a data message completes.
// Any error is fatal to the connection.
func (p *Pipeline) Receive(f Frame) (Message, bool, error) {
	if f.IsControl() {
		if f.RSV != 0 {
			return Message{}, false, protocolError(fmt.Errorf("%w on control frame", ErrReservedBits))
		}
		if !f.Fin {
			return Message{}, false, protocolError(ErrFragmentedControlFrame)
		}
		if len(f.Payload) > maxControlFramePayloadSize {
			return Message{}, false, protocolError(ErrControlFramePayloadTooBig)
		}
		return Message{Type: f.Opcode, Payload: f.Payload}, true, nil
	}

	if extra := f.RSV &^ p.chain.Reserved(); extra != 0 {
		return Message{}, false, protocolError(fmt.Errorf("%w: %#x not negotiated", ErrReservedBits, extra))
	}

	switch f.Opcode {
	case continuationFrame:
		if p.state != AccumulatingFragments {
			return Message{}, false, protocolError(ErrUnexpectedContinuation)
		}
		if f.RSV != 0 {
			return Message{}, false, protocolError(fmt.Errorf("%w on continuation frame", ErrReservedBits))
		}
		p.buf = append(p.buf, f.Payload...)
	case TextMessage, BinaryMessage:
		if p.state == AccumulatingFragments {
			return Message{}, false, protocolError(ErrExpectedContinuation)
		}
		p.msgType = f.Opcode
		p.msgRSV = f.RSV
		p.buf = slices.Clip(f.Payload)
		p.state = AccumulatingFragments
	default:
		return Message{}, false, protocolError(fmt.Errorf("%w: %d", ErrInvalidOpcode, f.Opcode))
	}

	if p.readLimit > 0 && int64(len(p.buf)) > p.readLimit {
		return Message{}, false, ErrReadLimit
	}
	if !f.Fin {
		return Message{}, false, nil
	}

	payload := p.buf
	p.buf = nil
	p.state = MessageComplete

	if p.msgRSV != 0 {
		out, err := p.chain.DecodeLimit(payload, p.msgRSV, p.readLimit)
		if err != nil {
			return Message{}, false, err
		}
		payload = out
	}

	if p.msgType == TextMessage && !utf8.Valid(payload) {
		return Message{}, false, ErrInvalidUTF8
	}

	return Message{Type: p.msgType, Payload: payload}, true, nil
}

// Send encodes a data message and splits it into frames of at most
// fragmentSize payload bytes. A fragmentSize of zero or less sends a single
// frame. RSV bits from the chain are set on the first frame only.
func (p *Pipeline) Send(messageType int, payload []byte, fragmentSize int) ([]Frame, error) {
	if messageType != TextMessage && messageType != BinaryMessage {
		return nil, ErrInvalidMessageType
	}

	var rsv byte
	if p.writeCompress {
		out, bits, err := p.chain.Encode(payload)
		if err != nil {
			return nil, err
		}
		payload, rsv = out, bits
	}

	if fragmentSize <= 0 || len(payload) <= fragmentSize {
		return []Frame{{Opcode: messageType, Fin: true, RSV: rsv, Payload: payload}}, nil
	}

	frames := make([]Frame, 0, (len(payload)+fragmentSize-1)/fragmentSize)
	for off := 0; off < len(payload); off += fragmentSize {
		end := min(off+fragmentSize, len(payload))
		f := Frame{Opcode: continuationFrame, Fin: end == len(payload), Payload: payload[off:end]}
		if off == 0 {
			f.Opcode = messageType
			f.RSV = rsv
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// Control builds a control frame. Control frames never pass through the
// extension chain.
func (p *Pipeline) Control(messageType int, payload []byte) (Frame, error) {
	if messageType != CloseMessage && messageType != PingMessage && messageType != PongMessage {
		return Frame{}, ErrInvalidControlFrame
	}
	if len(payload) > maxControlFramePayloadSize {
		return Frame{}, ErrControlFramePayloadTooBig
	}
	return Frame{Opcode: messageType, Fin: true, Payload: payload}, nil
}

// Close releases the extension codecs. The caller must make sure neither
// Receive nor Send is running.
func (p *Pipeline) Close() error {
	return p.chain.Close()
}
