package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

type MessageID uint8

const (
	MessageChoke         MessageID = 0
	MessageUnchoke       MessageID = 1
	MessageInterested    MessageID = 2
	MessageNotInterested MessageID = 3
	MessageHave          MessageID = 4
	MessageBitfield      MessageID = 5
	MessageRequest       MessageID = 6
	MessagePiece         MessageID = 7
	MessageCancel        MessageID = 8
)

// MaxLength bounds a single frame: a 16 KiB block plus headroom for bitfields
// of very large torrents.
const MaxLength = 1 << 20

var ErrMalformed = errors.New("malformed message")

func (id MessageID) String() string {
	switch id {
	case MessageChoke:
		return "choke"
	case MessageUnchoke:
		return "unchoke"
	case MessageInterested:
		return "interested"
	case MessageNotInterested:
		return "not interested"
	case MessageHave:
		return "have"
	case MessageBitfield:
		return "bitfield"
	case MessageRequest:
		return "request"
	case MessagePiece:
		return "piece"
	case MessageCancel:
		return "cancel"
	}

	return fmt.Sprintf("unknown(%d)", uint8(id))
}

// Message is a single peer wire message. A nil *Message is a keep-alive.
type Message struct {
	ID      MessageID
	Payload []byte
}

type RequestPayload struct {
	Index  uint32
	Begin  uint32
	Length uint32
}

type PiecePayload struct {
	Index uint32
	Begin uint32
	Data  []byte
}

func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}

	length := uint32(len(m.Payload) + 1) // +1 for id
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

func Read(reader io.Reader) (*Message, error) {
	msgLen := make([]byte, 4)
	_, err := io.ReadFull(reader, msgLen)
	if err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(msgLen)

	if length == 0 {
		return nil, nil
	}

	if length > MaxLength {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrMalformed, length)
	}

	payload := make([]byte, length)

	_, err = io.ReadFull(reader, payload)
	if err != nil {
		return nil, fmt.Errorf("payload is too short: %w", err)
	}

	return &Message{
		ID:      MessageID(payload[0]),
		Payload: payload[1:],
	}, nil
}

func New(id MessageID) *Message {
	return &Message{ID: id}
}

func NewHave(index int) *Message {
	buff := make([]byte, 4)
	binary.BigEndian.PutUint32(buff, uint32(index))

	return &Message{ID: MessageHave, Payload: buff}
}

func NewBitfield(b []byte) *Message {
	return &Message{ID: MessageBitfield, Payload: b}
}

func NewRequest(index, begin, length int) *Message {
	return &Message{ID: MessageRequest, Payload: blockPayload(index, begin, length)}
}

func NewCancel(index, begin, length int) *Message {
	return &Message{ID: MessageCancel, Payload: blockPayload(index, begin, length)}
}

func NewPiece(index, begin int, data []byte) *Message {
	buff := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(buff[0:4], uint32(index))
	binary.BigEndian.PutUint32(buff[4:], uint32(begin))
	copy(buff[8:], data)

	return &Message{
		ID:      MessagePiece,
		Payload: buff,
	}
}

func blockPayload(index, begin, length int) []byte {
	buff := make([]byte, 12)
	binary.BigEndian.PutUint32(buff, uint32(index))
	binary.BigEndian.PutUint32(buff[4:], uint32(begin))
	binary.BigEndian.PutUint32(buff[8:], uint32(length))
	return buff
}

func (m *Message) ParseAsHave() (int, error) {
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("%w: have of %d bytes", ErrMalformed, len(m.Payload))
	}

	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// ParseAsRequest decodes request and cancel payloads, which share a layout.
func (m *Message) ParseAsRequest() (*RequestPayload, error) {
	if len(m.Payload) != 12 {
		return nil, fmt.Errorf("%w: invalid length for a request message", ErrMalformed)
	}

	return &RequestPayload{
		Index:  binary.BigEndian.Uint32(m.Payload[0:4]),
		Begin:  binary.BigEndian.Uint32(m.Payload[4:8]),
		Length: binary.BigEndian.Uint32(m.Payload[8:12]),
	}, nil
}

func (m *Message) ParseAsPiece() (*PiecePayload, error) {
	if len(m.Payload) < 8 {
		return nil, fmt.Errorf("%w: piece of %d bytes", ErrMalformed, len(m.Payload))
	}

	return &PiecePayload{
		Index: binary.BigEndian.Uint32(m.Payload[0:4]),
		Begin: binary.BigEndian.Uint32(m.Payload[4:8]),
		Data:  m.Payload[8:],
	}, nil
}
