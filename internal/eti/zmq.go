package eti

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	zmq "github.com/pebbe/zmq4"

	"github.com/digris/edi2edi/internal/frame"
)

// zmqVersion is the message header version byte (spec §6: "head format
// {version=1, int16 buflen[4], bytes[]}").
const zmqVersion = 1

// GroupSize is how many ETI frames are batched per ZMQ message.
const GroupSize = 4

// Destination publishes reconstructed ETI frames over a ZMQ PUB socket,
// batching GroupSize frames per message. It implements sender.Destination
// without importing that package (avoids an import cycle; the method set
// already matches).
type Destination struct {
	mu      sync.Mutex
	sock    *zmq.Socket
	pending [][]byte
	log     *slog.Logger
}

// NewDestination binds a ZMQ PUB socket at endpoint (e.g. "tcp://*:9000").
func NewDestination(endpoint string, log *slog.Logger) (*Destination, error) {
	if log == nil {
		log = slog.Default()
	}
	sock, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, fmt.Errorf("eti: new zmq socket: %w", err)
	}
	if err := sock.Bind(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("eti: bind %s: %w", endpoint, err)
	}
	return &Destination{sock: sock, log: log}, nil
}

// Send reconstructs one ETI frame from tp and appends it to the pending
// group, flushing a ZMQ message every GroupSize frames. afBytes is unused
// here — ZMQ carries ETI, not AF/PFT.
func (d *Destination) Send(tp *frame.TagPacket, _ [][]byte) error {
	frameBytes, err := Reconstruct(tp)
	if err != nil {
		return fmt.Errorf("eti: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, frameBytes)
	if len(d.pending) < GroupSize {
		return nil
	}
	msg := encodeGroup(d.pending)
	d.pending = nil
	if _, err := d.sock.SendBytes(msg, 0); err != nil {
		return fmt.Errorf("eti: zmq send: %w", err)
	}
	return nil
}

func encodeGroup(frames [][]byte) []byte {
	head := make([]byte, 1+2*GroupSize)
	head[0] = zmqVersion
	for i := 0; i < GroupSize; i++ {
		l := 0
		if i < len(frames) {
			l = len(frames[i])
		}
		binary.BigEndian.PutUint16(head[1+2*i:3+2*i], uint16(l))
	}
	out := append([]byte(nil), head...)
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}

// Close releases the ZMQ socket.
func (d *Destination) Close() error {
	return d.sock.Close()
}
