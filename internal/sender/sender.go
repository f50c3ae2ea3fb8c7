// Package sender implements the output contract of spec §4.4: given a
// tagpacket, wrap it into an AF packet (optionally PFT-fragmented) and fan
// it out to every configured UDP, TCP and ZMQ destination.
package sender

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/digris/edi2edi/internal/edi"
	"github.com/digris/edi2edi/internal/frame"
)

// Destination is the polymorphic output capability spec §9 calls for:
// receivers/destinations/deframers are variants, not a class hierarchy.
type Destination interface {
	// Send receives the tagpacket (for destinations that need decoder
	// byproducts, e.g. ETI/ZMQ) plus the already-wrapped AF/PFT bytes
	// (for plain UDP/TCP destinations).
	Send(tp *frame.TagPacket, afBytes [][]byte) error
	Close() error
}

// Sender implements scheduler.Sender: AF-wrap a tagpacket and fan it out.
type Sender struct {
	mu           sync.RWMutex
	destinations []Destination
	enablePFT    bool
	fragCfg      edi.FragmentConfig
	seq          atomic.Uint32
	log          *slog.Logger
}

// New builds a Sender. enablePFT forces PFT fragmentation for every UDP
// destination (spec §4.4: a single global boolean, force-chosen by the
// operator when TCP and UDP destinations coexist).
func New(enablePFT bool, fragCfg edi.FragmentConfig, log *slog.Logger) *Sender {
	if log == nil {
		log = slog.Default()
	}
	return &Sender{enablePFT: enablePFT, fragCfg: fragCfg, log: log}
}

// AddDestination registers a destination; call before Run starts.
func (s *Sender) AddDestination(d Destination) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destinations = append(s.destinations, d)
}

// Send implements scheduler.Sender. The AF sequence is taken from the
// tagpacket's own seq_info when valid (spec P8: preserve the input's AF
// sequence end-to-end); otherwise this sender's own monotonic counter is
// used, and PFT sequence reuses the AF sequence so downstream multihoming
// still works even when the source carried no PFT.
func (s *Sender) Send(tp *frame.TagPacket) error {
	seq := uint16(s.seq.Add(1))
	if tp.Seq.SeqValid {
		seq = tp.Seq.Seq
	}
	pseq := seq
	if tp.Seq.PseqValid {
		pseq = tp.Seq.Pseq
	}

	afPacket := edi.WrapAF(seq, tp.AFPacket)

	var wire [][]byte
	if s.enablePFT {
		wire = edi.Fragment(pseq, afPacket, s.fragCfg)
	} else {
		wire = [][]byte{afPacket}
	}

	s.mu.RLock()
	dests := append([]Destination(nil), s.destinations...)
	s.mu.RUnlock()

	var firstErr error
	for _, d := range dests {
		if err := d.Send(tp, wire); err != nil {
			s.log.Error("destination send failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return fmt.Errorf("sender: %w", firstErr)
	}
	return nil
}

// Close shuts down every destination.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, d := range s.destinations {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
