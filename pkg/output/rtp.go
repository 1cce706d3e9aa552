package output

import (
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

const (
	videoClockRate     = 90000
	defaultMTU         = 1200
	defaultPayloadType = 96
)

// RTPConfig configures RTP packetization.
type RTPConfig struct {
	PayloadType uint8
	SSRC        uint32 // 0 picks a random SSRC
	MTU         int
}

// RTPSink packetizes H.264 units (RFC 6184) and writes one datagram per
// packet. Codec-config units produce no packets of their own; the payloader
// prepends the parameter sets to the next picture.
type RTPSink struct {
	mu        sync.Mutex
	w         io.Writer
	cfg       RTPConfig
	payloader *codecs.H264Payloader
	sequencer rtp.Sequencer
	tsBase    uint32
	packets   uint64
}

// NewRTPSink creates a sink that writes packets to w.
func NewRTPSink(w io.Writer, cfg RTPConfig) *RTPSink {
	if cfg.MTU <= 0 {
		cfg.MTU = defaultMTU
	}
	if cfg.PayloadType == 0 {
		cfg.PayloadType = defaultPayloadType
	}
	if cfg.SSRC == 0 {
		cfg.SSRC = rand.Uint32()
	}
	return &RTPSink{
		w:         w,
		cfg:       cfg,
		payloader: &codecs.H264Payloader{},
		sequencer: rtp.NewRandomSequencer(),
		tsBase:    rand.Uint32(),
	}
}

// DialRTP opens a UDP socket to addr and returns a sink writing to it.
func DialRTP(addr string, cfg RTPConfig) (*RTPSink, net.Conn, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rtp %s: %w", addr, err)
	}
	return NewRTPSink(conn, cfg), conn, nil
}

// OnEncodedUnit implements Sink.
func (s *RTPSink) OnEncodedUnit(unit EncodedUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payloads := s.payloader.Payload(uint16(s.cfg.MTU-12), unit.Data)
	if len(payloads) == 0 {
		return nil
	}

	ts := s.tsBase + uint32(unit.PTS*videoClockRate/1_000_000)
	for i, payload := range payloads {
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == len(payloads)-1,
				PayloadType:    s.cfg.PayloadType,
				SequenceNumber: s.sequencer.NextSequenceNumber(),
				Timestamp:      ts,
				SSRC:           s.cfg.SSRC,
			},
			Payload: payload,
		}
		raw, err := pkt.Marshal()
		if err != nil {
			return fmt.Errorf("marshal rtp: %w", err)
		}
		if _, err := s.w.Write(raw); err != nil {
			return fmt.Errorf("write rtp: %w", err)
		}
		s.packets++
	}
	return nil
}

// Packets returns the number of packets written.
func (s *RTPSink) Packets() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets
}
