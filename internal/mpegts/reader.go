package mpegts

import (
	"errors"
	"io"
	"sort"

	"github.com/zsiec/livepush/internal/media"
)

// Frame is one reassembled PES payload: an Annex B access unit for video,
// one or more ADTS frames for audio. Timestamps are 90 kHz ticks; DTS
// equals PTS when the stream carries none.
type Frame struct {
	Kind media.Kind
	PID  uint16
	PTS  int64
	DTS  int64
	Data []byte
}

// Reader parses a transport stream produced by Muxer (or any single-program
// H.264/AAC stream) back into frames.
type Reader struct {
	r   io.Reader
	buf [packetSize]byte

	pmtPID   uint16
	havePMT  bool
	kinds    map[uint16]media.Kind
	pending  map[uint16][]byte
	lastCC   map[uint16]uint8
	ready    []*Frame
	eof      bool
	ccErrors int
}

// NewReader creates a reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:       r,
		kinds:   make(map[uint16]media.Kind),
		pending: make(map[uint16][]byte),
		lastCC:  make(map[uint16]uint8),
	}
}

// ContinuityErrors reports how many continuity counter gaps were seen.
func (rd *Reader) ContinuityErrors() int { return rd.ccErrors }

// Next returns the next complete frame, or io.EOF once the stream is
// exhausted and all pending data has been flushed.
func (rd *Reader) Next() (*Frame, error) {
	for {
		if len(rd.ready) > 0 {
			f := rd.ready[0]
			rd.ready = rd.ready[1:]
			return f, nil
		}
		if rd.eof {
			return nil, io.EOF
		}

		if _, err := io.ReadFull(rd.r, rd.buf[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				rd.eof = true
				rd.flushAll()
				continue
			}
			return nil, err
		}

		h, payload, err := parsePacket(rd.buf[:])
		if err != nil {
			continue // skip corrupt packets
		}
		if h.hasPayload {
			rd.checkCC(h)
		}
		if payload == nil {
			continue
		}

		switch {
		case h.pid == PIDPAT:
			if section, err := readSection(payload); err == nil {
				if pid, err := parsePAT(section); err == nil {
					rd.pmtPID, rd.havePMT = pid, true
				}
			}
		case rd.havePMT && h.pid == rd.pmtPID:
			if section, err := readSection(payload); err == nil {
				if _, streams, err := parsePMT(section); err == nil {
					rd.setStreams(streams)
				}
			}
		default:
			rd.addPES(h, payload)
		}
	}
}

func (rd *Reader) checkCC(h header) {
	last, seen := rd.lastCC[h.pid]
	rd.lastCC[h.pid] = h.cc
	if seen && !h.discontinuity && h.cc != (last+1)&0x0F {
		rd.ccErrors++
	}
}

func (rd *Reader) setStreams(streams []elementaryStream) {
	for _, s := range streams {
		switch s.streamType {
		case StreamTypeH264:
			rd.kinds[s.pid] = media.KindVideo
		case StreamTypeAAC:
			rd.kinds[s.pid] = media.KindAudio
		}
	}
}

func (rd *Reader) addPES(h header, payload []byte) {
	if _, ok := rd.kinds[h.pid]; !ok {
		return
	}
	if h.pusi {
		rd.flush(h.pid)
		rd.pending[h.pid] = append([]byte(nil), payload...)
	} else if data, ok := rd.pending[h.pid]; ok {
		rd.pending[h.pid] = append(data, payload...)
	} else {
		return // continuation without a start
	}

	// Bounded PES packets complete as soon as their length is reached.
	data := rd.pending[h.pid]
	if len(data) >= 6 {
		if length := int(data[4])<<8 | int(data[5]); length > 0 && len(data) >= 6+length {
			rd.flush(h.pid)
		}
	}
}

func (rd *Reader) flush(pid uint16) {
	data, ok := rd.pending[pid]
	if !ok {
		return
	}
	delete(rd.pending, pid)
	pes, err := parsePES(data)
	if err != nil {
		return
	}
	rd.ready = append(rd.ready, &Frame{
		Kind: rd.kinds[pid],
		PID:  pid,
		PTS:  pes.pts,
		DTS:  pes.dts,
		Data: pes.data,
	})
}

func (rd *Reader) flushAll() {
	pids := make([]int, 0, len(rd.pending))
	for pid := range rd.pending {
		pids = append(pids, int(pid))
	}
	sort.Ints(pids)
	for _, pid := range pids {
		rd.flush(uint16(pid))
	}
}
