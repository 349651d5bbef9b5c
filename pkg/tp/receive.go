package tp

import (
	"time"

	"github.com/roffe/j1939"
)

type mode int

const (
	modeBAM mode = iota
	// modeActive is an RTS/CTS transfer addressed to this node.
	modeActive
	// modePassive is an RTS/CTS transfer between two other nodes.
	modePassive
)

// session is one pending reassembly. There is at most one per
// (source, destination) pair since data packets carry no group number.
type session struct {
	key
	mode       mode
	pgn        uint32
	size       int
	packets    int
	maxPackets int
	data       []byte
	got        []bool
	count      int
	// next and windowEnd track the CTS window of an active transfer.
	next      int
	windowEnd int
	started   time.Time
	deadline  time.Time
}

func (t *TP) open(k key, m mode, p *j1939.Packet, cm controlMessage) {
	size := int(cm.Size)
	if size == 0 || size > j1939.MaxPacketSize || packetCount(size) != int(cm.Packets) {
		t.debugf("rejecting announce %s: size %d in %d packets", p, size, cm.Packets)
		if m == modeActive {
			reason := AbortResources
			if size > j1939.MaxPacketSize {
				reason = AbortMessageSizeTooLarge
			}
			t.sendCM(k.src, controlMessage{Control: ControlAbort, Reason: reason, PGN: cm.PGN})
		}
		return
	}
	if old, ok := t.rx[k]; ok {
		t.debugf("0x%02X restarted, dropping PGN 0x%04X after %d of %d packets", k.src, old.pgn, old.count, old.packets)
	}
	now := t.clock.Now()
	s := &session{
		key:        k,
		mode:       m,
		pgn:        cm.PGN,
		size:       size,
		packets:    int(cm.Packets),
		maxPackets: int(cm.MaxPackets),
		data:       make([]byte, int(cm.Packets)*BytesPerPacket),
		got:        make([]bool, int(cm.Packets)+1),
		next:       1,
		started:    p.Timestamp,
	}
	if s.started.IsZero() {
		s.started = now
	}
	t.rx[k] = s
	switch m {
	case modeBAM:
		s.deadline = now.Add(t.cfg.T1)
	case modePassive:
		s.deadline = now.Add(t.cfg.T2)
	case modeActive:
		t.grant(s)
	}
}

// grant sends the next CTS window of an active transfer.
func (t *TP) grant(s *session) {
	n := min(s.packets-s.next+1, int(t.cfg.MaxPacketsPerCTS))
	if s.maxPackets > 0 && s.maxPackets != 0xFF {
		n = min(n, s.maxPackets)
	}
	s.windowEnd = s.next + n - 1
	s.deadline = t.clock.Now().Add(t.cfg.T2)
	t.sendCM(s.src, controlMessage{
		Control: ControlCTS,
		Packets: uint8(n),
		NextSeq: uint8(s.next),
		PGN:     s.pgn,
	})
}

func (t *TP) receive(s *session, p *j1939.Packet) {
	seq := int(p.Data[0])
	if s.mode == modeActive {
		if seq != s.next {
			reason := AbortBadSequence
			if seq >= 1 && seq < s.next {
				reason = AbortDuplicateSequence
			}
			t.debugf("aborting PGN 0x%04X from 0x%02X: got packet %d, want %d", s.pgn, s.src, seq, s.next)
			t.sendCM(s.src, controlMessage{Control: ControlAbort, Reason: reason, PGN: s.pgn})
			delete(t.rx, s.key)
			return
		}
		s.store(seq, p.Data[1:])
		s.next++
		switch {
		case s.count == s.packets:
			t.sendCM(s.src, controlMessage{
				Control:    ControlEOM,
				Size:       uint16(s.size),
				Packets:    uint8(s.packets),
				MaxPackets: 0xFF,
				PGN:        s.pgn,
			})
			t.deliver(s)
		case seq == s.windowEnd:
			t.grant(s)
		default:
			s.deadline = t.clock.Now().Add(t.cfg.T1)
		}
		return
	}

	// broadcast and passive transfers are placed by sequence number
	if seq < 1 || seq > s.packets || s.got[seq] {
		return
	}
	s.store(seq, p.Data[1:])
	s.deadline = t.clock.Now().Add(t.cfg.T1)
	if s.count == s.packets {
		t.deliver(s)
	}
}

func (s *session) store(seq int, data []byte) {
	copy(s.data[(seq-1)*BytesPerPacket:seq*BytesPerPacket], data)
	s.got[seq] = true
	s.count++
}

func (t *TP) deliver(s *session) {
	delete(t.rx, s.key)
	p := j1939.NewPacket(j1939.DefaultPriority, s.pgn, s.src, s.dst, s.data[:s.size])
	p.Timestamp = s.started
	t.queue.Add(p)
}
