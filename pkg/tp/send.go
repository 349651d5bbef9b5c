package tp

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/roffe/j1939"
)

// Send transmits p, segmenting it when it does not fit in one frame. Global
// destinations use BAM, others RTS/CTS. Transfers to the same destination are
// serialized. On success the whole message is echoed to open streams.
func (t *TP) Send(p *j1939.Packet) error {
	select {
	case <-t.closed:
		return j1939.ErrBusClosed
	default:
	}
	if len(p.Data) <= j1939.MaxFrameData {
		return t.bus.Send(p)
	}
	if len(p.Data) > j1939.MaxPacketSize {
		return ErrTooLarge
	}
	dst := p.Destination
	if !j1939.IsPDU1(p.PGN) {
		dst = j1939.GlobalAddress
	}

	mu := t.lockDestination(dst)
	defer mu.Unlock()

	var err error
	if dst == j1939.GlobalAddress {
		err = t.sendBAM(p)
	} else {
		err = t.sendRTS(p, dst)
	}
	if err != nil {
		return err
	}
	echo := p.Clone()
	echo.Destination = dst
	echo.Transmitted = true
	echo.Timestamp = t.clock.Now()
	t.queue.Add(echo)
	return nil
}

func (t *TP) sendBAM(p *j1939.Packet) error {
	n := packetCount(len(p.Data))
	cm := controlMessage{
		Control:    ControlBAM,
		Size:       uint16(len(p.Data)),
		Packets:    uint8(n),
		MaxPackets: 0xFF,
		PGN:        p.PGN,
	}
	if err := t.bus.Send(j1939.NewPacket(Priority, j1939.PGNTPConnection, p.Source, j1939.GlobalAddress, cm.bytes())); err != nil {
		return err
	}
	for seq := 1; seq <= n; seq++ {
		t.clock.Sleep(t.cfg.BAMGap)
		select {
		case <-t.closed:
			return j1939.ErrBusClosed
		default:
		}
		if err := t.bus.Send(j1939.NewPacket(Priority, j1939.PGNTPData, p.Source, j1939.GlobalAddress, dataPacket(p.Data, seq))); err != nil {
			return err
		}
	}
	return nil
}

func (t *TP) sendRTS(p *j1939.Packet, dst uint8) error {
	src := p.Source
	n := packetCount(len(p.Data))
	replies, err := t.bus.Read(t.cfg.T3, func(r *j1939.Packet) bool {
		return !r.Transmitted &&
			r.PGN == j1939.PGNTPConnection &&
			r.Source == dst && r.Destination == src &&
			len(r.Data) >= 8 && j1939.PGNFromBytes(r.Data[5:8]) == p.PGN
	})
	if err != nil {
		return err
	}
	defer replies.Close()

	abort := func(reason AbortReason) error {
		cm := controlMessage{Control: ControlAbort, Reason: reason, PGN: p.PGN}
		if err := t.bus.Send(j1939.NewPacket(Priority, j1939.PGNTPConnection, src, dst, cm.bytes())); err != nil {
			log.Printf("tp: failed to send abort to 0x%02X: %v", dst, err)
		}
		return &AbortError{Reason: reason, PGN: p.PGN}
	}
	timeout := func() error {
		abort(AbortTimeout)
		return fmt.Errorf("%w waiting for 0x%02X to acknowledge PGN 0x%04X", ErrTimeout, dst, p.PGN)
	}
	extend := func(d time.Duration) error {
		if err := t.bus.ResetTimeout(replies, d); err != nil {
			if errors.Is(err, j1939.ErrStreamTimeout) {
				return timeout()
			}
			return err
		}
		return nil
	}

	rts := controlMessage{
		Control:    ControlRTS,
		Size:       uint16(len(p.Data)),
		Packets:    uint8(n),
		MaxPackets: 0xFF,
		PGN:        p.PGN,
	}
	if err := t.bus.Send(j1939.NewPacket(Priority, j1939.PGNTPConnection, src, dst, rts.bytes())); err != nil {
		return err
	}

	for {
		r, err := replies.Next()
		if errors.Is(err, j1939.ErrStreamTimeout) {
			return timeout()
		}
		if err != nil {
			return err
		}
		cm, err := parseControlMessage(r.Data)
		if err != nil {
			continue
		}
		switch cm.Control {
		case ControlCTS:
			if cm.Packets == 0 {
				// hold, the receiver asks us to wait
				if err := extend(t.cfg.T4); err != nil {
					return err
				}
				continue
			}
			start := int(cm.NextSeq)
			if start < 1 || start > n {
				return abort(AbortBadSequence)
			}
			end := min(start+int(cm.Packets)-1, n)
			for seq := start; seq <= end; seq++ {
				if err := t.bus.Send(j1939.NewPacket(Priority, j1939.PGNTPData, src, dst, dataPacket(p.Data, seq))); err != nil {
					return err
				}
			}
			if err := extend(t.cfg.T3); err != nil {
				return err
			}
		case ControlEOM:
			return nil
		case ControlAbort:
			return &AbortError{Reason: cm.Reason, PGN: p.PGN, Remote: true}
		}
	}
}
