package j1939

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/albenik/bcd"
	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"
)

const slcanStatusInterval = time.Second

type SLCan struct {
	*BaseAdapter
	port       serial.Port
	portClosed atomic.Bool
	version    uint16
}

func init() {
	if err := RegisterAdapter(&AdapterInfo{
		Name:               "SLCan",
		Description:        "Lawicel / Canable SLCan adapter",
		RequiresSerialPort: true,
		Capabilities: AdapterCapabilities{
			HSCAN:    true,
			Extended: true,
		},
		New: NewSLCan,
	}); err != nil {
		panic(err)
	}
}

func NewSLCan(cfg *AdapterConfig) (Adapter, error) {
	if cfg.PortBaudrate == 0 {
		cfg.PortBaudrate = 115200
	}
	if cfg.CANRate == 0 {
		cfg.CANRate = 250
	}
	return &SLCan{
		BaseAdapter: NewBaseAdapter("SLCan", cfg),
	}, nil
}

func slcanRateCommand(kbit float64) (string, error) {
	switch kbit {
	case 10:
		return "S0", nil
	case 20:
		return "S1", nil
	case 50:
		return "S2", nil
	case 100:
		return "S3", nil
	case 125:
		return "S4", nil
	case 250:
		return "S5", nil
	case 500:
		return "S6", nil
	case 800:
		return "S7", nil
	case 1000:
		return "S8", nil
	}
	return "", fmt.Errorf("unsupported CAN rate %g kbit/s", kbit)
}

func (sl *SLCan) Open(ctx context.Context) error {
	rate, err := slcanRateCommand(sl.cfg.CANRate)
	if err != nil {
		return err
	}
	mode := &serial.Mode{
		BaudRate: sl.cfg.PortBaudrate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(sl.cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("failed to open com port %q : %v", sl.cfg.Port, err)
	}
	p.SetReadTimeout(3 * time.Millisecond)
	sl.port = p

	p.ResetOutputBuffer()
	p.ResetInputBuffer()

	// close any channel left open by a previous session
	p.Write([]byte("C\r"))
	time.Sleep(10 * time.Millisecond)

	if err := sl.probeVersion(); err != nil {
		sl.Warn(err.Error())
	} else if sl.cfg.PrintVersion {
		sl.cfg.OnMessage(fmt.Sprintf("SLCan firmware %d.%02d", sl.version/100, sl.version%100))
	}

	p.ResetInputBuffer()
	if _, err := p.Write([]byte(rate + "\r")); err != nil {
		p.Close()
		return fmt.Errorf("failed to set CAN rate: %w", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := p.Write([]byte("O\r")); err != nil {
		p.Close()
		return fmt.Errorf("failed to open CAN channel: %w", err)
	}

	go sl.sendManager(ctx)
	go sl.recvManager(ctx)
	return nil
}

// probeVersion asks for the hardware/firmware version, "V1013\r" means
// hardware 1.0 firmware 1.3.
func (sl *SLCan) probeVersion() error {
	start := time.Now()
	errg, _ := errgroup.WithContext(context.Background())
	errg.Go(func() error {
		readbuff := make([]byte, 8)
		buff := bytes.NewBuffer(nil)
		for time.Since(start) < 300*time.Millisecond {
			n, err := sl.port.Read(readbuff)
			if err != nil {
				return fmt.Errorf("failed to read version: %w", err)
			}
			if n == 0 {
				continue
			}
			buff.Write(readbuff[:n])
			for {
				line, err := buff.ReadBytes('\r')
				if err != nil {
					// incomplete, put it back
					buff.Write(line)
					break
				}
				if len(line) >= 6 && line[0] == 'V' {
					v, err := decodeBCD(line[1:5])
					if err != nil {
						return err
					}
					sl.version = v
					return nil
				}
			}
		}
		return errors.New("no version reply from adapter")
	})
	if _, err := sl.port.Write([]byte("V\r")); err != nil {
		return fmt.Errorf("failed to request version: %w", err)
	}
	return errg.Wait()
}

func decodeBCD(digits []byte) (uint16, error) {
	b, err := hex.DecodeString(string(digits))
	if err != nil {
		return 0, fmt.Errorf("invalid bcd %q: %w", digits, err)
	}
	return bcd.ToUint16(b), nil
}

func (sl *SLCan) Close() error {
	sl.BaseAdapter.Close()
	if !sl.portClosed.CompareAndSwap(false, true) || sl.port == nil {
		return nil
	}
	time.Sleep(10 * time.Millisecond)
	sl.port.Write([]byte("C\r"))
	time.Sleep(10 * time.Millisecond)
	return sl.port.Close()
}

func (sl *SLCan) recvManager(ctx context.Context) {
	buf := make([]byte, 0, 1024)
	readBuf := make([]byte, 64)
	for ctx.Err() == nil {
		n, err := sl.port.Read(readBuf)
		if err != nil {
			if !sl.portClosed.Load() {
				sl.Fatal(fmt.Errorf("failed to read com port: %w", err))
			}
			return
		}
		if n == 0 {
			continue
		}
		buf = sl.parse(buf, readBuf[:n])
	}
}

func (sl *SLCan) sendManager(ctx context.Context) {
	var outBuf = make([]byte, 0, 64)
	poll := time.NewTicker(slcanStatusInterval)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sl.closeChan:
			return
		case <-poll.C:
			if _, err := sl.port.Write([]byte("F\r")); err != nil {
				sl.Error(fmt.Errorf("failed to poll status: %w", err))
			}
		case frame := <-sl.sendChan:
			outBuf = encodeSLCanFrame(outBuf[:0], frame)
			if _, err := sl.port.Write(outBuf); err != nil {
				sl.Error(fmt.Errorf("failed to write to com port: %w", err))
				continue
			}
			if sl.cfg.Debug {
				log.Println(">> " + string(outBuf))
			}
		}
	}
}

// encodeSLCanFrame appends "Tiiiiiiiildd..\r" for extended frames and
// "tiiildd..\r" for standard ones.
func encodeSLCanFrame(buf []byte, frame *Frame) []byte {
	if frame.Extended {
		id := frame.Identifier & 0x1FFFFFFF
		buf = append(buf, 'T')
		for shift := 28; shift >= 0; shift -= 4 {
			buf = append(buf, nybbleToHex(byte(id>>shift)&0xF))
		}
	} else {
		id := frame.Identifier & 0x7FF
		buf = append(buf, 't',
			nybbleToHex(byte(id>>8)&0xF),
			nybbleToHex(byte(id>>4)&0xF),
			nybbleToHex(byte(id)&0xF),
		)
	}
	dlc := min(frame.DLC(), MaxFrameData)
	buf = append(buf, nybbleToHex(byte(dlc)))
	for i := range dlc {
		buf = append(buf, nybbleToHex(frame.Data[i]>>4), nybbleToHex(frame.Data[i]&0xF))
	}
	return append(buf, '\r')
}

// helper converts a 0..15 value to its ASCII hex nibble
func nybbleToHex(n byte) byte {
	if n < 10 {
		return '0' + n
	}
	return 'A' + (n - 10)
}

// parse processes the read data and returns any remaining partial data.
func (sl *SLCan) parse(buf, readBuf []byte) []byte {
	for _, b := range readBuf {
		switch b {
		case '\r':
			if len(buf) == 0 {
				continue
			}
			sl.handleLine(buf)
			buf = buf[:0]
		case 0x07: // BELL, command not understood
			sl.Warn("adapter rejected command")
			buf = buf[:0]
		default:
			buf = append(buf, b)
		}
	}
	return buf
}

func (sl *SLCan) handleLine(line []byte) {
	switch line[0] {
	case 't', 'T':
		if sl.cfg.Debug {
			log.Printf("<< %s", string(line))
		}
		f, err := decodeSLCanFrame(line)
		if err != nil {
			sl.cfg.OnMessage(fmt.Sprintf("%v: %X", err, line))
			return
		}
		f.Timestamp = time.Now()
		sl.deliver(f)
	case 'F':
		if err := checkSLCanStatus(line); err != nil {
			sl.Warn(err.Error())
		}
	case 'z', 'Z':
		// transmit ack
	default:
		sl.Debug("unknown << " + string(line))
	}
}

func decodeSLCanFrame(line []byte) (*Frame, error) {
	idLen := 3
	if line[0] == 'T' {
		idLen = 8
	}
	if len(line) < 2+idLen {
		return nil, errors.New("short frame")
	}
	id, err := strconv.ParseUint(string(line[1:1+idLen]), 16, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to decode identifier: %v", err)
	}
	dataLen, err := strconv.ParseUint(string(line[1+idLen]), 16, 8)
	if err != nil {
		return nil, fmt.Errorf("failed to decode data length: %v", err)
	}
	if dataLen > MaxFrameData {
		return nil, fmt.Errorf("invalid data length: %d", dataLen)
	}
	start := 2 + idLen
	end := start + int(dataLen)*2
	if len(line) < end {
		return nil, errors.New("truncated frame body")
	}
	data, err := hex.DecodeString(string(line[start:end]))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame body: %v", err)
	}
	f := NewFrame(uint32(id), data, Incoming)
	f.Extended = line[0] == 'T'
	return f, nil
}

/*
Bit 0 CAN receive FIFO queue full
Bit 1 CAN transmit FIFO queue full
Bit 2 Error warning (EI)
Bit 3 Data Overrun (DOI)
Bit 4 Not used.
Bit 5 Error Passive (EPI)
Bit 6 Arbitration Lost (ALI)
Bit 7 Bus Error (BEI)
*/
var slcanStatusBits = [8]string{
	"CAN receive FIFO queue full",
	"CAN transmit FIFO queue full",
	"error warning (EI)",
	"data overrun (DOI)",
	"",
	"error passive (EPI)",
	"arbitration lost (ALI)",
	"bus error (BEI)",
}

func checkSLCanStatus(line []byte) error {
	if len(line) < 3 {
		return fmt.Errorf("short status reply %q", line)
	}
	b, err := hex.DecodeString(string(line[1:3]))
	if err != nil {
		return fmt.Errorf("invalid status reply %q: %w", line, err)
	}
	var errs []error
	for bit, msg := range slcanStatusBits {
		if msg != "" && b[0]&(1<<bit) != 0 {
			errs = append(errs, errors.New(msg))
		}
	}
	return errors.Join(errs...)
}
