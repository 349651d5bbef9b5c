//go:build linux

package j1939

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"strings"
	"time"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/candevice"
	"go.einride.tech/can/pkg/socketcan"
)

func init() {
	for _, dev := range FindDevices() {
		if err := RegisterAdapter(&AdapterInfo{
			Name:               "SocketCAN " + dev,
			Description:        "Linux Driver",
			RequiresSerialPort: false,
			Capabilities: AdapterCapabilities{
				HSCAN:    true,
				Extended: true,
			},
			New: NewSocketCANFromDevName(dev),
		}); err != nil {
			panic(err)
		}
	}
}

type SocketCAN struct {
	*BaseAdapter
	d    *candevice.Device
	conn net.Conn
	tx   *socketcan.Transmitter
	rx   *socketcan.Receiver
}

func NewSocketCANFromDevName(dev string) func(cfg *AdapterConfig) (Adapter, error) {
	return func(cfg *AdapterConfig) (Adapter, error) {
		cfg.Port = dev
		return NewSocketCAN(cfg)
	}
}

func NewSocketCAN(cfg *AdapterConfig) (Adapter, error) {
	return &SocketCAN{
		BaseAdapter: NewBaseAdapter("SocketCAN", cfg),
	}, nil
}

// Open brings the interface up. The bitrate is only configured when
// AdditionalConfig["setup"] is "true", which needs CAP_NET_ADMIN.
func (a *SocketCAN) Open(ctx context.Context) error {
	if a.cfg.AdditionalConfig["setup"] == "true" {
		d, err := candevice.New(a.cfg.Port)
		if err != nil {
			return err
		}
		if err := d.SetBitrate(uint32(a.cfg.CANRate * 1000)); err != nil {
			return fmt.Errorf("failed to set bitrate: %w", err)
		}
		if err := d.SetUp(); err != nil {
			return fmt.Errorf("failed to bring %s up: %w", a.cfg.Port, err)
		}
		a.d = d
	}

	conn, err := socketcan.DialContext(ctx, "can", a.cfg.Port)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", a.cfg.Port, err)
	}
	a.conn = conn
	a.tx = socketcan.NewTransmitter(conn)
	a.rx = socketcan.NewReceiver(conn)

	go a.recvManager()
	go a.sendManager(ctx)
	return nil
}

func (a *SocketCAN) Close() error {
	a.BaseAdapter.Close()
	var err error
	if a.conn != nil {
		err = a.conn.Close()
	}
	if a.d != nil {
		if derr := a.d.SetDown(); derr != nil && err == nil {
			err = derr
		}
	}
	return err
}

func (a *SocketCAN) recvManager() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for a.rx.Receive() {
		f := a.rx.Frame()
		if f.IsRemote {
			continue
		}
		frame := NewFrame(f.ID, f.Data[:f.Length], Incoming)
		frame.Extended = f.IsExtended
		frame.Timestamp = time.Now()
		a.deliver(frame)
	}
	if err := a.rx.Err(); err != nil && !a.closed() {
		a.Fatal(fmt.Errorf("receive failed: %w", err))
	}
}

func (a *SocketCAN) sendManager(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closeChan:
			return
		case f := <-a.sendChan:
			frame := can.Frame{
				ID:         f.Identifier,
				Length:     uint8(f.DLC()),
				IsExtended: f.Extended,
			}
			copy(frame.Data[:], f.Data)
			if err := a.tx.TransmitFrame(ctx, frame); err != nil {
				a.Error(fmt.Errorf("send error: %w", err))
			}
		}
	}
}

func FindDevices() (dev []string) {
	iFaces, _ := net.Interfaces()
	for _, i := range iFaces {
		if strings.Contains(i.Name, "can") {
			dev = append(dev, i.Name)
		}
	}
	return
}
