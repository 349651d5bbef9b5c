package conversation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roffe/j1939"
	"github.com/roffe/j1939/pkg/clock"
	"github.com/roffe/j1939/pkg/tp"
)

const (
	tester uint8 = 0xF9
	engine uint8 = 0x00
	brakes uint8 = 0x0B

	pgnSoftwareID uint32 = 0xFEDA
	pgnVIN        uint32 = 0xFEEC
	pgnDM1        uint32 = 0xFECA
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.BusyRetryDelay = 10 * time.Millisecond
	return cfg
}

func tpConfig() *tp.Config {
	cfg := tp.DefaultConfig()
	cfg.BAMGap = time.Millisecond
	return cfg
}

func newTP(t *testing.T, wire *j1939.LoopbackWire, name string, addr uint8) *tp.TP {
	t.Helper()
	raw, err := j1939.NewCANBus(context.Background(), wire.Adapter(name, nil), addr)
	require.NoError(t, err)
	bus, err := tp.New(raw, tpConfig())
	require.NoError(t, err)
	t.Cleanup(func() { bus.Close() })
	return bus
}

func newEngine(t *testing.T, wire *j1939.LoopbackWire) (*Engine, *tp.TP) {
	t.Helper()
	bus := newTP(t, wire, "tester", tester)
	e, err := New(bus, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e, bus
}

// ecu answers requests with whatever answer returns for the n-th request
// (1 based) it saw.
type ecu struct {
	bus      j1939.Bus
	requests atomic.Int32
}

func startECU(t *testing.T, wire *j1939.LoopbackWire, name string, addr uint8, answer func(n int, req *j1939.Packet) []*j1939.Packet) *ecu {
	t.Helper()
	return serveECU(t, wire, name, addr, false, answer)
}

// serveECU with all set answers requests addressed to any node.
func serveECU(t *testing.T, wire *j1939.LoopbackWire, name string, addr uint8, all bool, answer func(n int, req *j1939.Packet) []*j1939.Packet) *ecu {
	t.Helper()
	e := &ecu{bus: newTP(t, wire, name, addr)}
	s, err := e.bus.Read(time.Minute, j1939.And(j1939.ByPGN(j1939.PGNRequest), j1939.Received))
	require.NoError(t, err)
	go func() {
		defer s.Close()
		for {
			req, err := s.Next()
			if err != nil {
				return
			}
			if !all && req.Destination != addr && !req.IsGlobal() {
				continue
			}
			n := int(e.requests.Add(1))
			for _, p := range answer(n, req) {
				if err := e.bus.Send(p); err != nil {
					return
				}
			}
		}
	}()
	return e
}

func response(pgn uint32, src uint8, data ...byte) *j1939.Packet {
	return j1939.NewPacket(j1939.DefaultPriority, pgn, src, j1939.GlobalAddress, data)
}

func ack(c Control, pgn uint32, src uint8) *j1939.Packet {
	return (&Acknowledgment{Control: c, GroupFunction: 0xFF, Address: tester, PGN: pgn, Source: src}).Packet()
}

func TestAcknowledgmentCodec(t *testing.T) {
	p := ack(ControlBusy, pgnVIN, engine)
	assert.Equal(t, []byte{3, 0xFF, 0xFF, 0xFF, tester, 0xEC, 0xFE, 0x00}, p.Data)
	assert.True(t, p.IsGlobal())

	a, err := ParseAcknowledgment(p)
	require.NoError(t, err)
	assert.Equal(t, ControlBusy, a.Control)
	assert.Equal(t, pgnVIN, a.PGN)
	assert.Equal(t, tester, a.Address)
	assert.Equal(t, engine, a.Source)
	assert.Equal(t, "busy of PGN 0xFEEC from 0x00", a.String())

	_, err = ParseAcknowledgment(response(pgnVIN, engine, 1, 2, 3))
	assert.Error(t, err)
}

func TestRequestDSResponse(t *testing.T) {
	wire := j1939.NewLoopbackWire()
	e, _ := newEngine(t, wire)
	startECU(t, wire, "engine", engine, func(int, *j1939.Packet) []*j1939.Packet {
		return []*j1939.Packet{response(pgnSoftwareID, engine, 1, '*', 'v', '1')}
	})

	out, err := e.RequestDS(context.Background(), pgnSoftwareID, engine)
	require.NoError(t, err)
	assert.Equal(t, KindResponse, out.Kind)
	assert.False(t, out.RetryUsed)
	assert.Equal(t, engine, out.Packet.Source)
	assert.Equal(t, []byte{1, '*', 'v', '1'}, out.Packet.Data)
	assert.Nil(t, out.Ack)
}

func TestRequestDSBusyThenResponse(t *testing.T) {
	wire := j1939.NewLoopbackWire()
	e, _ := newEngine(t, wire)
	ecu := startECU(t, wire, "engine", engine, func(n int, _ *j1939.Packet) []*j1939.Packet {
		if n == 1 {
			return []*j1939.Packet{ack(ControlBusy, pgnVIN, engine)}
		}
		return []*j1939.Packet{response(pgnVIN, engine, 'V', 'I', 'N', '*')}
	})

	out, err := e.RequestDS(context.Background(), pgnVIN, engine)
	require.NoError(t, err)
	assert.Equal(t, KindResponse, out.Kind)
	assert.True(t, out.RetryUsed)
	assert.Equal(t, []byte{'V', 'I', 'N', '*'}, out.Packet.Data)
	assert.EqualValues(t, 2, ecu.requests.Load())
}

func TestRequestDSBusyDelayIgnoresMockClock(t *testing.T) {
	wire := j1939.NewLoopbackWire()
	cfg := testConfig()
	cfg.BusyRetryDelay = 30 * time.Millisecond
	cfg.Clock = clock.NewMock(time.Unix(1000, 0))
	e, err := New(newTP(t, wire, "tester", tester), cfg)
	require.NoError(t, err)
	defer e.Close()
	ecu := startECU(t, wire, "engine", engine, func(n int, _ *j1939.Packet) []*j1939.Packet {
		if n == 1 {
			return []*j1939.Packet{ack(ControlBusy, pgnVIN, engine)}
		}
		return []*j1939.Packet{response(pgnVIN, engine, 1)}
	})

	start := time.Now()
	out, err := e.RequestDS(context.Background(), pgnVIN, engine)
	require.NoError(t, err)
	assert.Equal(t, KindResponse, out.Kind)
	assert.True(t, out.RetryUsed)
	assert.EqualValues(t, 2, ecu.requests.Load())
	assert.GreaterOrEqual(t, time.Since(start), cfg.BusyRetryDelay, "the retry pause runs on the wall clock")
}

func TestRequestDSBusyTwice(t *testing.T) {
	wire := j1939.NewLoopbackWire()
	e, _ := newEngine(t, wire)
	ecu := startECU(t, wire, "engine", engine, func(int, *j1939.Packet) []*j1939.Packet {
		return []*j1939.Packet{ack(ControlBusy, pgnVIN, engine)}
	})

	out, err := e.RequestDS(context.Background(), pgnVIN, engine)
	require.NoError(t, err)
	assert.Equal(t, KindNACK, out.Kind)
	assert.True(t, out.Busy())
	assert.True(t, out.RetryUsed)

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1+BusyRetryLimit, ecu.requests.Load())
}

func TestRequestDSBusyThenTimeout(t *testing.T) {
	wire := j1939.NewLoopbackWire()
	e, _ := newEngine(t, wire)
	startECU(t, wire, "engine", engine, func(n int, _ *j1939.Packet) []*j1939.Packet {
		if n == 1 {
			return []*j1939.Packet{ack(ControlBusy, pgnVIN, engine)}
		}
		return nil
	})

	out, err := e.RequestDS(context.Background(), pgnVIN, engine)
	require.NoError(t, err)
	assert.Equal(t, KindTimeout, out.Kind)
	assert.True(t, out.RetryUsed)
}

func TestRequestDSTimeout(t *testing.T) {
	wire := j1939.NewLoopbackWire()
	e, _ := newEngine(t, wire)

	start := time.Now()
	out, err := e.RequestDS(context.Background(), pgnVIN, engine)
	require.NoError(t, err)
	assert.Equal(t, KindTimeout, out.Kind)
	assert.False(t, out.RetryUsed)
	assert.GreaterOrEqual(t, time.Since(start), e.cfg.DSTimeout)
	assert.Equal(t, "timeout", out.String())
}

func TestRequestDSHardNACK(t *testing.T) {
	wire := j1939.NewLoopbackWire()
	e, _ := newEngine(t, wire)
	ecu := startECU(t, wire, "engine", engine, func(int, *j1939.Packet) []*j1939.Packet {
		return []*j1939.Packet{ack(ControlAccessDenied, pgnVIN, engine)}
	})

	out, err := e.RequestDS(context.Background(), pgnVIN, engine)
	require.NoError(t, err)
	assert.Equal(t, KindNACK, out.Kind)
	assert.Equal(t, ControlAccessDenied, out.Reason())
	assert.False(t, out.RetryUsed)

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, ecu.requests.Load())
}

func TestRequestDSPositiveAck(t *testing.T) {
	wire := j1939.NewLoopbackWire()
	e, _ := newEngine(t, wire)
	startECU(t, wire, "engine", engine, func(int, *j1939.Packet) []*j1939.Packet {
		return []*j1939.Packet{ack(ControlACK, pgnVIN, engine)}
	})

	out, err := e.RequestDS(context.Background(), pgnVIN, engine)
	require.NoError(t, err)
	assert.Equal(t, KindResponse, out.Kind)
	require.NotNil(t, out.Ack)
	assert.Equal(t, ControlACK, out.Ack.Control)
}

func TestRequestDSIgnoresOtherNodes(t *testing.T) {
	wire := j1939.NewLoopbackWire()
	e, _ := newEngine(t, wire)
	// brakes answers every request, even the ones meant for engine
	snoop := serveECU(t, wire, "brakes", brakes, true, func(int, *j1939.Packet) []*j1939.Packet {
		return []*j1939.Packet{
			response(pgnVIN, brakes, 'B'),
			ack(ControlNACK, pgnVIN, brakes),
		}
	})
	// engine acknowledges a different group number
	startECU(t, wire, "engine", engine, func(int, *j1939.Packet) []*j1939.Packet {
		return []*j1939.Packet{ack(ControlNACK, pgnSoftwareID, engine)}
	})

	out, err := e.RequestDS(context.Background(), pgnVIN, engine)
	require.NoError(t, err)
	assert.Equal(t, KindTimeout, out.Kind)
	assert.EqualValues(t, 1, snoop.requests.Load())
}

func TestRequestDSConcurrent(t *testing.T) {
	wire := j1939.NewLoopbackWire()
	e, _ := newEngine(t, wire)
	startECU(t, wire, "engine", engine, func(_ int, req *j1939.Packet) []*j1939.Packet {
		return []*j1939.Packet{response(j1939.PGNFromBytes(req.Data), engine, 'E')}
	})
	startECU(t, wire, "brakes", brakes, func(_ int, req *j1939.Packet) []*j1939.Packet {
		return []*j1939.Packet{response(j1939.PGNFromBytes(req.Data), brakes, 'B')}
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		for _, dst := range []uint8{engine, brakes} {
			wg.Add(1)
			go func(dst uint8) {
				defer wg.Done()
				out, err := e.RequestDS(context.Background(), pgnSoftwareID, dst)
				if !assert.NoError(t, err) {
					return
				}
				if assert.Equal(t, KindResponse, out.Kind) {
					assert.Equal(t, dst, out.Packet.Source)
				}
			}(dst)
		}
	}
	wg.Wait()
}

func TestRequestDSLargeResponse(t *testing.T) {
	wire := j1939.NewLoopbackWire()
	e, _ := newEngine(t, wire)
	vin := []byte("1M8GDM9AXKP042788*")
	startECU(t, wire, "engine", engine, func(_ int, req *j1939.Packet) []*j1939.Packet {
		return []*j1939.Packet{j1939.NewPacket(j1939.DefaultPriority, 0xEF00, engine, req.Source, vin)}
	})

	out, err := e.RequestDS(context.Background(), 0xEF00, engine)
	require.NoError(t, err)
	require.Equal(t, KindResponse, out.Kind)
	assert.Equal(t, vin, out.Packet.Data)
	assert.Equal(t, tester, out.Packet.Destination)
}

func TestRequestDSGlobalDestination(t *testing.T) {
	e, _ := newEngine(t, j1939.NewLoopbackWire())
	_, err := e.RequestDS(context.Background(), pgnVIN, j1939.GlobalAddress)
	assert.ErrorIs(t, err, ErrGlobalDestination)
}

func TestRequestGlobalEmpty(t *testing.T) {
	e, _ := newEngine(t, j1939.NewLoopbackWire())

	start := time.Now()
	got, err := e.RequestGlobal(context.Background(), pgnVIN, time.Second)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestRequestGlobalCollectsInArrivalOrder(t *testing.T) {
	wire := j1939.NewLoopbackWire()
	e, _ := newEngine(t, wire)
	startECU(t, wire, "engine", engine, func(int, *j1939.Packet) []*j1939.Packet {
		return []*j1939.Packet{response(pgnSoftwareID, engine, 'E')}
	})
	startECU(t, wire, "brakes", brakes, func(int, *j1939.Packet) []*j1939.Packet {
		time.Sleep(50 * time.Millisecond)
		return []*j1939.Packet{
			response(pgnSoftwareID, brakes, 'B', '1'),
			response(pgnSoftwareID, brakes, 'B', '2'),
		}
	})

	got, err := e.RequestGlobal(context.Background(), pgnSoftwareID, 300*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, engine, got[0].Source)
	assert.Equal(t, []byte{'B', '1'}, got[1].Data)
	assert.Equal(t, []byte{'B', '2'}, got[2].Data)
}

func TestRequestGlobalBAMResponse(t *testing.T) {
	wire := j1939.NewLoopbackWire()
	e, _ := newEngine(t, wire)
	dm1 := []byte{0x00, 0xFF, 0x64, 0x00, 0x03, 0x01, 0x6E, 0x00, 0x04, 0x01, 0xBE, 0x00, 0x12, 0x01}
	startECU(t, wire, "engine", engine, func(int, *j1939.Packet) []*j1939.Packet {
		return []*j1939.Packet{response(pgnDM1, engine, dm1...)}
	})

	got, err := e.RequestGlobal(context.Background(), pgnDM1, 500*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, dm1, got[0].Data)
	assert.Equal(t, engine, got[0].Source)
}

func TestRequestGlobalResultNACKs(t *testing.T) {
	wire := j1939.NewLoopbackWire()
	e, _ := newEngine(t, wire)
	startECU(t, wire, "engine", engine, func(int, *j1939.Packet) []*j1939.Packet {
		return []*j1939.Packet{response(pgnVIN, engine, 'V')}
	})
	startECU(t, wire, "brakes", brakes, func(int, *j1939.Packet) []*j1939.Packet {
		return []*j1939.Packet{ack(ControlNACK, pgnVIN, brakes)}
	})

	res, err := e.RequestGlobalResult(context.Background(), pgnVIN, 300*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, res.Packets, 1)
	assert.Equal(t, engine, res.Packets[0].Source)
	require.Len(t, res.NACKs, 1)
	assert.Equal(t, brakes, res.NACKs[0].Source)
	assert.Equal(t, ControlNACK, res.NACKs[0].Control)
}

func TestBusCloseFailsRequests(t *testing.T) {
	e, bus := newEngine(t, j1939.NewLoopbackWire())

	errc := make(chan error, 1)
	go func() {
		_, err := e.RequestGlobal(context.Background(), pgnVIN, 5*time.Second)
		errc <- err
	}()
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, bus.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, j1939.ErrBusClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("request outlived the bus")
	}

	_, err := e.RequestDS(context.Background(), pgnVIN, engine)
	assert.ErrorIs(t, err, j1939.ErrBusClosed)
}

func TestEngineClose(t *testing.T) {
	e, bus := newEngine(t, j1939.NewLoopbackWire())

	errc := make(chan error, 1)
	go func() {
		_, err := e.RequestGlobal(context.Background(), pgnVIN, 5*time.Second)
		errc <- err
	}()
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, e.Close())
	assert.ErrorIs(t, <-errc, ErrClosed)

	// the bus stays usable
	assert.NoError(t, bus.Send(response(pgnVIN, tester, 1)))
}

func TestRequestContextCancel(t *testing.T) {
	e, _ := newEngine(t, j1939.NewLoopbackWire())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.RequestGlobal(ctx, pgnVIN, 5*time.Second)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCollectUntilIdle(t *testing.T) {
	wire := j1939.NewLoopbackWire()
	e, _ := newEngine(t, wire)
	ecu := newTP(t, wire, "engine", engine)

	go func() {
		for i := 0; i < 5; i++ {
			time.Sleep(20 * time.Millisecond)
			ecu.Send(response(pgnDM1, engine, byte(i)))
			ecu.Send(response(pgnVIN, engine, byte(i)))
		}
	}()

	var calls []int
	got, err := e.Collect(context.Background(), j1939.ByPGN(pgnDM1), 200*time.Millisecond, func(n int) {
		calls = append(calls, n)
	})
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, p := range got {
		assert.Equal(t, []byte{byte(i)}, p.Data)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, calls)
}

func TestCollectEndsWhenIdleDuringProgress(t *testing.T) {
	mc := clock.NewMock(time.Unix(1000, 0))
	wire := j1939.NewLoopbackWire()
	raw, err := j1939.NewCANBus(context.Background(), wire.Adapter("tester", nil), tester, j1939.WithClock(mc))
	require.NoError(t, err)
	tpCfg := tpConfig()
	tpCfg.Clock = mc
	bus, err := tp.New(raw, tpCfg)
	require.NoError(t, err)
	defer bus.Close()
	cfg := testConfig()
	cfg.Clock = mc
	e, err := New(bus, cfg)
	require.NoError(t, err)
	defer e.Close()
	ecu := newTP(t, wire, "engine", engine)

	go func() {
		time.Sleep(20 * time.Millisecond)
		ecu.Send(response(pgnDM1, engine, 1))
	}()

	const idle = time.Second
	got, err := e.Collect(context.Background(), j1939.ByPGN(pgnDM1), idle, func(int) {
		// the collector falls behind past its idle deadline
		mc.Advance(2 * idle)
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []byte{1}, got[0].Data)
}

func TestCollectContextCancel(t *testing.T) {
	e, _ := newEngine(t, j1939.NewLoopbackWire())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := e.Collect(ctx, nil, 5*time.Second, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestListenAndDuplicate(t *testing.T) {
	wire := j1939.NewLoopbackWire()
	e, _ := newEngine(t, wire)
	ecu := newTP(t, wire, "engine", engine)

	s, err := e.Listen(time.Second, j1939.ByPGN(pgnDM1))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, ecu.Send(response(pgnDM1, engine, 1)))
	require.NoError(t, ecu.Send(response(pgnDM1, engine, 2)))
	// our own traffic is not part of a listen
	require.NoError(t, e.bus.Send(response(pgnDM1, tester, 9)))

	p, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, p.Data)

	dup, err := e.Duplicate(s, time.Second)
	require.NoError(t, err)
	defer dup.Close()

	for _, st := range []*j1939.Stream{s, dup} {
		p, err := st.Next()
		require.NoError(t, err)
		assert.Equal(t, []byte{2}, p.Data)
	}

	require.NoError(t, e.ResetTimeout(s, 2*time.Second))
	assert.True(t, s.Deadline().After(dup.Deadline()))
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	cfg.DSTimeout = 0
	_, err := New(nil, cfg)
	assert.Error(t, err)
}
