package j1939

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
)

// Adapter moves physical frames between the host and a CAN interface.
type Adapter interface {
	Name() string
	Open(context.Context) error
	Close() error
	Send() chan<- *Frame
	Recv() <-chan *Frame
	Err() <-chan error
	Event() <-chan Event
}

type AdapterInfo struct {
	Name               string
	Description        string
	RequiresSerialPort bool
	Capabilities       AdapterCapabilities
	New                func(*AdapterConfig) (Adapter, error)
}

func (a *AdapterInfo) String() string {
	return fmt.Sprintf("%s | %s, requires serial port: %v ", a.Name, a.Description, a.RequiresSerialPort)
}

type AdapterCapabilities struct {
	HSCAN    bool
	Extended bool
	Replay   bool
}

func (a *AdapterCapabilities) String() string {
	return fmt.Sprintf("HSCAN: %v, Extended: %v, Replay: %v", a.HSCAN, a.Extended, a.Replay)
}

type AdapterConfig struct {
	Debug        bool
	Port         string
	PortBaudrate int
	// CANRate in kbit/s
	CANRate          float64
	PrintVersion     bool
	OnMessage        func(string)
	AdditionalConfig map[string]string
}

var (
	adapterMu  sync.RWMutex
	adapterMap = make(map[string]*AdapterInfo)
)

func NewAdapter(adapterName string, cfg *AdapterConfig) (Adapter, error) {
	if cfg == nil {
		cfg = &AdapterConfig{}
	}
	if cfg.OnMessage == nil {
		cfg.OnMessage = func(msg string) {
			_, file, no, ok := runtime.Caller(1)
			if ok {
				fmt.Printf("%s#%d %v\n", filepath.Base(file), no, msg)
			} else {
				log.Println(msg)
			}
		}
	}
	adapterMu.RLock()
	adapter, found := adapterMap[adapterName]
	adapterMu.RUnlock()
	if found {
		return adapter.New(cfg)
	}
	return nil, fmt.Errorf("unknown adapter %q", adapterName)
}

func RegisterAdapter(adapter *AdapterInfo) error {
	adapterMu.Lock()
	defer adapterMu.Unlock()
	if _, found := adapterMap[adapter.Name]; !found {
		adapterMap[adapter.Name] = adapter
		return nil
	}
	return fmt.Errorf("adapter %s already registered", adapter.Name)
}

func ListAdapterNames() []string {
	adapterMu.RLock()
	defer adapterMu.RUnlock()
	var out []string
	for name := range adapterMap {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

func ListAdapters() []AdapterInfo {
	adapterMu.RLock()
	defer adapterMu.RUnlock()
	var out []AdapterInfo
	for _, adapter := range adapterMap {
		out = append(out, *adapter)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out
}
