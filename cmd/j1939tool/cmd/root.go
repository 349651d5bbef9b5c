package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"strings"

	"github.com/avast/retry-go"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"

	"github.com/roffe/j1939"
	"github.com/roffe/j1939/pkg/conversation"
	"github.com/roffe/j1939/pkg/tp"
)

var rootCmd = &cobra.Command{
	Use:          "j1939tool",
	Short:        "J1939 bus tool",
	Long:         `Watch, request and record J1939 traffic through any registered adapter`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

const (
	flagAdapter  = "adapter"
	flagPort     = "port"
	flagBaudrate = "baudrate"
	flagCANRate  = "canrate"
	flagAddress  = "address"
	flagDebug    = "debug"
)

func init() {
	log.SetFlags(log.Lshortfile | log.LstdFlags)

	pf := rootCmd.PersistentFlags()
	pf.StringP(flagAdapter, "a", "", "what adapter to use, empty = pick from list")
	pf.StringP(flagPort, "p", "*", "com-port, * = print available")
	pf.IntP(flagBaudrate, "b", 115200, "com-port baudrate")
	pf.Float64P(flagCANRate, "c", 250, "CAN rate in kbit/s")
	pf.Uint8P(flagAddress, "s", 0xF9, "source address of this tool")
	pf.BoolP(flagDebug, "d", false, "debug mode")
}

func adapterName(cmd *cobra.Command) (string, error) {
	name, err := cmd.Flags().GetString(flagAdapter)
	if err != nil {
		return "", err
	}
	if name != "" {
		return name, nil
	}
	prompt := promptui.Select{
		Label: "Select adapter",
		Items: j1939.ListAdapterNames(),
		Size:  10,
	}
	_, name, err = prompt.Run()
	if err != nil {
		return "", fmt.Errorf("prompt failed: %w", err)
	}
	return name, nil
}

func adapterInfo(name string) *j1939.AdapterInfo {
	for _, a := range j1939.ListAdapters() {
		if a.Name == name {
			return &a
		}
	}
	return nil
}

func portInfo(portName string) (string, error) {
	if runtime.GOOS == "windows" {
		portName = strings.ToUpper(portName)
	}
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		return "", errors.New("no serial ports found")
	}
	if portName == "*" {
		log.Println("discovered com ports:")
	}
	for _, port := range ports {
		if port.Name == portName || portName == "*" {
			log.Printf("port: %s\n", port.Name)
			if port.IsUSB {
				log.Printf("   USB ID      %s:%s\n", port.VID, port.PID)
				log.Printf("   USB serial  %s\n", port.SerialNumber)
			}
			if portName == "*" {
				continue
			}
			return portName, nil
		}
	}
	if portName == "*" {
		return "", errors.New("no port selected")
	}
	return "", fmt.Errorf("port %q not found", portName)
}

func adapterConfig(cmd *cobra.Command) (*j1939.AdapterConfig, error) {
	f := cmd.Flags()
	port, err := f.GetString(flagPort)
	if err != nil {
		return nil, err
	}
	baudrate, err := f.GetInt(flagBaudrate)
	if err != nil {
		return nil, err
	}
	canrate, err := f.GetFloat64(flagCANRate)
	if err != nil {
		return nil, err
	}
	debug, err := f.GetBool(flagDebug)
	if err != nil {
		return nil, err
	}
	return &j1939.AdapterConfig{
		Debug:            debug,
		Port:             port,
		PortBaudrate:     baudrate,
		CANRate:          canrate,
		AdditionalConfig: map[string]string{},
	}, nil
}

// openCANBus opens the selected adapter, retrying a few times since serial
// adapters often need a moment after being plugged in.
func openCANBus(cmd *cobra.Command, cfg *j1939.AdapterConfig) (*j1939.CANBus, error) {
	ctx := cmd.Context()
	name, err := adapterName(cmd)
	if err != nil {
		return nil, err
	}
	info := adapterInfo(name)
	if info == nil {
		return nil, fmt.Errorf("unknown adapter %q", name)
	}
	if info.RequiresSerialPort {
		if cfg.Port, err = portInfo(cfg.Port); err != nil {
			return nil, err
		}
	}
	addr, err := cmd.Flags().GetUint8(flagAddress)
	if err != nil {
		return nil, err
	}

	var bus *j1939.CANBus
	err = retry.Do(
		func() error {
			dev, err := j1939.NewAdapter(name, cfg)
			if err != nil {
				return err
			}
			bus, err = j1939.NewCANBus(ctx, dev, addr, j1939.WithSpeed(int(cfg.CANRate*1000)))
			return err
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.OnRetry(func(n uint, err error) {
			log.Printf("#%d failed to open %s: %v", n, name, err)
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return bus, nil
}

func openBus(cmd *cobra.Command) (*tp.TP, error) {
	cfg, err := adapterConfig(cmd)
	if err != nil {
		return nil, err
	}
	return openTP(cmd, cfg, false)
}

func openTP(cmd *cobra.Command, cfg *j1939.AdapterConfig, passive bool) (*tp.TP, error) {
	raw, err := openCANBus(cmd, cfg)
	if err != nil {
		return nil, err
	}
	tpcfg := tp.DefaultConfig()
	tpcfg.Debug = cfg.Debug
	tpcfg.Passive = passive
	bus, err := tp.New(raw, tpcfg)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return bus, nil
}

func openEngine(cmd *cobra.Command) (*conversation.Engine, error) {
	bus, err := openBus(cmd)
	if err != nil {
		return nil, err
	}
	debug, _ := cmd.Flags().GetBool(flagDebug)
	cfg := conversation.DefaultConfig()
	cfg.Debug = debug
	e, err := conversation.New(bus, cfg)
	if err != nil {
		bus.Close()
		return nil, err
	}
	return e, nil
}
