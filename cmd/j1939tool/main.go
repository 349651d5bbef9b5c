// j1939tool talks to a J1939 network through one of the registered adapters.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/roffe/j1939/cmd/j1939tool/cmd"
)

// shutdownGrace bounds how long closing the bus may take after a signal.
const shutdownGrace = 10 * time.Second

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go closeOnSignal(cancel)
	if err := cmd.Execute(ctx); err != nil {
		os.Exit(1)
	}
}

// closeOnSignal cancels the command on the first signal so the open bus and
// its transport sessions are closed. A second signal or a stuck close exits
// right away.
func closeOnSignal(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	log.Printf("got %v, closing bus", s)
	cancel()
	select {
	case <-sig:
		log.Fatal("second signal, exiting without closing the bus")
	case <-time.After(shutdownGrace):
		log.Fatal("bus did not close in time, exiting")
	}
}
