// The server command is the entrypoint for the BEER match server. It wires
// configuration, logging, and the debug utilities together and runs the
// lobby until the process is signalled.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/unixthat/beer-project/internal/core"
	"github.com/unixthat/beer-project/internal/core/debug"
	"github.com/unixthat/beer-project/internal/lobby"
	"github.com/unixthat/beer-project/internal/registry"
)

func main() {
	os.Exit(run())
}

func run() int {
	config, v, err := core.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error loading config:", err)
		return 1
	}

	flags := pflag.NewFlagSet("beer-server", pflag.ExitOnError)
	flags.String("host", config.Host, "address to listen on")
	flags.Int("port", config.Port, "port to listen on")
	secure := flags.String("secure", "", "enable AES-CTR encryption, optionally with an inline hex key")
	flags.Lookup("secure").NoOptDefVal = "default"
	flags.Bool("one-ship", config.OneShip, "single-ship quick game variant")
	debugFlag := flags.Bool("debug", false, "enable debug logging and the pprof/metrics server")
	silent := flags.BoolP("silent", "q", false, "log errors only")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return 1
	}

	_ = v.BindPFlag("host", flags.Lookup("host"))
	_ = v.BindPFlag("port", flags.Lookup("port"))
	_ = v.BindPFlag("one_ship", flags.Lookup("one-ship"))
	if err := config.Reload(v); err != nil {
		fmt.Fprintln(os.Stderr, "error applying flags:", err)
		return 1
	}

	if flags.Changed("secure") {
		config.Secure = true
		if *secure != "default" {
			config.Key = *secure
		}
	}
	if *debugFlag {
		config.Debugging.Enabled = true
		config.LogLevel = "debug"
	}
	if *silent {
		config.LogLevel = "error"
	}

	logger, err := core.NewLogger(config)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error initializing logger:", err)
		return 1
	}

	if config.Debugging.Enabled {
		debug.StartUtilities(logger, config.Debugging.Port, config.Debugging.PacketLoggingEnabled)
	}

	reg := registry.New(config.ReconnectTimeout())
	server, err := lobby.New(config, logger, reg)
	if err != nil {
		logger.Errorf("error initializing lobby: %v", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	interrupted := false
	go func() {
		sig := <-sigCh
		interrupted = sig == os.Interrupt
		logger.Infof("received %v, shutting down", sig)
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		logger.Errorf("error running lobby: %v", err)
		return 1
	}
	if interrupted {
		return 130
	}
	return 0
}
