package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	flag "github.com/spf13/pflag"
	"github.com/temoto/sensord/cmd/sensord/check"
	"github.com/temoto/sensord/cmd/sensord/decode"
	"github.com/temoto/sensord/cmd/sensord/run"
	"github.com/temoto/sensord/cmd/sensord/subcmd"
	"github.com/temoto/sensord/internal/state"
	"github.com/temoto/sensord/log2"
)

var log = log2.NewStderr(log2.LInfo)

// set at build time: go build -ldflags "-X main.BuildVersion=..."
var BuildVersion = "unknown"

const stopTimeout = 5 * time.Second

var modules = []subcmd.Mod{
	run.Mod,
	check.Mod,
	decode.Mod,
	{Name: "version", Usage: "print build version", Main: func(context.Context, *state.Config) error {
		fmt.Println(BuildVersion)
		return nil
	}},
}

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flagConfig := cmdline.StringP("config", "c", "sensord.hcl", "config file path")
	flagDebug := cmdline.Bool("debug", false, "debug logging, same as log_debug=true in config")
	cmdline.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] [command]\n\nCommands:\n", os.Args[0])
		for _, m := range modules {
			fmt.Fprintf(os.Stderr, "  %-8s %s\n", m.Name, m.Usage)
		}
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		cmdline.PrintDefaults()
	}
	_ = cmdline.Parse(os.Args[1:])

	command := cmdline.Arg(0)
	if command == "" {
		command = run.Mod.Name
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		cmdline.Usage()
		log.Fatal(err)
	}
	if mod.Name == "version" {
		_ = mod.Main(context.Background(), nil)
		return
	}

	if subcmd.SdNotify("start " + mod.Name) {
		// we're under systemd, assume systemd journal logging, remove timestamp
		log.SetFlags(log2.LServiceFlags)
	} else if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	} else {
		log.SetFlags(log2.LServiceFlags)
	}
	if *flagDebug {
		log.SetLevel(log2.LDebug)
	}
	log.Infof("sensord version=%s command=%s", BuildVersion, mod.Name)

	ctx, g := state.NewContext(log)
	g.BuildVersion = BuildVersion
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigch:
			log.Infof("signal=%s stopping", sig)
		case <-g.Alive.StopChan():
		}
		g.Alive.Stop()
		cancel()
	}()

	config, err := state.ReadConfig(log, state.NewOsFullReader(), *flagConfig)
	if err != nil {
		if mod.Name == run.Mod.Name {
			g.Config = config
			_ = run.Idle(ctx, g, err)
			return
		}
		log.Fatal(errors.ErrorStack(err))
	}
	if *flagDebug {
		config.LogDebug = true
	}

	if err = mod.Main(ctx, config); err != nil {
		g.Fatal(err)
	}
	g.StopWait(stopTimeout)
}
