// Package main is the entry point of the agar node.
package main

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/agarnet/agar-node/cmd/agar-node/daemon"
	"github.com/joho/godotenv"
)

func main() {
	// A .env file in the working directory may hold the AGAR_NODE_ settings.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Could not load .env file", "err", err)
	}

	a, err := daemon.New()
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}

	os.Exit(run(a))
}

type app interface {
	Run() error
	UsageError() bool
	Hup() bool
	Quit(force bool)
}

func run(a app) int {
	defer installSignalHandler(a)()

	if err := a.Run(); err != nil {
		slog.Error(err.Error())

		if a.UsageError() {
			return 2
		}
		return 1
	}

	return 0
}

// installSignalHandler stops the node gracefully on the first interruption and forces it on
// the second one.
func installSignalHandler(a app) func() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		stopping := false
		for {
			v, ok := <-c
			if !ok {
				slog.Debug("Signal channel closed")
				return
			}
			switch v {
			case syscall.SIGINT, syscall.SIGTERM:
				if stopping {
					slog.Warn("Interrupted again, forcing the node to stop", "signal", v)
					a.Quit(true)
					return
				}
				stopping = true
				slog.Info("Stopping the node, interrupt again to force it", "signal", v)
				wg.Add(1)
				go func() {
					defer wg.Done()
					a.Quit(false)
				}()
			case syscall.SIGHUP:
				if a.Hup() {
					a.Quit(false)
					return
				}
			}
		}
	}()

	return func() {
		signal.Stop(c)
		close(c)
		wg.Wait()
	}
}
