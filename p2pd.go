// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/p2pd/p2pd/internal/limits"
	"github.com/p2pd/p2pd/internal/log"
	"github.com/p2pd/p2pd/internal/version"
)

// p2pdMain is the real main function for p2pd.  It is necessary to work
// around the fact that deferred functions do not run when os.Exit() is called.
func p2pdMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	cfg, _, err := loadConfig(os.Args[1:])
	if err != nil {
		return err
	}

	// Initialize log rotation.  After log rotation has been initialized,
	// the log file receives the output of every subsystem logger.
	logFile := filepath.Join(cfg.LogDir, defaultLogFilename)
	if err := log.InitLogRotator(logFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	defer func() {
		if log.LogRotator != nil {
			log.LogRotator.Close()
		}
	}()

	// Get a channel that will be closed when a shutdown signal has been
	// triggered either from an OS signal such as SIGINT (Ctrl+C) or from
	// a shutdown request.
	interrupt := interruptListener()
	defer p2pdLog.Info("Shutdown complete")

	// Show version at startup.
	p2pdLog.Infof("Version %s", version.String())
	p2pdLog.Infof("Active network: %s (%v)", activeNetParams.name,
		activeNetParams.magic)

	// Return now if an interrupt signal was triggered.
	if interruptRequested(interrupt) {
		return nil
	}

	// Create server and start it.
	server, err := newServer(cfg, activeNetParams)
	if err != nil {
		p2pdLog.Errorf("Unable to start server: %v", err)
		return err
	}
	defer func() {
		p2pdLog.Infof("Gracefully shutting down the server...")
		server.Stop()
		server.WaitForShutdown()
		srvrLog.Infof("Server shutdown complete")
	}()
	if err := server.Start(); err != nil {
		p2pdLog.Errorf("Unable to start server: %v", err)
		return err
	}

	// Wait until the interrupt signal is received from an OS signal or
	// shutdown is requested through one of the subsystems.
	<-interrupt
	return nil
}

func main() {
	// Up some limits.
	if err := limits.SetLimits(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set limits: %v\n", err)
		os.Exit(1)
	}

	// Work around defer not working after os.Exit()
	if err := p2pdMain(); err != nil {
		os.Exit(1)
	}
}
