// Command lsnp-peer runs one LSNP peer: a UDP socket speaking the wire
// protocol in codec/, plus an HTTP control surface (control/) an
// external CLI drives it through. Grounded on the teacher's root
// main.go (construct the core type, wire the frontend, start both),
// generalized from the gossiper/frontend pair to peer.Controller/
// control.Server and given a signal-based graceful shutdown neither
// teacher main used.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ImaginaryLogs/CSNETWK-MCO3/config"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/control"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/logging"
	"github.com/ImaginaryLogs/CSNETWK-MCO3/peer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(".env", os.Args[1:])
	if err != nil {
		return err
	}

	logger := logging.New(os.Stdout, cfg.Verbose)
	defer logger.Close()

	p, err := peer.New(cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("main: start peer: %w", err)
	}
	p.Start()
	defer p.Stop()

	srv := control.New(p, logger)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ControlPort),
		Handler: srv.Handler(),
	}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("main: control surface: %v", err)
		}
	}()
	logger.Infof("lsnp peer %q listening on udp %d, control surface on %d", cfg.UserID, cfg.ListenPort, cfg.ControlPort)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Infof("main: shutting down")
	return httpSrv.Close()
}
