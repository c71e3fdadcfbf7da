package main

import (
	"context"
	"errors"
	"log"
	"net"
	"os"
	"strconv"
	"time"
)

// Serve builds the directory and its stores, binds the TCP listener, and
// accepts connections until the context is cancelled. A failure to bind is
// fatal and aborts startup.
func Serve(ctx context.Context, cfg *Config) error {
	var err error

	timeZone := os.Getenv("TZ")
	if timeZone != "" {
		time.Local, err = time.LoadLocation(timeZone)
		if err != nil {
			return err
		}
	}

	logf(cfg, "START: quizbox v%s", releaseVersion)

	puzzles, err := newPuzzleStore(cfg.dataDir)
	if err != nil {
		return err
	}

	recorder, err := newFileRecorder(cfg, cfg.dataDir)
	if err != nil {
		return err
	}

	dir := newDirectory(cfg, puzzles, recorder)

	addr := net.JoinHostPort(cfg.bind, strconv.Itoa(cfg.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	if cfg.webPort != 0 {
		go serveWeb(ctx, cfg, dir, recorder)
	}

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	log.Printf("Multiplayer server listening on %s", addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			logf(cfg, "SERVE: accept error: %v", err)
			continue
		}

		go serveConn(cfg, dir, conn)
	}
}
