// Command mockhost is a stand-in backend process. It speaks the native
// messaging protocol on stdin and stdout so the controller can be run in
// native mode without the real automation engine:
//
//	MKD_BACKEND_COMMAND=mockhost controller
package main

import (
	"flag"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/mockbackend"
	"github.com/flying-pisces/mkd-automation-sub001/controller/internal/transport"
)

// stdio joins the process pipes. Close fires once the channel shuts down.
type stdio struct {
	io.Reader
	io.Writer
	once   sync.Once
	closed chan struct{}
}

func (s *stdio) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func main() {
	latency := flag.Duration("latency", 0, "delay before every reply")
	artifacts := flag.String("artifacts", "recordings", "artifact directory reported on stop")
	flag.Parse()

	// stdout carries frames, so logs go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	backend := mockbackend.New(mockbackend.Options{
		Latency:     *latency,
		ArtifactDir: *artifacts,
		Transport:   transport.Options{Logger: logger},
		Logger:      logger,
	})

	pipe := &stdio{Reader: os.Stdin, Writer: os.Stdout, closed: make(chan struct{})}
	backend.Serve(pipe)
	logger.Info("mock host ready", "pid", os.Getpid())

	<-pipe.closed
	logger.Info("mock host exiting")
}
