// Command relm-broker runs the in-sandbox half of the sub-call broker.
//
// It serves the HTTP queue that sandboxed REPL code enqueues llm_query
// requests onto. The host-side runtime drains the queue with a Poller and
// posts responses back. Designed to run inside an isolated environment
// whose only egress is HTTP to a fixed port.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/relmlabs/relm/broker"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmsgprefix)
	log.SetPrefix("[relm-broker] ")

	addr := os.Getenv("RELM_BROKER_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8274"
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	srv := broker.NewServer(broker.WithServerLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("listening on %s", addr)
		if err := srv.ListenAndServe(addr); err != nil {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")
	if err := srv.Close(); err != nil {
		log.Printf("close: %v", err)
	}
}
