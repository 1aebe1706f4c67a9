// Package main starts the sync real-time service and handles termination.
//
// The process is a transport adapter around campaign channel subscriptions,
// trade negotiation, and story log watching; campaign CRUD stays with the
// web surface.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	synccmd "github.com/louisbranch/tenebrae.world/internal/cmd/sync"
	"github.com/louisbranch/tenebrae.world/internal/platform/config"
)

func main() {
	cfg, err := synccmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	log.SetPrefix("[SYNC] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := synccmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
