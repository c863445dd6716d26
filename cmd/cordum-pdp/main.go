package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/cordum/pdpsync/core/controlplane/pdpserver"
	"github.com/cordum/pdpsync/core/infra/buildinfo"
	"github.com/cordum/pdpsync/core/infra/config"
)

func main() {
	buildinfo.Log(pdpserver.ServiceName)
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := pdpserver.Run(ctx, cfg); err != nil {
		log.Fatalf("pdp error: %v", err)
	}
}
