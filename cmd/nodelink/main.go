// nodelink is the command-line client for research nodes.
//
// It keeps an encrypted, authenticated channel to one node in a local
// state database and sends requests through it.
//
// Usage:
//
//	nodelink [--config nodelink.toml] [--env .env] <command>
//
// Commands:
//
//	status      hydrate persisted state and print it
//	handshake   establish or renew the channel and session
//	invoke      send an encrypted request and print the response
//	revoke      forget the session, keep the channel
//	reset       forget the channel and the session
//	discover    list research nodes advertised via DNS-SD
//	keygen      create a self-signed identity for testing
//
// Example:
//
//	nodelink invoke POST /api/jobs --data '{"dataset":"cohort-7"}'
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
