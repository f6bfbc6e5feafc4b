// Command mindcached runs one replication-engine instance: the HTTP
// Bridge and the streaming sync transport over the same engine.
//
// Grounded on the teacher's cmd/vaultd/main.go: a bare os.Args[1]
// dispatch table, one flag.NewFlagSet per subcommand, a stdLogger
// wrapping log.Printf, signal.Notify-based graceful shutdown in
// cmdDaemon. The teacher's encrypted-vault init/invite/pair/daemon
// commands have no role here (no encryption, no P2P transport in
// SPEC_FULL — see DESIGN.md) so only `serve` and `migrate` remain,
// replacing vaultd's `serve`+`daemon`+`init` with the two subcommands
// this engine actually needs.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/amaydixit11/mindcache-engine/internal/engine"
	"github.com/amaydixit11/mindcache-engine/internal/migrate"
	"github.com/amaydixit11/mindcache-engine/internal/storage/sqlite"
	"github.com/amaydixit11/mindcache-engine/internal/syncproto"
	"github.com/amaydixit11/mindcache-engine/pkg/bridge"
)

type stdLogger struct{}

func (stdLogger) Printf(format string, v ...any) { log.Printf(format, v...) }

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve":
		cmdServe(args)
	case "migrate":
		cmdMigrate(args)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`mindcached - multi-tenant replication engine

Usage: mindcached <command> [options]

Commands:
  serve    Start the HTTP bridge and sync transport for one instance
  migrate  Run the view migration against an instance's database, then exit
  help     Show this help

Serve:
  mindcached serve --instance demo --data ~/.mindcache --port 8080

Migrate:
  mindcached migrate --instance demo --data ~/.mindcache`)
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	instance := fs.String("instance", "", "Instance ID (required)")
	dataDir := fs.String("data", "", "Data directory (default: ~/.mindcache)")
	actorKind := fs.String("actor-kind", "user", "Principal kind recorded in resource grants")
	port := fs.String("port", "8080", "HTTP port to listen on")
	inMemory := fs.Bool("in-memory", false, "Run with an in-memory (non-persistent) store")
	allowLegacyAuth := fs.Bool("allow-legacy-auth", false, "Accept the legacy `auth` JSON frame's API key as identity (non-production only)")
	fs.Parse(args)

	if *instance == "" {
		fmt.Fprintln(os.Stderr, "serve: --instance is required")
		os.Exit(1)
	}

	e, err := engine.New(engine.Config{
		DataDir:    *dataDir,
		InMemory:   *inMemory,
		InstanceID: *instance,
		ActorKind:  *actorKind,
		Logger:     stdLogger{},
	})
	if err != nil {
		log.Fatalf("mindcached: boot failed: %v", err)
	}
	defer e.Close()

	legacyAuth := func(apiKey string) (string, bool) {
		if apiKey == "" {
			return "", false
		}
		return "legacy:" + apiKey, true
	}
	legacy := syncproto.NewLegacyHandler(e.Document(), e.Gate(), e.InstanceID(), *allowLegacyAuth, legacyAuth)

	mux := http.NewServeMux()
	mux.Handle("/", bridge.New(e))
	mux.Handle("/sync", syncproto.NewServer(e.Document(), e.Gate(), e.Registry(), e.InstanceID(), e.ActorKind(), legacy, stdLogger{}))

	srv := &http.Server{Addr: ":" + *port, Handler: mux}

	go func() {
		log.Printf("mindcached: instance %q serving on :%s (bridge on /, sync on /sync)", *instance, *port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("mindcached: server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Printf("mindcached: shutting down instance %q...", *instance)
}

func cmdMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	instance := fs.String("instance", "", "Instance ID (required)")
	dataDir := fs.String("data", "", "Data directory (default: ~/.mindcache)")
	fs.Parse(args)

	if *instance == "" {
		fmt.Fprintln(os.Stderr, "migrate: --instance is required")
		os.Exit(1)
	}

	dir := *dataDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("migrate: resolve home directory: %v", err)
		}
		dir = home + "/.mindcache"
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		log.Fatalf("migrate: create data directory: %v", err)
	}

	store, err := sqlite.New(dir + "/" + *instance + ".db")
	if err != nil {
		log.Fatalf("migrate: open store: %v", err)
	}
	defer store.Close()

	if err := migrate.Run(store.DB()); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	fmt.Printf("mindcached: instance %q migrated to schema version %d\n", *instance, migrate.TargetVersion)
}
