package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/nextranet/intercom/c-plane/internal/logger"
	"github.com/nextranet/intercom/c-plane/pkg/app"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
	)

	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("Intercom Gateway NBI Service\n")
		fmt.Printf("Version:     %s\n", version)
		fmt.Printf("Build Time:  %s\n", buildTime)
		fmt.Printf("Git Commit:  %s\n", gitCommit)
		fmt.Printf("Go Version:  %s\n", runtime.Version())
		os.Exit(0)
	}

	// The NBI service keeps its registry in memory only
	application, err := app.New(*configPath, app.WithoutStore())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize application: %v\n", err)
		os.Exit(1)
	}
	if application.GetConfig().NBI == nil {
		logger.InitLog.Fatal("The nbi section is required by the NBI service")
	}

	if err := application.Start(); err != nil {
		logger.InitLog.Fatalf("Failed to start application: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.InitLog.Info("Shutdown signal received")

	application.Stop()

	logger.InitLog.Info("Application stopped successfully")
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [options]\n\n", os.Args[0])
	fmt.Fprintln(out, "Serves the gateway REST API and notification stream with an in-memory")
	fmt.Fprintln(out, "device registry. The configuration must contain an nbi section.")
	fmt.Fprintln(out)
	flag.PrintDefaults()
}
