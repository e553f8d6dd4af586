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
	// Command line flags
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		disableNBI  = flag.Bool("no-nbi", false, "Disable the REST and WebSocket surface")
		debug       = flag.Bool("debug", false, "Enable debug mode (sets logger level to debug)")
	)

	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		printVersion()
		os.Exit(0)
	}

	printBanner()

	application, err := app.New(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	// Modify config based on flags
	if *disableNBI {
		application.GetConfig().NBI = nil
		logger.InitLog.Info("NBI service disabled")
	}

	if *debug {
		application.GetConfig().Logger.Level = "debug"
		logger.SetLogLevel("debug")
		logger.InitLog.Info("Debug mode enabled")
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

func printBanner() {
	banner := `
 ___       _                                 ____       _
|_ _|_ __ | |_ ___ _ __ ___ ___  _ __ ___   / ___| __ _| |_ _____      ____ _ _   _
 | || '_ \| __/ _ \ '__/ __/ _ \| '_ ` + "`" + ` _ \ | |  _ / _` + "`" + ` | __/ _ \ \ /\ / / _` + "`" + ` | | | |
 | || | | | ||  __/ | | (_| (_) | | | | | || |_| | (_| | ||  __/\ V  V / (_| | |_| |
|___|_| |_|\__\___|_|  \___\___/|_| |_| |_| \____|\__,_|\__\___| \_/\_/ \__,_|\__, |
                                                                              |___/
`
	fmt.Println(banner)
	fmt.Printf("Version: %s | Build Time: %s | Git Commit: %s\n\n", version, buildTime, gitCommit)
}

func printVersion() {
	fmt.Printf("Nextranet Intercom Gateway\n")
	fmt.Printf("Version:     %s\n", version)
	fmt.Printf("Build Time:  %s\n", buildTime)
	fmt.Printf("Git Commit:  %s\n", gitCommit)
	fmt.Printf("Go Version:  %s\n", runtime.Version())
	fmt.Printf("OS/Arch:     %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func usage() {
	out := flag.CommandLine.Output()
	fmt.Fprintf(out, "Usage: %s [options]\n\n", os.Args[0])
	fmt.Fprintln(out, "Mirrors intercom devices, calls and queues and serves operator commands")
	fmt.Fprintln(out, "over REST and the /ws notification stream.")
	fmt.Fprintln(out)
	flag.PrintDefaults()
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Without -config, INTERCOM_CONFIG_PATH is read, then config.yaml in the")
	fmt.Fprintln(out, "working directory, ./conf and /etc/intercom. ${VAR} references in the")
	fmt.Fprintln(out, "file are expanded from the environment and ./.env.")
}
