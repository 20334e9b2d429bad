package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"rssbot/internal/app"
	logx "rssbot/pkg/logx"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(),
		"usage: %s [-config path] <homeserver-url> <user-id> <token-file>\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "optional config file (json, yaml or toml)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 3 {
		usage()
		os.Exit(2)
	}
	homeserver, userID, tokenFile := flag.Arg(0), flag.Arg(1), flag.Arg(2)

	// used until the app's configured logger exists, and after it is closed
	log := logx.NewConsole("info")

	raw, err := os.ReadFile(tokenFile)
	if err != nil {
		log.Error("read token file", logx.String("path", tokenFile), logx.Err(err))
		os.Exit(1)
	}
	token := strings.TrimSpace(string(raw))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(app.Options{
		ConfigPath:    cfgPath,
		HomeserverURL: homeserver,
		UserID:        userID,
		Token:         token,
	})
	if err != nil {
		log.Error("startup failed", logx.Err(err))
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		log.Error("start failed", logx.Err(err))
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stop()
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	reason := app.StopSignal
	if ctx.Err() == nil {
		reason = app.StopFatalError
	}

	stopCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	_ = a.Stop(stopCtx, reason)
	stop()
	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			log.Error("stopped on fatal error", logx.Err(err))
		}
		os.Exit(1)
	}
}
