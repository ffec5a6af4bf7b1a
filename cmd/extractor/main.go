package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"eventshipper/internal/config"
	"eventshipper/internal/orchestrator"
)

func main() {
	configPath := flag.String("config", "", "path to the run's YAML configuration document")
	deadlineSeconds := flag.Int("deadline-seconds", 0, "hard cutoff for this invocation, in seconds from start (0 = none)")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if *configPath == "" {
		log.Fatal("missing required -config flag")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("configuration invalid", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Error("aws config load failed", zap.Error(err))
		os.Exit(1)
	}

	var hostDeadline time.Time
	if *deadlineSeconds > 0 {
		hostDeadline = time.Now().Add(time.Duration(*deadlineSeconds) * time.Second)
	}

	orch := orchestrator.New(dynamodb.NewFromConfig(awsCfg), s3.NewFromConfig(awsCfg), nil, log)

	summary, err := orch.Run(ctx, cfg, hostDeadline)
	if err != nil {
		log.Error("run failed before completion", zap.Error(err))
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		log.Error("summary encode failed", zap.Error(err))
		os.Exit(1)
	}
}
