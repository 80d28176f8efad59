package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/i474232898/weather-data-aggregation/internal/client"
	"github.com/i474232898/weather-data-aggregation/internal/config"
	"github.com/i474232898/weather-data-aggregation/internal/weather"
)

func main() {
	if len(os.Args) < 2 || len(os.Args) > 3 {
		fmt.Fprintf(os.Stderr, "usage: %s <host:port> [station id]\n", os.Args[0])
		os.Exit(2)
	}
	addr := strings.TrimPrefix(os.Args[1], "http://")
	var stationID string
	if len(os.Args) == 3 {
		stationID = os.Args[2]
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reader := client.NewReader(client.RetryPolicy{
		MaxAttempts: cfg.ReaderRetries,
		Backoff:     cfg.ReaderBackoff,
	}, cfg.ConnTimeout)

	doc, ok := reader.Query(ctx, addr, stationID)
	if !ok {
		log.Println("INFO: no weather data available")
		os.Exit(1)
	}
	os.Stdout.Write(weather.FormatText(doc))
}
