package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/i474232898/weather-data-aggregation/internal/client"
	"github.com/i474232898/weather-data-aggregation/internal/config"
)

func main() {
	every := flag.Duration("every", 0, "re-upload the reading at this interval to stay live (0 uploads once)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-every 20s] <host:port> <reading file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}
	addr, path := strings.TrimPrefix(flag.Arg(0), "http://"), flag.Arg(1)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	producer := client.NewProducer(client.RetryPolicy{Backoff: cfg.ProducerBackoff}, cfg.ConnTimeout)
	if err := producer.LoadFile(path); err != nil {
		log.Fatalf("failed to load %s: %v", path, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("INFO: producer %s uploading %s to %s", producer.ID(), path, addr)
	for {
		if _, err := producer.Upload(ctx, addr); err != nil {
			log.Printf("ERROR: upload stopped: %v", err)
			return
		}
		if *every <= 0 {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(*every):
		}
	}
}
