// Command stream_seed pushes synthetic meter readings into the partitioned
// ingest streams, for local testing and load checks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"meterflow/internal/auth"
	telemetry "meterflow/internal/telemetry/domain"
	"meterflow/internal/transport/redisstream"
)

func main() {
	_ = godotenv.Load()
	logger := log.New(os.Stdout, "[stream-seed] ", log.LstdFlags)

	sources := flag.Int("sources", 5, "number of synthetic sources")
	count := flag.Int("count", 100, "readings per source")
	partitions := flag.Int("partitions", 4, "partition count (must match the service)")
	base := flag.Float64("base", 10.0, "base reading value")
	jitter := flag.Float64("jitter", 2.0, "value jitter")
	spikeEvery := flag.Int("spike-every", 0, "emit a 3x spike every N readings (0 = never)")
	interval := flag.Duration("interval", 0, "pause between readings (0 = as fast as possible)")
	flag.Parse()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	secret := []byte(os.Getenv("PRODUCER_SECRET"))

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatalf("redis ping: %v", err)
	}

	sent := 0
	for i := 0; i < *count; i++ {
		for s := 0; s < *sources; s++ {
			sourceID := fmt.Sprintf("meter-%03d", s)

			value := *base + (rand.Float64()*2-1)*(*jitter)
			if *spikeEvery > 0 && i > 0 && i%*spikeEvery == 0 {
				value *= 3
			}

			reading := telemetry.Reading{
				SourceID:  sourceID,
				Value:     value,
				Unit:      "kWh",
				Timestamp: time.Now().UTC(),
			}
			if len(secret) > 0 {
				token, err := auth.SignProducerToken(secret, sourceID)
				if err != nil {
					logger.Fatalf("sign token: %v", err)
				}
				reading.Token = token
			}

			body, err := telemetry.EncodeReading(reading)
			if err != nil {
				logger.Fatalf("encode reading: %v", err)
			}

			partition := redisstream.PartitionFor(sourceID, *partitions)
			stream := fmt.Sprintf("%s:%d", redisstream.DefaultStreamPrefix, partition)
			if err := client.XAdd(ctx, &redis.XAddArgs{
				Stream: stream,
				Values: map[string]interface{}{"body": body},
			}).Err(); err != nil {
				logger.Fatalf("xadd %s: %v", stream, err)
			}
			sent++
		}
		if *interval > 0 {
			time.Sleep(*interval)
		}
	}

	logger.Printf("sent %d readings across %d sources and %d partitions", sent, *sources, *partitions)
}
