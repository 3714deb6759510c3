// Command patch-producer generates offline tap batches on the patch ingest
// topic for load testing.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/IBM/sarama"

	"github.com/tapgame-core/internal/domain"
	"github.com/tapgame-core/internal/kafka"
)

var ownerPrefixes = []string{
	"Phoenix", "Shadow", "Thunder", "Storm", "Blaze", "Ninja", "Dragon", "Wolf", "Hawk", "Viper",
	"Ghost", "Titan", "Frost", "Cyber", "Nova", "Raven", "Omega", "Alpha", "Delta", "Sigma",
}

func ownerID(idx int) string {
	prefixIdx := idx % len(ownerPrefixes)
	suffix := idx/len(ownerPrefixes) + 1
	return fmt.Sprintf("%s%d", strings.ToLower(ownerPrefixes[prefixIdx]), suffix)
}

// tapper tracks the totals the producer has sent for one player, since a
// patch carries absolute values.
type tapper struct {
	points     int64
	experience int64
	energy     int64
}

func (t *tapper) tap(taps int64, maxEnergy int64) domain.PlayerPatch {
	if taps > t.energy {
		taps = t.energy
	}
	t.energy -= taps
	t.points += taps
	t.experience += taps / 10
	if t.energy < maxEnergy/4 {
		t.energy = maxEnergy
	}

	points, experience, energy := t.points, t.experience, t.energy
	return domain.PlayerPatch{
		Points:     &points,
		Experience: &experience,
		Energy:     &energy,
	}
}

func main() {
	// Command line flags
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "player-patches", "Kafka ingest topic")
	totalPlayers := flag.Int("players", 1000, "Number of players to generate patches for")
	patchesPerSecond := flag.Int("rate", 100, "Patches per second")
	maxTaps := flag.Int("taps", 50, "Maximum taps per offline batch")
	maxEnergy := flag.Int64("max-energy", 1000, "Energy ceiling assumed for generated players")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	flag.Parse()

	if *totalPlayers <= 0 || *patchesPerSecond <= 0 || *maxTaps <= 0 {
		log.Fatal("players, rate and taps must be positive")
	}
	brokerList := strings.Split(*brokers, ",")

	fmt.Println("Patch producer")
	fmt.Printf("  Brokers:      %s\n", *brokers)
	fmt.Printf("  Topic:        %s\n", *topic)
	fmt.Printf("  Players:      %d\n", *totalPlayers)
	fmt.Printf("  Patches/sec:  %d\n", *patchesPerSecond)
	fmt.Println()

	// Configure Sarama producer
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(brokerList, config)
	if err != nil {
		log.Fatalf("Failed to create producer: %v", err)
	}

	var successCount, errorCount int64
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for range producer.Successes() {
			atomic.AddInt64(&successCount, 1)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for err := range producer.Errors() {
			atomic.AddInt64(&errorCount, 1)
			log.Printf("Producer error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	finish := func(reason string) {
		fmt.Printf("\n%s, shutting down...\n", reason)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("Completed. Sent: %d, Errors: %d\n", atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	players := make([]*tapper, *totalPlayers)
	for i := range players {
		players[i] = &tapper{energy: *maxEnergy}
	}

	send := func(idx int, patch domain.PlayerPatch) {
		msg := kafka.PatchMessage{
			OwnerID: ownerID(idx),
			Patch:   patch,
			SentAt:  time.Now().UTC(),
		}
		data, err := json.Marshal(msg)
		if err != nil {
			log.Printf("Failed to marshal message: %v", err)
			return
		}
		// Keyed by player so one player's patches stay ordered on a partition.
		producer.Input() <- &sarama.ProducerMessage{
			Topic: *topic,
			Key:   sarama.StringEncoder(msg.Key().String()),
			Value: sarama.ByteEncoder(data),
		}
	}

	ticker := time.NewTicker(time.Second / time.Duration(*patchesPerSecond))
	defer ticker.Stop()
	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	var patchCount int64
	for {
		select {
		case <-sigChan:
			finish("Interrupted")
			return

		case <-ticker.C:
			if *duration > 0 && time.Now().After(endTime) {
				finish("Duration reached")
				return
			}

			idx := rand.Intn(*totalPlayers)
			taps := int64(rand.Intn(*maxTaps) + 1)
			send(idx, players[idx].tap(taps, *maxEnergy))
			patchCount++

		case <-statsTicker.C:
			fmt.Printf("[%s] Patches: %d | Sent: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				patchCount,
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&errorCount),
			)
		}
	}
}
