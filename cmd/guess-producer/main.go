package main

import (
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
	"github.com/google/uuid"
	"github.com/hideseek-redis/internal/domain"
	"github.com/hideseek-redis/internal/kafka"
)

var playerPrefixes = []string{
	"Phoenix", "Shadow", "Thunder", "Storm", "Blaze", "Ninja", "Dragon", "Wolf", "Hawk", "Viper",
	"Ghost", "Titan", "Frost", "Cyber", "Nova", "Raven", "Omega", "Alpha", "Delta", "Sigma",
}

var objectKeys = []string{"pumpkin", "teddy", "lamp", "mug", "cat"}

func getPlayerName(idx int) string {
	prefixIdx := idx % len(playerPrefixes)
	suffix := idx/len(playerPrefixes) + 1
	return fmt.Sprintf("%s%d", playerPrefixes[prefixIdx], suffix)
}

// aim returns a guess around the hiding spot. Accurate players land close
// enough to count as a find most of the time.
func aim(spotX, spotY float64, accurate bool) (float64, float64) {
	spread := 0.4
	if accurate {
		spread = 0.06
	}
	clamp := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}
	return clamp(spotX + (rand.Float64()-0.5)*spread), clamp(spotY + (rand.Float64()-0.5)*spread)
}

func main() {
	// Command line flags
	brokers := flag.String("brokers", "localhost:9094", "Kafka brokers (comma-separated)")
	topic := flag.String("topic", "hideseek-guesses", "Kafka topic")
	sessionID := flag.String("session", "", "Session ID to guess against (required)")
	objectKey := flag.String("object", "pumpkin", "Object hidden in the session")
	spotX := flag.Float64("x", 0.5, "Relative X of the hiding spot")
	spotY := flag.Float64("y", 0.3, "Relative Y of the hiding spot")
	totalPlayers := flag.Int("players", 50, "Number of distinct guessers")
	updatesPerSecond := flag.Int("rate", 10, "Guesses per second")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	flag.Parse()

	if *sessionID == "" {
		log.Fatal("-session is required")
	}
	if *updatesPerSecond <= 0 || *totalPlayers <= 0 {
		log.Fatal("-rate and -players must be positive")
	}

	brokerList := strings.Split(*brokers, ",")

	fmt.Println("Hide and seek guess producer")
	fmt.Printf("  Brokers:      %s\n", *brokers)
	fmt.Printf("  Topic:        %s\n", *topic)
	fmt.Printf("  Session:      %s\n", *sessionID)
	fmt.Printf("  Spot:         %s at (%.2f, %.2f)\n", *objectKey, *spotX, *spotY)
	fmt.Printf("  Guessers:     %d\n", *totalPlayers)
	fmt.Printf("  Guesses/sec:  %d\n", *updatesPerSecond)
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

	done := make(chan struct{})
	shutdown := func(reason string) {
		fmt.Printf("\n%s, shutting down...\n", reason)
		close(done)
		producer.AsyncClose()
		wg.Wait()
		fmt.Printf("Completed. Sent: %d, Errors: %d\n", atomic.LoadInt64(&successCount), atomic.LoadInt64(&errorCount))
	}

	// Guessers get stable IDs so the server's per-player rate limit applies.
	guesserIDs := make([]string, *totalPlayers)
	for i := range guesserIDs {
		guesserIDs[i] = uuid.NewString()
	}

	sendMessage := func(submission domain.GuessSubmission) {
		data, err := kafka.EncodeGuess(submission)
		if err != nil {
			log.Printf("Failed to marshal guess: %v", err)
			return
		}

		msg := &sarama.ProducerMessage{
			Topic: *topic,
			Key:   sarama.StringEncoder(submission.SessionID),
			Value: sarama.ByteEncoder(data),
		}

		select {
		case producer.Input() <- msg:
		case <-done:
		}
	}

	interval := time.Second / time.Duration(*updatesPerSecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var endTime time.Time
	if *duration > 0 {
		endTime = time.Now().Add(*duration)
	}

	var guessCount int64

	for {
		select {
		case <-sigChan:
			shutdown("Interrupted")
			return

		case <-ticker.C:
			if *duration > 0 && time.Now().After(endTime) {
				shutdown("Duration reached")
				return
			}

			idx := rand.Intn(*totalPlayers)

			// Wrong object now and then so incorrect guesses show up in stats.
			object := *objectKey
			if rand.Intn(10) == 0 {
				object = objectKeys[rand.Intn(len(objectKeys))]
			}
			x, y := aim(*spotX, *spotY, rand.Intn(100) < 30)

			sendMessage(domain.GuessSubmission{
				SessionID: *sessionID,
				GuesserID: guesserIDs[idx],
				Username:  getPlayerName(idx),
				ObjectKey: object,
				RelX:      x,
				RelY:      y,
			})
			atomic.AddInt64(&guessCount, 1)

		case <-statsTicker.C:
			fmt.Printf("[%s] Guesses: %d | Sent: %d | Errors: %d\n",
				time.Now().Format("15:04:05"),
				atomic.LoadInt64(&guessCount),
				atomic.LoadInt64(&successCount),
				atomic.LoadInt64(&errorCount),
			)
		}
	}
}
