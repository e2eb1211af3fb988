// Command loadtest drives a sistchat server with many concurrent bots.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/sistchat/pkg/client"
	"github.com/aeolun/sistchat/pkg/logx"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat. Duis aute irure dolor in reprehenderit in voluptate velit esse cillum dolore eu fugiat nulla pariatur. Excepteur sint occaecat cupidatat non proident, sunt in culpa qui officia deserunt mollit anim id est laborum."

var loremWords = strings.Fields(strings.ToLower(strings.NewReplacer(",", "", ".", "").Replace(loremIpsum)))

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1 float64
	fmt.Sscanf(string(data), "%f", &load1)
	return load1
}

// generateUsername glues fragments of two words onto the bot id, which
// keeps names unique within one run.
func generateUsername(id int) string {
	word1 := loremWords[rand.Intn(len(loremWords))]
	word2 := loremWords[rand.Intn(len(loremWords))]
	return fmt.Sprintf("%s%s%d", word1[:min(len(word1), 4)], word2[:min(len(word2), 4)], id)
}

func randomSentence() string {
	n := 3 + rand.Intn(12)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

// Stats tracks performance metrics
type Stats struct {
	messagesPosted    atomic.Int64
	messagesFailed    atomic.Int64
	messagesReceived  atomic.Int64
	privateSent       atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	registerErrors    atomic.Int64
	rateLimited       atomic.Int64
	disconnections    atomic.Int64
	successfulClients atomic.Int64
}

func (s *Stats) recordSuccess(responseTime time.Duration) {
	s.messagesPosted.Add(1)
	s.totalResponseTime.Add(responseTime.Microseconds())
}

func (s *Stats) recordFailure(err error) {
	s.messagesFailed.Add(1)
	var answerErr *client.AnswerError
	if errors.As(err, &answerErr) && answerErr.Message == "rate limit exceeded" {
		s.rateLimited.Add(1)
	}
}

func (s *Stats) snapshot() (posted, failed, received int64, avgResponseUs float64) {
	posted = s.messagesPosted.Load()
	failed = s.messagesFailed.Load()
	received = s.messagesReceived.Load()
	if posted > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(posted)
	}
	return
}

// BotClient represents a fake client for load testing
type BotClient struct {
	id       int
	username string
	conn     *client.Connection
	stats    *Stats
	peers    []string
}

func NewBotClient(ctx context.Context, id int, serverAddr string, stats *Stats) (*BotClient, error) {
	conn, err := client.Dial(ctx, serverAddr)
	if err != nil {
		stats.connectionErrors.Add(1)
		return nil, fmt.Errorf("dial: %w", err)
	}

	bc := &BotClient{
		id:       id,
		username: generateUsername(id),
		conn:     conn,
		stats:    stats,
	}
	if err := conn.Register(ctx, bc.username); err != nil {
		stats.registerErrors.Add(1)
		conn.Close()
		return nil, fmt.Errorf("register %s: %w", bc.username, err)
	}
	return bc, nil
}

// drain counts deliveries until the connection ends.
func (bc *BotClient) drain() {
	for range bc.conn.Deliveries() {
		bc.stats.messagesReceived.Add(1)
	}
}

func (bc *BotClient) refreshPeers(ctx context.Context) {
	list, err := bc.conn.ListUsers(ctx, "")
	if err != nil {
		return
	}
	bc.peers = bc.peers[:0]
	for _, line := range strings.Split(list, "\n") {
		name, _, _ := strings.Cut(line, " ")
		if name != "" && name != bc.username {
			bc.peers = append(bc.peers, name)
		}
	}
}

// Run posts until ctx ends, one message per random delay. Roughly one in
// ten messages is private.
func (bc *BotClient) Run(ctx context.Context, minDelay, maxDelay time.Duration) {
	go bc.drain()
	bc.refreshPeers(ctx)

	for {
		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int63n(int64(maxDelay - minDelay)))
		}
		select {
		case <-ctx.Done():
			return
		case <-bc.conn.Done():
			bc.stats.disconnections.Add(1)
			return
		case <-time.After(delay):
		}

		reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		start := time.Now()
		var err error
		if len(bc.peers) > 0 && rand.Intn(10) == 0 {
			err = bc.conn.SendPrivate(reqCtx, bc.peers[rand.Intn(len(bc.peers))], randomSentence())
			if err == nil {
				bc.stats.privateSent.Add(1)
			}
		} else {
			err = bc.conn.Broadcast(reqCtx, randomSentence())
		}
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			bc.stats.recordFailure(err)
			continue
		}
		bc.stats.recordSuccess(time.Since(start))
	}
}

func (bc *BotClient) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	bc.conn.Disconnect(ctx)
}

func main() {
	serverAddr := flag.String("server", "localhost:6465", "Server address (host:port, ssh:// or ws://)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between posts")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between posts")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	logx.Init(logx.Options{Level: *logLevel})

	// Ramp up over 25% of the test duration
	rampUp := *duration / 4
	staggerDelay := max(rampUp/time.Duration(max(*numClients, 1)), time.Millisecond)

	logx.Info("starting load test",
		"server", *serverAddr,
		"clients", *numClients,
		"duration", duration.String(),
		"stagger", staggerDelay.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	stats := &Stats{}
	startTime := time.Now()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				posted, failed, received, avgUs := stats.snapshot()
				logx.Info("stats",
					"posted", posted,
					"rate", fmt.Sprintf("%.1f/s", float64(posted)/time.Since(startTime).Seconds()),
					"failed", failed,
					"received", received,
					"avg_ms", fmt.Sprintf("%.2f", avgUs/1000),
					"load", getCPULoad(),
					"goroutines", runtime.NumGoroutine(),
				)
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < *numClients; i++ {
		select {
		case <-ctx.Done():
		case <-time.After(staggerDelay):
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
			bot, err := NewBotClient(dialCtx, id, *serverAddr, stats)
			dialCancel()
			if err != nil {
				logx.Warn("bot failed to start", "bot", id, "error", err.Error())
				return
			}
			stats.successfulClients.Add(1)
			defer bot.Close()

			bot.Run(ctx, *minDelay, *maxDelay)
		}(i)
	}

	wg.Wait()

	posted, failed, received, avgUs := stats.snapshot()
	elapsed := time.Since(startTime)
	fmt.Println()
	fmt.Println("=== Load test results ===")
	fmt.Printf("Duration:        %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("Clients started: %d / %d\n", stats.successfulClients.Load(), *numClients)
	fmt.Printf("Connect errors:  %d\n", stats.connectionErrors.Load())
	fmt.Printf("Register errors: %d\n", stats.registerErrors.Load())
	fmt.Printf("Messages posted: %d (%.1f/s, %d private)\n", posted, float64(posted)/elapsed.Seconds(), stats.privateSent.Load())
	fmt.Printf("Messages failed: %d (%d rate limited)\n", failed, stats.rateLimited.Load())
	fmt.Printf("Messages recv'd: %d\n", received)
	fmt.Printf("Disconnections:  %d\n", stats.disconnections.Load())
	fmt.Printf("Avg response:    %.2fms\n", avgUs/1000)
}
