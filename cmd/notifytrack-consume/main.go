package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/agentworkforce/notifytrack/internal/consumer"
	"github.com/agentworkforce/notifytrack/internal/history"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("notifytrack-consume", pflag.ContinueOnError)
	baseURL := flags.String("base-url", envOrDefault("NOTIFYTRACK_BASE_URL", "http://127.0.0.1:8080"), "notifytrack base URL")
	token := flags.String("token", strings.TrimSpace(os.Getenv("NOTIFYTRACK_TOKEN")), "bearer token")
	interval := flags.Duration("interval", durationEnv("NOTIFYTRACK_CONSUME_INTERVAL", 5*time.Second), "drain interval")
	intervalJitter := flags.Float64("interval-jitter", floatEnv("NOTIFYTRACK_CONSUME_INTERVAL_JITTER", 0.2), "drain interval jitter ratio (0.0-1.0)")
	timeout := flags.Duration("timeout", durationEnv("NOTIFYTRACK_CONSUME_TIMEOUT", 15*time.Second), "per-cycle timeout")
	once := flags.Bool("once", false, "run one drain cycle and exit")
	stream := flags.Bool("stream", false, "also drain as soon as the change stream signals pending changes")
	if err := flags.Parse(args); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if strings.TrimSpace(*token) == "" {
		return fmt.Errorf("token is required (--token or NOTIFYTRACK_TOKEN)")
	}
	if *interval <= 0 {
		*interval = 5 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	client := consumer.NewClient(*baseURL, *token, &http.Client{Timeout: *timeout})
	drainer, err := consumer.NewDrainer(client, consumer.Options{
		Handler: logChanges(logger),
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("initialize drainer: %w", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cycle := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		result, err := drainer.DrainOnce(ctx)
		if err != nil {
			logger.Warn("drain cycle failed", "err", err)
			return
		}
		logger.Debug("drain cycle completed", "changes", result.Changes, "tracking_lost", result.TrackingLost)
	}

	cycle()
	if *once {
		return nil
	}

	wake := make(chan struct{}, 1)
	if *stream {
		go subscribeLoop(rootCtx, client, logger, wake)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			logger.Info("consumer stopping", "reason", rootCtx.Err())
			return nil
		case <-wake:
			cycle()
		case <-timer.C:
			cycle()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

// subscribeLoop keeps the change stream open, reconnecting after failures,
// and turns every signal into a non-blocking wake.
func subscribeLoop(ctx context.Context, client *consumer.Client, logger *slog.Logger, wake chan<- struct{}) {
	backoff := time.Second
	for ctx.Err() == nil {
		err := client.Subscribe(ctx, func(msg consumer.StreamMessage) {
			backoff = time.Second
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		if ctx.Err() != nil {
			return
		}
		logger.Warn("change stream disconnected", "err", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func logChanges(logger *slog.Logger) consumer.Handler {
	return func(_ context.Context, changes []history.Change) error {
		for _, change := range changes {
			logger.Info("notification change",
				"type", change.Type.String(),
				"tag", change.Tag,
				"group", change.Group,
				"cause", change.Cause.String(),
				"date_added", change.DateAdded,
				"date_removed", change.DateRemoved,
			)
		}
		return nil
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid float, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
