package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-stream/internal/geo"
	"github.com/example/ride-stream/internal/logging"
	"github.com/example/ride-stream/internal/models"
	"github.com/example/ride-stream/internal/protocol"
	"github.com/example/ride-stream/internal/roster"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver location envelopes consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid envelopes received",
	})
	rosterUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_roster_updates_total",
		Help: "Total successful roster updates",
	})
	rosterErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_roster_errors_total",
		Help: "Total roster update errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, rosterUpdates, rosterErrors)
}

func main() {
	// allow some flags for local runs
	var metricsAddr string
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.Parse()

	logger := logging.NewLogger("consumer", os.Getenv("LOG_LEVEL"))

	brokersEnv := os.Getenv("KAFKA_BROKERS")
	if brokersEnv == "" {
		brokersEnv = os.Getenv("KAFKA_BROKER")
	}
	brokers := []string{}
	if brokersEnv != "" {
		for _, b := range strings.Split(brokersEnv, ",") {
			if s := strings.TrimSpace(b); s != "" {
				brokers = append(brokers, s)
			}
		}
	} else {
		brokers = []string{"localhost:9092"}
	}

	topic := os.Getenv("KAFKA_TOPIC")
	if topic == "" {
		topic = "driver-locations"
	}
	group := os.Getenv("KAFKA_GROUP")
	if group == "" {
		group = "ride-stream-consumer"
	}
	geoKey := os.Getenv("REDIS_GEO_KEY")
	if geoKey == "" {
		geoKey = "drivers_geo"
	}

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rc := redis.NewClient(&redis.Options{Addr: redisAddr})
	ros := roster.NewRedisWithClient(rc, geoKey)

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			// readiness: check redis connectivity
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", topic, "brokers", brokers, "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()

		drivers, err := decodeLocationMessage(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "error", err)
			continue
		}

		for i := range drivers {
			d := drivers[i]
			if err := updateRosterWithRetry(ctx, ros, &d, 3, 200*time.Millisecond); err != nil {
				rosterErrors.Inc()
				logger.Error("roster update failed", "driver_id", d.ID, "error", err)
				continue
			}
			rosterUpdates.Inc()
		}
	}
}

// decodeLocationMessage validates the frame as a location envelope and
// returns the driver records it carries. Geohashes are recomputed here so
// the roster never trusts a stale or mismatched self-report.
func decodeLocationMessage(frame []byte) ([]models.Driver, error) {
	env, err := protocol.Parse(frame)
	if err != nil {
		return nil, err
	}
	if env.Type != protocol.DriverCmdLocation {
		return nil, &protocol.Error{Reason: "unexpected event on location topic", RawType: env.Type}
	}
	drivers, err := protocol.DecodeRoster(env)
	if err != nil {
		return nil, err
	}
	for i := range drivers {
		hash, err := geo.Encode(drivers[i].Location, geo.DriverPrecision)
		if err != nil {
			return nil, err
		}
		drivers[i].Geohash = hash
	}
	return drivers, nil
}

// RosterUpdater defines the small subset of roster operations we need for
// tests and production.
type RosterUpdater interface {
	Upsert(ctx context.Context, d models.Driver) error
}

// updateRosterWithRetry updates the roster with retry/backoff.
func updateRosterWithRetry(ctx context.Context, ros RosterUpdater, d *models.Driver, attempts int, delay time.Duration) error {
	var last error
	for i := 0; i < attempts; i++ {
		if err := ros.Upsert(ctx, *d); err != nil {
			last = err
			if i == attempts-1 {
				return err
			}
			time.Sleep(delay)
			delay *= 2
			continue
		}
		return nil
	}
	return last
}
