// Command simulator moves a fleet of fake drivers around San Francisco and
// reports their positions to the dispatch stack.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var center = models.Coord{Lat: 37.7749, Lon: -122.4194}

const (
	spawnSpread = 0.01
	stepSize    = 0.0005
)

type sink interface {
	Send(ctx context.Context, loc models.DriverLocation) error
}

func main() {
	var (
		mode       = flag.String("mode", "http", "where to report locations: http, kafka or redis")
		drivers    = flag.Int("drivers", 10, "number of simulated drivers")
		interval   = flag.Duration("interval", time.Second, "time between location reports")
		iterations = flag.Int("iterations", 0, "stop after this many rounds (0 runs until interrupted)")
		target     = flag.String("target", "http://localhost:8080", "dispatch API base URL (http mode)")
		redisAddr  = flag.String("redis", "localhost:6379", "redis address (redis mode)")
		geoKey     = flag.String("geo-key", "driver_locations", "redis geo key (redis mode)")
		brokers    = flag.String("brokers", "localhost:9092", "comma separated kafka brokers (kafka mode)")
		topic      = flag.String("topic", "driver-locations", "kafka location topic (kafka mode)")
		register   = flag.Bool("register", true, "mark drivers available before moving them (http mode)")
		logLevel   = flag.String("log-level", "info", "log level")
	)
	flag.Parse()
	logger := logging.NewLogger(*logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := newWalker(driverIDs(*drivers), rand.New(rand.NewSource(time.Now().UnixNano())))

	var out sink
	switch *mode {
	case "http":
		hs := &httpSink{base: strings.TrimRight(*target, "/"), client: &http.Client{Timeout: 5 * time.Second}}
		out = hs
		if *register {
			if err := registerDrivers(ctx, hs, w, logger); err != nil {
				logger.Error("register drivers failed", "error", err)
				os.Exit(1)
			}
		}
	case "kafka":
		kp := ingest.NewKafkaProducer(strings.Split(*brokers, ","), *topic, "")
		defer kp.Close()
		out = kafkaSink{kp}
	case "redis":
		rc := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer rc.Close()
		out = indexSink{geo.NewRedisIndex(rc, *geoKey)}
	default:
		logger.Error("unknown mode", "mode", *mode)
		os.Exit(2)
	}

	logger.Info("simulator started", "mode", *mode, "drivers", *drivers, "interval", interval.String())
	if err := run(ctx, w, out, *interval, *iterations, logger); err != nil {
		logger.Error("simulator stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, w *walker, out sink, interval time.Duration, iterations int, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for round := 0; iterations == 0 || round < iterations; round++ {
		for _, loc := range w.step() {
			if err := out.Send(ctx, loc); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Warn("send location failed", "driver_id", loc.DriverID, "error", err)
			}
		}
		logger.Debug("round sent", "round", round)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// registerDrivers marks every simulated driver available at its spawn
// position. A driver that still holds a ride is left as it is.
func registerDrivers(ctx context.Context, hs *httpSink, w *walker, logger *slog.Logger) error {
	for _, id := range w.ids {
		err := hs.SetAvailable(ctx, id, w.pos[id])
		var se *statusError
		switch {
		case errors.As(err, &se) && se.code == http.StatusConflict:
			logger.Warn("driver has an active ride; availability left unchanged", "driver_id", id)
		case err != nil:
			return fmt.Errorf("driver %s: %w", id, err)
		}
	}
	return nil
}

func driverIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("sim-driver-%d", i+1)
	}
	return ids
}

// walker performs a bounded random walk per driver.
type walker struct {
	rnd *rand.Rand
	ids []string
	pos map[string]models.Coord
}

func newWalker(ids []string, rnd *rand.Rand) *walker {
	w := &walker{rnd: rnd, ids: ids, pos: make(map[string]models.Coord, len(ids))}
	for _, id := range ids {
		w.pos[id] = models.Coord{
			Lat: center.Lat + w.jitter(spawnSpread),
			Lon: center.Lon + w.jitter(spawnSpread),
		}
	}
	return w
}

func (w *walker) jitter(spread float64) float64 { return (w.rnd.Float64()*2 - 1) * spread }

func (w *walker) step() []models.DriverLocation {
	out := make([]models.DriverLocation, 0, len(w.ids))
	for _, id := range w.ids {
		p := w.pos[id]
		p.Lat = clamp(p.Lat+w.jitter(stepSize), -90, 90)
		p.Lon = clamp(p.Lon+w.jitter(stepSize), -180, 180)
		w.pos[id] = p
		out = append(out, models.DriverLocation{DriverID: id, Loc: p})
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

type httpSink struct {
	base   string
	client *http.Client
}

func (h *httpSink) Send(ctx context.Context, loc models.DriverLocation) error {
	return h.do(ctx, http.MethodPost, "/internal/driver/locations", loc, http.StatusNoContent)
}

func (h *httpSink) SetAvailable(ctx context.Context, driverID string, loc models.Coord) error {
	body := map[string]any{"available": true, "location": loc}
	return h.do(ctx, http.MethodPut, "/api/v1/drivers/"+driverID, body, http.StatusOK)
}

type statusError struct {
	method, path string
	code         int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.method, e.path, e.code)
}

func (h *httpSink) do(ctx context.Context, method, path string, body any, want int) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, h.base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return &statusError{method: method, path: path, code: resp.StatusCode}
	}
	return nil
}

type kafkaSink struct{ p *ingest.KafkaProducer }

func (k kafkaSink) Send(ctx context.Context, loc models.DriverLocation) error {
	return k.p.PublishLocation(ctx, loc)
}

type indexSink struct{ idx geo.Index }

func (s indexSink) Send(ctx context.Context, loc models.DriverLocation) error {
	return s.idx.Upsert(ctx, loc.DriverID, loc.Loc)
}
