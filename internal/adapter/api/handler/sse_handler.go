package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/V4T54L/agentlens-ingest/internal/domain"
)

// StatsMessage is one frame of the live stats stream.
type StatsMessage struct {
	domain.WriterStats
	Rate float64 `json:"rate"` // processed events per second over the last interval
}

// StatsBroker samples writer stats on an interval and pushes them to
// connected SSE clients.
type StatsBroker struct {
	logger   *slog.Logger
	source   StatsSource
	interval time.Duration
	clients  map[chan []byte]struct{}
	mu       sync.RWMutex
}

// NewStatsBroker creates a StatsBroker and starts its sampling loop.
func NewStatsBroker(ctx context.Context, source StatsSource, interval time.Duration, logger *slog.Logger) *StatsBroker {
	if interval <= 0 {
		interval = time.Second
	}
	broker := &StatsBroker{
		logger:   logger,
		source:   source,
		interval: interval,
		clients:  make(map[chan []byte]struct{}),
	}
	go broker.run(ctx)
	return broker
}

// ServeHTTP handles new client connections for the SSE stream.
func (b *StatsBroker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	messageChan := make(chan []byte, 1)
	b.addClient(messageChan)
	defer b.removeClient(messageChan)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messageChan:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func (b *StatsBroker) addClient(client chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[client] = struct{}{}
	b.logger.Debug("stats client connected", "clients", len(b.clients))
}

func (b *StatsBroker) removeClient(client chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		close(client)
		b.logger.Debug("stats client disconnected", "clients", len(b.clients))
	}
}

func (b *StatsBroker) clientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *StatsBroker) broadcast(msg []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for client := range b.clients {
		select {
		case client <- msg:
		default:
			// slow client, drop the frame
		}
	}
}

func (b *StatsBroker) run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	last := b.source.Stats()
	lastTimestamp := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			current := b.source.Stats()
			msg := StatsMessage{WriterStats: current}
			if elapsed := now.Sub(lastTimestamp).Seconds(); elapsed > 0 {
				msg.Rate = float64(current.Processed-last.Processed) / elapsed
			}
			last, lastTimestamp = current, now

			jsonData, err := json.Marshal(msg)
			if err != nil {
				b.logger.Error("failed to marshal stats message", "error", err)
				continue
			}
			b.broadcast(jsonData)
		}
	}
}
