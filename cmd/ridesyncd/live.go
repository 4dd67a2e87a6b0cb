package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/schoolpool/ridesync/livechannel"
	"github.com/schoolpool/ridesync/reconcile"
)

// liveManager opens one live channel per subscribed ride and feeds its
// events into the coordinator. Start and Stop line up with the
// coordinator's first-subscribe and teardown hooks.
type liveManager struct {
	endpoint string
	logger   *slog.Logger
	coord    *reconcile.Coordinator

	mu      sync.Mutex
	clients map[string]*livechannel.Client
}

func newLiveManager(endpoint string, logger *slog.Logger) *liveManager {
	return &liveManager{
		endpoint: endpoint,
		logger:   logger,
		clients:  make(map[string]*livechannel.Client),
	}
}

func (m *liveManager) Start(ctx context.Context, rideID string) {
	m.mu.Lock()
	if _, ok := m.clients[rideID]; ok {
		m.mu.Unlock()
		return
	}
	client := livechannel.NewClient(m.endpoint, m.logger)
	m.clients[rideID] = client
	m.mu.Unlock()

	client.Connect(ctx, rideID)
	go m.pump(ctx, rideID, client)
}

func (m *liveManager) Stop(rideID string) {
	m.mu.Lock()
	client, ok := m.clients[rideID]
	delete(m.clients, rideID)
	m.mu.Unlock()
	if ok {
		client.Close()
	}
}

func (m *liveManager) StopAll() {
	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*livechannel.Client)
	m.mu.Unlock()
	for _, client := range clients {
		client.Close()
	}
}

func (m *liveManager) pump(ctx context.Context, rideID string, client *livechannel.Client) {
	for ev := range client.Events() {
		switch {
		case ev.Hint != nil:
			if err := m.coord.Apply(ctx, *ev.Hint); err != nil {
				m.logger.Warn("live hint dropped", "ride_id", rideID, "error", err)
			}
		case ev.Location != nil:
			if ev.Location.Kind == livechannel.KindPickup {
				m.coord.AppendPickupLocation(ev.Location.RideID, ev.Location.Point)
			} else {
				m.coord.AppendRouteLocation(ev.Location.RideID, ev.Location.Point)
			}
		case ev.Err != nil:
			var derr *livechannel.DisconnectedError
			if errors.As(ev.Err, &derr) && derr.Persistent {
				m.logger.Error("live channel abandoned", "ride_id", rideID, "error", ev.Err)
				m.Stop(rideID)
				return
			}
		}
	}
}
