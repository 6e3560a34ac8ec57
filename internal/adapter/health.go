package adapter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/querygate/querygate/internal/config"
)

// healthLoop pings the backend on a fixed interval, reports every probe
// outcome, and reports failures so the owning adapter can mark itself
// disconnected.
type healthLoop struct {
	kind     config.Kind
	interval time.Duration
	ping     func(ctx context.Context) error
	onProbe  func(healthy bool)
	onFail   func(err error)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func startHealthLoop(kind config.Kind, ping func(ctx context.Context) error, onProbe func(healthy bool), onFail func(err error)) *healthLoop {
	h := &healthLoop{
		kind:     kind,
		interval: healthInterval,
		ping:     ping,
		onProbe:  onProbe,
		onFail:   onFail,
		stopCh:   make(chan struct{}),
	}
	h.wg.Add(1)
	go h.run()
	return h
}

// healthProbe narrows the optional Settings callback to one kind.
func healthProbe(s Settings, kind config.Kind) func(healthy bool) {
	if s.HealthProbe == nil {
		return nil
	}
	return func(healthy bool) { s.HealthProbe(kind, healthy) }
}

func (h *healthLoop) run() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := h.ping(ctx)
			cancel()
			if h.onProbe != nil {
				h.onProbe(err == nil)
			}
			if err != nil {
				slog.Warn("adapter health check failed",
					"kind", h.kind,
					"error", err)
				h.onFail(err)
				return
			}
		case <-h.stopCh:
			return
		}
	}
}

func (h *healthLoop) stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	h.wg.Wait()
}
