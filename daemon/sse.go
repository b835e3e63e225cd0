package daemon

import (
	"fmt"
	"net/http"
	"time"

	"mcpr.dev/daemon/events"
	"mcpr.dev/internal/jsonrpc"
)

const heartbeatInterval = 15 * time.Second

// handleStream serves the event hub over server-sent events. Delivery is
// best-effort: a subscriber that lags behind the hub is told how many
// events it missed and then keeps receiving newer ones.
func (d *Daemon) handleStream(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ctx := req.Context()
	sub := d.Hub.Subscribe()
	defer sub.Close()

	type delivery struct {
		ev      events.Event
		skipped uint64
	}
	ch := make(chan delivery)
	go func() {
		defer close(ch)
		for {
			ev, skipped, err := sub.Next(ctx)
			if err != nil {
				return
			}
			select {
			case ch <- delivery{ev, skipped}:
			case <-ctx.Done():
				return
			}
		}
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case del, ok := <-ch:
			if !ok {
				return
			}
			if del.skipped > 0 {
				fmt.Fprintf(w, "event: lagged\ndata: {\"skipped\":%d}\n\n", del.skipped)
			}
			payload, err := jsonrpc.Marshal(del.ev.Payload)
			if err != nil {
				d.log.Error().Err(err).Str("event", del.ev.Event).Msg("encode stream event")
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", del.ev.ID, del.ev.Event, payload)
			flusher.Flush()
		}
	}
}
