package app

import (
	"context"
	"net/http"
	"time"

	"roomrelay/cmd/internal/realtime"
)

const readyTimeout = 2 * time.Second

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	backends *Backends,
	ws *realtime.WSGateway,
	api *realtime.APIHandler,
	metrics http.Handler,
) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		if err := backends.Ready(ctx, cfg.ReadinessRequireDB); err != nil {
			log.Info("readyz.not_ready", "err", err, "store", backends.StoreKind, "broker", backends.BrokerKind)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	apiMux := http.NewServeMux()
	api.Register(apiMux)
	mux.Handle("/api/", WithCORS(apiMux, cfg, log))

	mux.HandleFunc("/ws", ws.HandleWS)
}
