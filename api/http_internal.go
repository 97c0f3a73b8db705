package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pixelmill/transcode-api/config"
	"github.com/pixelmill/transcode-api/log"
	"github.com/pixelmill/transcode-api/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ListenAndServeInternal runs the operational surface (metrics) on its own
// address so it never shares a port with user traffic.
func ListenAndServeInternal(ctx context.Context, addr string) error {
	router := NewTranscodeAPIRouterInternal()
	server := http.Server{Addr: addr, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoRequestID(
		"Starting Transcode API internal server!",
		"version", config.Version,
		"host", addr,
	)

	var err error
	go func() {
		err = server.ListenAndServe()
		cancel()
	}()

	<-ctx.Done()
	if err != nil {
		return err
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func NewTranscodeAPIRouterInternal() *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest()

	router.Handler("GET", "/metrics", promhttp.Handler())
	router.GET("/ok", withLogging(func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
	}))

	return router
}
