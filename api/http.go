package api

import (
	"context"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pixelmill/transcode-api/config"
	"github.com/pixelmill/transcode-api/handlers"
	"github.com/pixelmill/transcode-api/jobstore"
	"github.com/pixelmill/transcode-api/log"
	"github.com/pixelmill/transcode-api/middleware"
	"github.com/pixelmill/transcode-api/queue"
)

func ListenAndServe(ctx context.Context, cli *config.Cli, store jobstore.Store, scheduler *queue.Scheduler, objectStore handlers.ObjectStore) error {
	router := NewTranscodeAPIRouter(cli, store, scheduler, objectStore)
	server := http.Server{Addr: cli.HTTPAddress, Handler: router}
	ctx, cancel := context.WithCancel(ctx)

	log.LogNoRequestID(
		"Starting Transcode API!",
		"version", config.Version,
		"host", cli.HTTPAddress,
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

func NewTranscodeAPIRouter(cli *config.Cli, store jobstore.Store, scheduler *queue.Scheduler, objectStore handlers.ObjectStore) *httprouter.Router {
	router := httprouter.New()
	withLogging := middleware.LogRequest()
	withCORS := middleware.AllowCORS()

	apiBase := cli.APIBase() + "/api/upload"
	transcodeAPIHandlers := &handlers.TranscodeAPIHandlersCollection{
		Store:          store,
		Scheduler:      scheduler,
		ObjectStore:    objectStore,
		APIBase:        apiBase,
		MaxSourceBytes: cli.MaxSourceBytes,
	}
	hlsHandlers := &handlers.HLSHandlersCollection{
		ObjectStore: objectStore,
		APIBase:     apiBase,
	}

	// Simple endpoint for healthchecks
	router.GET("/ok", withLogging(transcodeAPIHandlers.Ok()))

	// Admission API
	router.POST("/api/upload/v1/upload", withLogging(transcodeAPIHandlers.Upload()))
	router.GET("/api/upload/v1/jobs", withLogging(transcodeAPIHandlers.ListJobs()))
	router.GET("/api/upload/v1/jobs/:jobID/status", withLogging(transcodeAPIHandlers.JobStatus()))
	router.POST("/api/upload/v1/jobs/:jobID/retry", withLogging(transcodeAPIHandlers.RetryJob()))
	router.DELETE("/api/upload/v1/jobs/:jobID", withLogging(transcodeAPIHandlers.DeleteJob()))
	router.GET("/api/upload/v1/queue/stats", withLogging(transcodeAPIHandlers.QueueStats()))

	// HLS playback proxy
	router.GET("/api/upload/hls/:prefix/*file", withLogging(withCORS(hlsHandlers.Handle())))

	return router
}
