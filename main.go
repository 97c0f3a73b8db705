package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/peterbourgon/ff/v3"
	"github.com/pixelmill/transcode-api/api"
	"github.com/pixelmill/transcode-api/clients"
	"github.com/pixelmill/transcode-api/config"
	"github.com/pixelmill/transcode-api/encoder"
	"github.com/pixelmill/transcode-api/jobstore"
	"github.com/pixelmill/transcode-api/log"
	"github.com/pixelmill/transcode-api/pprof"
	"github.com/pixelmill/transcode-api/queue"
	"github.com/pixelmill/transcode-api/worker"
	"golang.org/x/sync/errgroup"
)

const defaultMaxSourceBytes = 5 << 30 // 5 GiB

func main() {
	fs := flag.NewFlagSet("transcode-api", flag.ExitOnError)
	cli := config.Cli{}

	version := fs.Bool("version", false, "print application version")

	// listen addresses
	config.AddrFlag(fs, &cli.HTTPAddress, "http-addr", "0.0.0.0:8989", "Address to bind for external-facing HTTP handling")
	config.AddrFlag(fs, &cli.HTTPInternalAddress, "http-internal-addr", "127.0.0.1:7979", "Address to bind for the internal metrics server")
	fs.IntVar(&cli.PprofPort, "pprof-port", 6061, "Pprof listen port")
	config.URLVarFlag(fs, &cli.APIBaseURL, "api-base-url", "http://localhost:8989", "Public base URL used in status and playback URLs")

	// object store
	fs.StringVar(&cli.OSEndpoint, "os-endpoint", "", "Object store endpoint URL (empty for AWS default)")
	fs.StringVar(&cli.OSRegion, "os-region", "us-east-1", "Object store region")
	fs.StringVar(&cli.OSAccessKeyID, "os-access-key-id", "", "Object store access key id")
	fs.StringVar(&cli.OSSecretAccessKey, "os-secret-access-key", "", "Object store secret access key")
	fs.StringVar(&cli.OSBucket, "os-bucket", "", "Object store bucket holding sources and HLS outputs")
	fs.BoolVar(&cli.OSForcePathStyle, "os-force-path-style", false, "Use path-style object store addressing (MinIO and friends)")

	// queue and job store
	fs.StringVar(&cli.RedisURL, "redis-url", "", "Redis connection URL for the transcode queues")
	fs.StringVar(&cli.DatabaseURL, "database-url", "", "Postgres connection URL for the job store")

	// workers
	fs.IntVar(&cli.FastConcurrency, "fast-concurrency", 1, "Concurrency of the fast transcode lane")
	fs.IntVar(&cli.BackgroundConcurrency, "background-concurrency", 1, "Concurrency of the background transcode lane")
	fs.StringVar(&cli.TempDir, "temp-dir", os.TempDir(), "Root directory for per-job scratch space")
	hostname, _ := os.Hostname()
	fs.StringVar(&cli.NodeName, "node", hostname, "Name of this node, used in queue lock ownership")

	// webhook
	fs.StringVar(&cli.WebhookURL, "webhook-url", "", "URL notified when a transcode stage completes (optional)")
	fs.StringVar(&cli.WebhookSecret, "webhook-secret", "", "Shared secret sent with webhook notifications")

	fs.Int64Var(&cli.MaxSourceBytes, "max-source-bytes", defaultMaxSourceBytes, "Upload size cap in bytes")

	_ = fs.String("config", "", "config file (optional)")

	err := ff.Parse(fs, os.Args[1:],
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		ff.WithEnvVarPrefix("TRANSCODE_API"),
	)
	if err != nil {
		fatal("error parsing cli", err)
	}
	if len(fs.Args()) > 0 {
		fatal("unexpected extra arguments on command line", fmt.Errorf("%v", fs.Args()))
	}

	if *version {
		fmt.Printf("transcode-api version: %s\n", config.Version)
		return
	}

	if err := cli.Validate(); err != nil {
		fatal("invalid configuration", err)
	}

	go func() {
		log.LogNoRequestID("pprof listener stopped", "err", pprof.ListenAndServe(cli.PprofPort))
	}()

	db, err := sql.Open("postgres", cli.DatabaseURL)
	if err != nil {
		fatal("error opening job store connection", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := jobstore.NewPostgresStore(db)
	if err := store.Migrate(); err != nil {
		fatal("error migrating job store", err)
	}

	redisClient, err := queue.NewClient(cli.RedisURL)
	if err != nil {
		fatal("error connecting to queue backend", err)
	}

	fastCfg := queue.FastConfig()
	fastCfg.Concurrency = cli.FastConcurrency
	backgroundCfg := queue.BackgroundConfig()
	backgroundCfg.Concurrency = cli.BackgroundConcurrency

	fastQueue := queue.New(redisClient, fastCfg)
	backgroundQueue := queue.New(redisClient, backgroundCfg)
	scheduler := queue.NewScheduler(store, fastQueue, backgroundQueue)

	objectStore, err := clients.NewObjectStore(clients.ObjectStoreConfig{
		Endpoint:        cli.OSEndpoint,
		Region:          cli.OSRegion,
		AccessKeyID:     cli.OSAccessKeyID,
		SecretAccessKey: cli.OSSecretAccessKey,
		Bucket:          cli.OSBucket,
		ForcePathStyle:  cli.OSForcePathStyle,
	})
	if err != nil {
		fatal("error creating object store client", err)
	}

	webhook := clients.NewWebhookClient(cli.WebhookURL, cli.WebhookSecret)

	workerCfg := worker.Config{
		APIBase:           cli.APIBase() + "/api/upload",
		TempRoot:          cli.TempDir,
		NodeName:          cli.NodeName,
		BackgroundThreads: 2,
	}
	fastWorker := worker.New(fastQueue, scheduler, store, objectStore, encoder.FFmpeg{}, webhook, workerCfg)
	backgroundWorker := worker.New(backgroundQueue, scheduler, store, objectStore, encoder.FFmpeg{}, webhook, workerCfg)

	// Cancelling the root context prompts all components to shut down cleanly
	group, ctx := errgroup.WithContext(context.Background())

	group.Go(func() error {
		return handleSignals(ctx)
	})

	group.Go(func() error {
		return api.ListenAndServe(ctx, &cli, store, scheduler, objectStore)
	})

	group.Go(func() error {
		return api.ListenAndServeInternal(ctx, cli.HTTPInternalAddress)
	})

	group.Go(func() error {
		return scheduler.Run(ctx)
	})

	group.Go(func() error {
		return fastWorker.Run(ctx)
	})

	group.Go(func() error {
		return backgroundWorker.Run(ctx)
	})

	err = group.Wait()
	log.LogNoRequestID("Shutdown complete", "reason", err)
}

func handleSignals(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	for {
		select {
		case s := <-c:
			log.LogNoRequestID("caught signal, attempting clean shutdown", "signal", s.String())
			return fmt.Errorf("caught signal=%v", s)
		case <-ctx.Done():
			return nil
		}
	}
}

func fatal(message string, err error) {
	log.LogNoRequestID(message, "err", err)
	os.Exit(1)
}
