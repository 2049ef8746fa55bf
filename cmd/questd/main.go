// Command questd runs the durable pipeline service: the HTTP boundary, the
// orchestrator and its executor, and the Mongo/Redis-backed stores.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"goa.design/quest/api"
	ilogmongo "goa.design/quest/features/interactionlog/mongo"
	anthropicmodel "goa.design/quest/features/model/anthropic"
	bedrockmodel "goa.design/quest/features/model/bedrock"
	openaimodel "goa.design/quest/features/model/openai"
	repoanalyzer "goa.design/quest/features/repo/analyzer"
	retrievalmongo "goa.design/quest/features/retrieval/mongo"
	runmongo "goa.design/quest/features/run/mongo"
	runmongoc "goa.design/quest/features/run/mongo/clients/mongo"
	statusredis "goa.design/quest/features/status/redis"
	streampulse "goa.design/quest/features/stream/pulse"
	pulseclient "goa.design/quest/features/stream/pulse/clients/pulse"
	"goa.design/quest/runtime/genai"
	"goa.design/quest/runtime/genai/middleware"
	"goa.design/quest/runtime/pipeline/orchestrator"
	"goa.design/quest/runtime/retrieval"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML configuration file")
		httpF   = flag.String("http-addr", "", "HTTP listen address (overrides config)")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := LoadConfig(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	if *httpF != "" {
		cfg.HTTP.Addr = *httpF
	}

	// Storage connections.
	mctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	mongoClient, err := mongodriver.Connect(mctx, mongooptions.Client().ApplyURI(cfg.Mongo.URI))
	cancel()
	if err != nil {
		log.Fatalf(ctx, err, "connect to mongo at %s", cfg.Mongo.URI)
	}
	defer func() {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			log.Errorf(ctx, err, "disconnect mongo")
		}
	}()
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// Run store.
	runClient, err := runmongoc.New(runmongoc.Options{
		Client:   mongoClient,
		Database: cfg.Mongo.Database,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build run store client")
	}
	runStore, err := runmongo.NewStore(runClient)
	if err != nil {
		log.Fatalf(ctx, err, "build run store")
	}

	// Status store.
	statusKV, err := statusredis.New(statusredis.Options{Client: redisClient})
	if err != nil {
		log.Fatalf(ctx, err, "build status store")
	}

	// Stream transport.
	pulseC, err := pulseclient.New(pulseclient.Options{Redis: redisClient})
	if err != nil {
		log.Fatalf(ctx, err, "build pulse client")
	}
	sink, err := streampulse.NewSink(streampulse.SinkOptions{Client: pulseC})
	if err != nil {
		log.Fatalf(ctx, err, "build stream sink")
	}
	subscriber, err := streampulse.NewSubscriber(streampulse.SubscriberOptions{Client: pulseC})
	if err != nil {
		log.Fatalf(ctx, err, "build stream subscriber")
	}

	// Model providers.
	oc := openaisdk.NewClient(option.WithAPIKey(os.Getenv(envOpenAIKey)))
	openaiClient, err := openaimodel.New(openaimodel.Options{
		Chat:           &oc.Chat.Completions,
		Embeddings:     &oc.Embeddings,
		Model:          cfg.Models.StructurerModel,
		EmbeddingModel: cfg.Models.EmbeddingModel,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build openai client")
	}
	reasoner, reasonerName, err := buildReasoner(ctx, cfg.Models)
	if err != nil {
		log.Fatalf(ctx, err, "build reasoning client")
	}
	structurer := genai.Structurer(openaiClient)
	if cfg.Models.RPM > 0 {
		limiter := middleware.NewLimiter(cfg.Models.RPM)
		reasoner = limiter.Reasoner(reasoner)
		structurer = limiter.Structurer(structurer)
	}

	// Interaction log.
	ilog, err := ilogmongo.New(ilogmongo.Options{
		Client:   mongoClient,
		Database: cfg.Mongo.Database,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build interaction log")
	}

	gen, err := genai.New(genai.Options{
		Reasoner:       reasoner,
		Structurer:     structurer,
		Log:            ilog,
		ReasonerName:   reasonerName,
		StructurerName: "openai",
	})
	if err != nil {
		log.Fatalf(ctx, err, "build generator")
	}

	// Retrieval.
	retrievalStore, err := retrievalmongo.New(retrievalmongo.Options{
		Client:          mongoClient,
		Database:        cfg.Mongo.Database,
		Collection:      cfg.Retrieval.Collection,
		VectorIndexName: cfg.Retrieval.VectorIndexName,
		Embedder:        openaiClient,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build retrieval store")
	}
	retriever, err := retrieval.New(retrievalStore, retrievalStore)
	if err != nil {
		log.Fatalf(ctx, err, "build retriever")
	}

	// Ingest collaborator, when configured.
	pingers := []health.Pinger{runClient, statusKV, retrievalStore, ilog}
	orcOpts := orchestrator.Options{
		Store:       runStore,
		StatusKV:    statusKV,
		Sink:        sink,
		Generator:   gen,
		Retriever:   retriever,
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		BackoffBase: cfg.Pipeline.BackoffBase,
	}
	if cfg.Repo.BaseURL != "" {
		repo, err := repoanalyzer.New(repoanalyzer.Options{BaseURL: cfg.Repo.BaseURL})
		if err != nil {
			log.Fatalf(ctx, err, "build repo analyzer client")
		}
		orcOpts.Repo = repo
		orcOpts.Embedder = openaiClient
		orcOpts.Indexer = retrievalStore
		pingers = append(pingers, repo)
	}

	orc, err := orchestrator.New(orcOpts)
	if err != nil {
		log.Fatalf(ctx, err, "build orchestrator")
	}

	_, handler, err := api.New(api.Options{
		Orchestrator: orc,
		Subscriber:   subscriber,
		Pingers:      pingers,
		Debug:        *dbgF,
	})
	if err != nil {
		log.Fatalf(ctx, err, "build http service")
	}
	handler = log.HTTP(ctx)(handler)

	// Signal handling and server lifecycle.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}
	go func() {
		log.Printf(ctx, "HTTP server listening on %q", cfg.HTTP.Addr)
		errc <- srv.ListenAndServe()
	}()

	log.Printf(ctx, "exiting (%v)", <-errc)

	// Stop accepting requests, then let in-flight runs finish.
	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Errorf(ctx, err, "shutdown http server")
	}
	if err := orc.Drain(sctx); err != nil {
		log.Errorf(ctx, err, "drain pipeline runs")
	}
	if err := sink.Close(context.Background()); err != nil {
		log.Errorf(ctx, err, "close stream sink")
	}
	log.Printf(ctx, "exited")
}

// buildReasoner selects the reasoning provider from configuration.
func buildReasoner(ctx context.Context, cfg ModelsConfig) (genai.Reasoner, string, error) {
	switch cfg.Provider {
	case "bedrock":
		opts := []func(*awsconfig.LoadOptions) error{}
		if cfg.BedrockRegion != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.BedrockRegion))
		}
		awscfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, "", fmt.Errorf("load aws config: %w", err)
		}
		client, err := bedrockmodel.New(bedrockruntime.NewFromConfig(awscfg), bedrockmodel.Options{
			ModelID: cfg.ReasonerModel,
		})
		if err != nil {
			return nil, "", err
		}
		return client, "bedrock", nil
	default:
		client, err := anthropicmodel.NewFromAPIKey(os.Getenv(envAnthropicKey), cfg.ReasonerModel)
		if err != nil {
			return nil, "", err
		}
		return client, "anthropic", nil
	}
}
