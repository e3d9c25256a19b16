// Package ragsvc provides the RAG query service server implementation.
package ragsvc

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kart-io/ragcore/internal/ragcore/biz"
	"github.com/kart-io/ragcore/internal/ragcore/handler"
	"github.com/kart-io/ragcore/internal/ragcore/metrics"
	"github.com/kart-io/ragcore/internal/ragcore/router"
	"github.com/kart-io/ragcore/internal/ragcore/store"
	"github.com/kart-io/ragcore/pkg/component/milvus"
	"github.com/kart-io/ragcore/pkg/infra/app"
	"github.com/kart-io/ragcore/pkg/infra/pool"
	"github.com/kart-io/ragcore/pkg/llm"
	"github.com/kart-io/ragcore/pkg/llm/failover"
	"github.com/kart-io/ragcore/pkg/llm/resilience"
	cacheopts "github.com/kart-io/ragcore/pkg/options/cache"
	convopts "github.com/kart-io/ragcore/pkg/options/conversation"
	llmopts "github.com/kart-io/ragcore/pkg/options/llm"
	logopts "github.com/kart-io/ragcore/pkg/options/logger"
	milvusopts "github.com/kart-io/ragcore/pkg/options/milvus"
	ragopts "github.com/kart-io/ragcore/pkg/options/rag"
	redisopts "github.com/kart-io/ragcore/pkg/options/redis"
	httpopts "github.com/kart-io/ragcore/pkg/options/server/http"

	// 导入 LLM 供应商以自动注册
	_ "github.com/kart-io/ragcore/pkg/llm/ollama"
	_ "github.com/kart-io/ragcore/pkg/llm/openai"
)

// Name is the name of the application.
const Name = "ragcore"

// Config contains application-related configurations.
type Config struct {
	HTTPOptions         *httpopts.Options
	LogOptions          *logopts.Options
	MilvusOptions       *milvusopts.Options
	EmbeddingOptions    *llmopts.ProviderOptions
	ChatOptions         *llmopts.ProviderOptions
	ChatFallbackOptions *llmopts.ProviderOptions
	RAGOptions          *ragopts.Options
	CacheOptions        *cacheopts.Options
	ConversationOptions *convopts.Options
	ShutdownTimeout     time.Duration
}

// Server represents the RAG query server.
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
	closers         []func()
}

// NewServer initializes and returns a new Server instance.
func (cfg *Config) NewServer(ctx context.Context) (*Server, error) {
	// 1. 初始化日志
	cfg.LogOptions.AddInitialField("service.name", Name)
	cfg.LogOptions.AddInitialField("service.version", app.GetVersion())
	if err := cfg.LogOptions.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Info("Starting RAG query service...")

	var closers []func()

	// 2. 初始化协程池
	if err := pool.InitGlobalWithConfig(pool.DefaultGlobalConfig()); err != nil {
		return nil, fmt.Errorf("failed to initialize worker pools: %w", err)
	}
	closers = append(closers, func() { _ = pool.CloseGlobalTimeout(10 * time.Second) })
	indexingPool, err := pool.GetByType(pool.IndexingPool)
	if err != nil {
		return nil, fmt.Errorf("indexing pool not registered: %w", err)
	}

	// 3. 初始化 Milvus 客户端与向量索引
	milvusClient, err := milvus.New(cfg.MilvusOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize milvus: %w", err)
	}
	closers = append(closers, func() { _ = milvusClient.Close(context.Background()) })

	vectorIndex := store.NewMilvusIndex(milvusClient, cfg.RAGOptions.Collection, cfg.RAGOptions.EmbeddingDim)
	if err := vectorIndex.EnsureReady(ctx); err != nil {
		return nil, fmt.Errorf("failed to prepare vector index: %w", err)
	}
	logger.Infow("Vector index ready",
		"collection", cfg.RAGOptions.Collection,
		"dimension", cfg.RAGOptions.EmbeddingDim,
	)

	// 4. 初始化 Redis（会话存储）
	convRedis := newRedisClient(cfg.ConversationOptions.Redis)
	if err := convRedis.Ping(ctx).Err(); err != nil {
		_ = convRedis.Close()
		return nil, fmt.Errorf("failed to connect to conversation redis: %w", err)
	}
	closers = append(closers, func() { _ = convRedis.Close() })
	conversationStore := store.NewRedisConversationStore(convRedis, &store.ConversationConfig{
		MaxHistory: cfg.ConversationOptions.MaxHistory,
		TTL:        cfg.ConversationOptions.TTL,
		KeyPrefix:  "ragcore:conv:",
	})
	logger.Infow("Conversation store initialized",
		"max_history", cfg.ConversationOptions.MaxHistory,
		"ttl", cfg.ConversationOptions.TTL,
	)

	// 5. 初始化 Redis（查询缓存，连接失败时停用缓存）
	var cacheRedis *goredis.Client
	var queryCache *biz.QueryCache
	if cfg.CacheOptions.Enabled {
		cacheRedis = newRedisClient(cfg.CacheOptions.Redis)
		if err := cacheRedis.Ping(ctx).Err(); err != nil {
			logger.Warnw("failed to connect to cache redis, query cache disabled", "error", err.Error())
			_ = cacheRedis.Close()
			cacheRedis = nil
		} else {
			closers = append(closers, func() { _ = cacheRedis.Close() })
			queryCache = biz.NewQueryCache(cacheRedis, &biz.QueryCacheConfig{
				Enabled:   true,
				TTL:       cfg.CacheOptions.TTL,
				KeyPrefix: cfg.CacheOptions.KeyPrefix,
			})
			logger.Infow("Query cache initialized", "ttl", cfg.CacheOptions.TTL)
		}
	} else {
		logger.Info("Query cache is disabled")
	}

	// 6. 初始化 Embedding 供应商（重试熔断 + 可选缓存）
	embedder, err := cfg.newEmbeddingProvider(cacheRedis)
	if err != nil {
		return nil, err
	}

	// 7. 初始化 Chat 供应商与 failover 适配器
	adapter, err := cfg.newGenerationAdapter()
	if err != nil {
		return nil, err
	}

	// 8. 初始化 Biz 层
	queryMetrics := metrics.GetQueryMetrics()

	optimizer := biz.NewQueryOptimizer(&biz.QueryOptimizerConfig{
		MinLength: cfg.RAGOptions.MinQueryLength,
		MaxLength: cfg.RAGOptions.MaxQueryLength,
	})
	retriever := biz.NewRetriever(embedder, vectorIndex, &biz.RetrieverConfig{
		TopK: cfg.RAGOptions.TopK,
	})
	assembler := biz.NewAssembler(&biz.AssemblerConfig{
		RelevanceThreshold: cfg.RAGOptions.Assembler.RelevanceThreshold,
		MaxTokens:          cfg.RAGOptions.Assembler.MaxTokens,
		CharsPerToken:      cfg.RAGOptions.Assembler.CharsPerToken,
		Separator:          cfg.RAGOptions.Assembler.Separator,
		IncludeMetadata:    cfg.RAGOptions.Assembler.IncludeMetadata,
	})
	conversations := biz.NewConversationManager(conversationStore, &biz.ConversationManagerConfig{
		ContextWindow:  cfg.ConversationOptions.ContextWindow,
		MaxAnswerChars: 200,
	})

	orchestrator := biz.NewOrchestrator(optimizer, retriever, assembler, conversations, adapter,
		&biz.OrchestratorConfig{
			SystemPrompt: cfg.RAGOptions.SystemPrompt,
			Params: llm.GenerateParams{
				Temperature: 0.7,
				MaxTokens:   1024,
			},
		})
	orchestrator.StateObserver = queryMetrics.ObserveState
	orchestrator.PersistObserver = func(error) { queryMetrics.RecordPersistFailure() }
	orchestrator.RetrievalObserver = queryMetrics.RecordRetrieval
	orchestrator.GenerationObserver = queryMetrics.RecordGeneration

	indexer := biz.NewIndexer(embedder, vectorIndex, indexingPool)
	service := biz.NewService(orchestrator, indexer, conversations, queryCache, vectorIndex)
	logger.Info("RAG query service initialized")

	// 9. 初始化 Handler 层与路由
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	router.Register(engine, handler.NewRAGHandler(service, queryMetrics))

	httpServer := &http.Server{
		Addr:         cfg.HTTPOptions.Addr,
		Handler:      engine,
		ReadTimeout:  cfg.HTTPOptions.ReadTimeout,
		WriteTimeout: cfg.HTTPOptions.WriteTimeout,
		IdleTimeout:  cfg.HTTPOptions.IdleTimeout,
	}

	logger.Info("RAG query service is ready")
	return &Server{
		httpServer:      httpServer,
		shutdownTimeout: cfg.ShutdownTimeout,
		closers:         closers,
	}, nil
}

// newEmbeddingProvider 构建带重试熔断的 Embedding 供应商。
// cacheRedis 非 nil 时叠加 Embedding 缓存。
func (cfg *Config) newEmbeddingProvider(cacheRedis *goredis.Client) (llm.EmbeddingProvider, error) {
	provider, err := llm.NewEmbeddingProvider(cfg.EmbeddingOptions.Provider, cfg.EmbeddingOptions.ToConfigMap())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding provider: %w", err)
	}

	var embedder llm.EmbeddingProvider = resilience.NewResilientEmbeddingProvider(provider, nil, nil)
	if cacheRedis != nil {
		embedder = llm.NewCachedEmbeddingProvider(embedder, cacheRedis, nil)
	}

	logger.Infow("Embedding provider initialized",
		"provider", cfg.EmbeddingOptions.Provider,
		"model", cfg.EmbeddingOptions.Model,
		"cached", cacheRedis != nil,
	)
	return embedder, nil
}

// newGenerationAdapter 构建主备 Chat 供应商之上的 failover 适配器。
// 备用供应商未配置时只用主供应商，不做 failover。
func (cfg *Config) newGenerationAdapter() (*failover.Adapter, error) {
	primary, err := llm.NewChatProvider(cfg.ChatOptions.Provider, cfg.ChatOptions.ToConfigMap())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chat provider: %w", err)
	}

	var secondary llm.ChatProvider
	if cfg.ChatFallbackOptions != nil && cfg.ChatFallbackOptions.Provider != "" {
		fallback, err := llm.NewChatProvider(cfg.ChatFallbackOptions.Provider, cfg.ChatFallbackOptions.ToConfigMap())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize fallback chat provider: %w", err)
		}
		secondary = resilience.NewResilientChatProvider(fallback, nil, nil)
	}

	logger.Infow("Chat providers initialized",
		"primary", cfg.ChatOptions.Provider,
		"primary_model", cfg.ChatOptions.Model,
		"failover", secondary != nil,
	)
	failoverCfg := failover.DefaultConfig()
	failoverCfg.OnFailover = metrics.GetQueryMetrics().RecordFailover
	return failover.New(resilience.NewResilientChatProvider(primary, nil, nil), secondary, failoverCfg), nil
}

func newRedisClient(opts *redisopts.Options) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:         opts.Addr(),
		Password:     opts.Password,
		DB:           opts.Database,
		MaxRetries:   opts.MaxRetries,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		PoolTimeout:  opts.PoolTimeout,
	})
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails. Shutdown drains in-flight requests within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	defer func() {
		for i := len(s.closers) - 1; i >= 0; i-- {
			s.closers[i]()
		}
	}()

	errC := make(chan error, 1)
	go func() {
		logger.Infow("HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errC <- err
		}
	}()

	select {
	case err := <-errC:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down RAG query service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	logger.Info("RAG query service stopped")
	return nil
}
