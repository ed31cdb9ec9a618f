package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/knack-ai/knack/internal/api/handlers"
	mw "github.com/knack-ai/knack/internal/api/middleware"
	"github.com/knack-ai/knack/internal/config"
	"github.com/knack-ai/knack/internal/domain"
	"github.com/knack-ai/knack/internal/service"
	"github.com/knack-ai/knack/internal/tools"
	"go.uber.org/zap"
)

// Deps are the externally constructed collaborators the app wires together.
// DB is optional and only used for health pings; Graph is the store the
// services run on (Postgres-backed or in-memory).
type Deps struct {
	Graph    domain.GraphStore
	DB       *pgxpool.Pool
	LLM      domain.LLMClient
	Embedder domain.EmbeddingClient
	Web      domain.WebClient
	Logger   *zap.Logger
}

// App holds the router and background workers for lifecycle management.
type App struct {
	Router     *chi.Mux
	Scheduler  *service.SchedulerService
	Replicator *service.WMReplicator
	WM         *service.WorkingMemoryService

	startTime time.Time
	metrics   *mw.MetricsCollector
	db        *pgxpool.Pool
}

// NewApp builds the full service graph and the HTTP surface over it.
func NewApp(ctx context.Context, deps Deps) (*App, error) {
	logger := deps.Logger

	ksg := service.NewKSGService(deps.Graph, deps.Embedder, deps.LLM, logger)
	if err := service.SeedPrototypes(ctx, ksg, logger); err != nil {
		return nil, err
	}

	// The registry doubles as tool catalog (plan validation) and invoker
	// (execution). Builtins close over the services, so the registry is
	// created first and populated after the services exist.
	registry := tools.NewRegistry(logger)

	procs := service.NewProcedureService(ksg, deps.Embedder, registry, logger)
	learn := service.NewLearningService(ksg, deps.Embedder, deps.LLM, logger)
	queue := service.NewQueueService(ksg, logger)
	sched := service.NewSchedulerService(ksg, queue, config.SchedulerTick(), logger)
	forms := service.NewFormService(ksg, deps.Embedder, deps.LLM, deps.Web,
		config.FormReuseMinScore(), config.UseFormDetector(), logger)

	var replicator *service.WMReplicator
	if config.AsyncReplication() {
		replicator = service.NewWMReplicator(deps.Graph, 256, logger)
	}
	wm := service.NewWorkingMemoryService(config.WMReinforceDelta(), config.WMMaxWeight(), replicator, logger)

	agent := service.NewAgentService(ksg, procs, learn, wm, deps.LLM, deps.Embedder,
		registry, registry, service.AgentOptions{
			PlanMinConfidence: config.PlanMinConfidence(),
			ReuseThreshold:    config.ReuseThreshold(),
			MaxAdaptAttempts:  config.MaxAdaptAttempts(),
			LLMTimeout:        config.LLMTimeout(),
			ToolTimeout:       config.ToolTimeout(),
			SkipLLMForObvious: config.SkipLLMForObviousIntents(),
		}, logger)

	tools.RegisterBuiltins(registry, tools.Deps{
		Web: deps.Web,
		Remember: func(ctx context.Context, content, kind string) (uuid.UUID, error) {
			proto, err := ksg.GetPrototypeByName(ctx, kind)
			if err != nil {
				proto, err = ksg.GetPrototypeByName(ctx, domain.ProtoNote)
			}
			if err != nil {
				return uuid.Nil, err
			}
			return ksg.CreateConcept(ctx, proto.ID, map[string]any{domain.PropName: content}, nil, nil)
		},
		Recall: func(ctx context.Context, query string, topK int) ([]domain.NodeWithScore, error) {
			return ksg.SearchConcepts(ctx, query, topK, "", 0.1, true)
		},
		Autofill: forms.Autofill,
		Enqueue: func(ctx context.Context, priority int, notBefore time.Time, payload map[string]any) (uuid.UUID, error) {
			return queue.Enqueue(ctx, service.EnqueueRequest{
				Priority:  priority,
				NotBefore: notBefore,
				Payload:   payload,
			})
		},
		UpdateQueue: func(ctx context.Context, id uuid.UUID, state string) error {
			return queue.UpdateStatus(ctx, id, domain.QueueItemState(state))
		},
		CreateProcedure: func(ctx context.Context, planJSON string) (uuid.UUID, error) {
			plan, err := domain.ParsePlan(planJSON)
			if err != nil {
				return uuid.Nil, err
			}
			if err := procs.Validate(plan); err != nil {
				return uuid.Nil, err
			}
			return procs.CreateFromJSON(ctx, plan, nil)
		},
		SearchProcedure: func(ctx context.Context, query string) ([]domain.NodeWithScore, error) {
			matches, err := procs.FindReusable(ctx, query, nil, 0.3)
			if err != nil {
				return nil, err
			}
			out := make([]domain.NodeWithScore, len(matches))
			for i, m := range matches {
				out[i] = domain.NodeWithScore{Node: m.Node, Score: m.Score}
			}
			return out, nil
		},
	})

	chatHandler := handlers.NewChatHandler(agent)
	procedureHandler := handlers.NewProcedureHandler(procs)
	conceptHandler := handlers.NewConceptHandler(ksg)
	queueHandler := handlers.NewQueueHandler(queue)
	ruleHandler := handlers.NewRuleHandler(sched)
	vaultHandler := handlers.NewVaultHandler(forms, deps.Web)
	sessionHandler := handlers.NewSessionHandler(wm)

	r := chi.NewRouter()
	app := &App{
		Router:     r,
		Scheduler:  sched,
		Replicator: replicator,
		WM:         wm,
		startTime:  time.Now(),
		db:         deps.DB,
	}

	app.metrics = mw.NewMetricsCollector()

	// Global middleware (order matters)
	r.Use(mw.RequestID)
	r.Use(middleware.RealIP)
	r.Use(app.metrics.Middleware)
	r.Use(mw.Logging(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(config.RequestTimeout()))
	r.Use(mw.RateLimit(config.RateLimitRPS(), config.RateLimitBurst()))

	r.Get("/health", app.healthHandler())
	r.Get("/metrics", app.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat", chatHandler.Chat)

		r.Route("/procedures", func(r chi.Router) {
			r.Post("/", procedureHandler.Create)
			r.Get("/search", procedureHandler.Search)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", procedureHandler.GetByID)
				r.Get("/runs", procedureHandler.Runs)
			})
		})

		r.Route("/concepts", func(r chi.Router) {
			r.Post("/", conceptHandler.Create)
			r.Get("/search", conceptHandler.Search)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", queueHandler.List)
			r.Post("/", queueHandler.Enqueue)
			r.Post("/dequeue", queueHandler.Dequeue)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", queueHandler.GetByID)
				r.Post("/state", queueHandler.UpdateState)
			})
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", ruleHandler.List)
			r.Post("/", ruleHandler.Create)
			r.Delete("/{id}", ruleHandler.Delete)
		})

		r.Route("/vault", func(r chi.Router) {
			r.Post("/credentials", vaultHandler.SaveCredential)
		})
		r.Post("/forms/autofill", vaultHandler.Autofill)
		r.Delete("/sessions/{id}", sessionHandler.End)
	})

	return app, nil
}

func (app *App) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if app.db != nil {
			if err := app.db.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func (app *App) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(app.startTime)
		response := map[string]any{
			"uptime_seconds": uptime.Seconds(),
			"uptime_human":   uptime.Round(time.Second).String(),
			"request_count":  app.metrics.Requests(),
			"error_count":    app.metrics.Errors(),
			"goroutines":     runtime.NumGoroutine(),
			"memory": map[string]any{
				"alloc_mb":       float64(memStats.Alloc) / 1024 / 1024,
				"total_alloc_mb": float64(memStats.TotalAlloc) / 1024 / 1024,
				"sys_mb":         float64(memStats.Sys) / 1024 / 1024,
				"num_gc":         memStats.NumGC,
			},
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}
