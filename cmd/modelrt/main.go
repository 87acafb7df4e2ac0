// Command modelrt bootstraps the model-orchestration runtime: metrics,
// health monitoring, the context/resource managers, task delegation,
// orchestration, the workflow executor, and the scheduler, wired
// together and exposed over HTTP with graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/modelrt/internal/backend"
	"github.com/swarmguard/modelrt/internal/backend/mock"
	"github.com/swarmguard/modelrt/internal/contextstore"
	"github.com/swarmguard/modelrt/internal/core/logging"
	"github.com/swarmguard/modelrt/internal/core/natsctx"
	"github.com/swarmguard/modelrt/internal/core/otelinit"
	"github.com/swarmguard/modelrt/internal/delegator"
	"github.com/swarmguard/modelrt/internal/events"
	"github.com/swarmguard/modelrt/internal/health"
	"github.com/swarmguard/modelrt/internal/metrics"
	"github.com/swarmguard/modelrt/internal/modelhealth"
	"github.com/swarmguard/modelrt/internal/orchestrator"
	"github.com/swarmguard/modelrt/internal/resource"
	"github.com/swarmguard/modelrt/internal/rterr"
	"github.com/swarmguard/modelrt/internal/schedule"
	"github.com/swarmguard/modelrt/internal/taskexec"
	"github.com/swarmguard/modelrt/internal/transform"
	"github.com/swarmguard/modelrt/internal/types"
	"github.com/swarmguard/modelrt/internal/workflow"
	"github.com/swarmguard/modelrt/internal/workflowstore"
)

func main() {
	service := "modelrt"
	logging.Init(service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter(service)
	tracer := otel.Tracer(service)

	bus := events.NewBus()
	if url := os.Getenv("MODELRT_NATS_URL"); url != "" {
		nc, err := nats.Connect(url)
		if err != nil {
			slog.Warn("nats connect failed, running without event mirror", "error", err)
		} else {
			bus.WithNATS(nc, "modelrt.events")
			defer nc.Close()
		}
	}

	metricsCollector := metrics.NewCollector(meter)
	healthMonitor := health.NewMonitor(health.DefaultThresholds(), health.DefaultStabilization(), meter, tracer, health.WithEvents(bus))
	ctxStore := contextstore.NewStore(contextstore.WithEvents(bus))

	cache := resourceCache()
	resourceMgr := resource.NewManager(resource.DefaultConfig(), ctxStore, cache, bus)
	healthGate := modelhealth.NewMonitor(modelhealth.Config{
		TotalMemory:        resource.DefaultConfig().MaxMemoryUsage,
		MinAvailableMemory: resource.DefaultConfig().MaxMemoryUsage / 10,
		MaxActiveModels:    resource.DefaultConfig().MaxModelsLoaded,
		MaxQueueDepth:      256,
		TotalCPU:           1.0,
		MinAvailableCPU:    0.05,
	}, resourceMgr)

	taskDelegator := delegator.NewDelegator()
	transformer := transform.NewDefaultTransformer()
	modelOrchestrator := orchestrator.NewOrchestrator(orchestrator.DefaultConfig(), taskDelegator, meter, tracer, orchestrator.WithEvents(bus))

	registry := backend.NewRegistry()
	seedBackends(registry, taskDelegator)

	dbPath := os.Getenv("MODELRT_DB_PATH")
	if dbPath == "" {
		dbPath = "modelrt.db"
	}
	store, err := workflowstore.Open(dbPath, meter)
	if err != nil {
		slog.Error("open workflow store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	executor := workflow.NewExecutor(store, transformer,
		workflow.WithIDGenerator(uuid.NewString),
		workflow.WithMeter(meter),
		workflow.WithReleaser(resourceMgr),
	)

	submit := makeSubmitter(modelOrchestrator, taskDelegator, registry, healthGate)
	scheduler := schedule.New(store, executor, submit, meter)
	if err := scheduler.RestoreSchedules(ctx); err != nil {
		slog.Error("restore schedules", "error", err)
	}
	scheduler.Start()

	if url := os.Getenv("MODELRT_NATS_URL"); url != "" && bus != nil {
		wireEventIngestion(url, scheduler)
	}

	mux := buildMux(store, executor, scheduler, healthMonitor, metricsCollector, submit)
	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			mux.Handle("/metrics", h)
		}
	}

	addr := os.Getenv("MODELRT_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("modelrt started", "addr", addr)

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	if err := scheduler.Stop(shutdownCtx); err != nil {
		slog.Warn("scheduler stop", "error", err)
	}
	_ = srv.Shutdown(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}

// resourceCache picks a disk-backed cache when MODELRT_CACHE_DIR is set,
// an in-memory cache otherwise.
func resourceCache() *resource.Cache {
	ttl := resource.DefaultConfig().CacheTTL
	if dir := os.Getenv("MODELRT_CACHE_DIR"); dir != "" {
		return resource.NewDiskCache(dir, ttl)
	}
	return resource.NewMemCache(ttl)
}

// seedBackends registers the sample mock backend, plus the sample HTTP
// backend when MODELRT_HTTP_BACKEND_URL is set, so the runtime has
// something to route tasks to out of the box; a real
// deployment registers its own backends instead.
func seedBackends(registry *backend.Registry, d *delegator.Delegator) {
	registry.Register("mock-default", mock.New(mock.WithHealthy(true)))
	d.RegisterCapability("mock-default", delegator.CapabilityEntry{
		TaskType:   "chat",
		Confidence: 0.5,
	})

	if endpoint := os.Getenv("MODELRT_HTTP_BACKEND_URL"); endpoint != "" {
		registry.Register("http-default", taskexec.NewHTTPBackend(endpoint))
		d.RegisterCapability("http-default", delegator.CapabilityEntry{
			TaskType:   "chat",
			Confidence: 0.8,
		})
	}
}

// makeSubmitter adapts the orchestrator/delegator/registry trio into a
// workflow.TaskSubmitter, the seam the workflow executor uses to dispatch each step.
func makeSubmitter(o *orchestrator.Orchestrator, d *delegator.Delegator, registry *backend.Registry, gate *modelhealth.Monitor) workflow.TaskSubmitter {
	exec := func(ctx context.Context, modelID string, task types.Task) (types.TaskResult, error) {
		b, ok := registry.Get(modelID)
		if !ok {
			return types.TaskResult{}, rterr.New(rterr.KindProviderNotFound, "no backend registered for model "+modelID)
		}
		msgs := []types.Message{{Role: types.RoleUser, Content: stringifyData(task.Data)}}
		res, err := b.Chat(ctx, backend.ChatOptions{Messages: msgs})
		if err != nil {
			return types.TaskResult{}, rterr.Wrap(rterr.KindProviderError, "backend chat failed for model "+modelID, err)
		}
		return types.TaskResult{
			Success: true,
			Status:  types.TaskResultSuccess,
			Data:    map[string]interface{}{"content": res.Content},
		}, nil
	}

	return func(ctx context.Context, task types.Task) (types.TaskResult, error) {
		gate.SetQueueDepth(d.QueueDepth())
		health := gate.CheckModelHealth()
		if !health.CanAcceptTasks {
			return types.TaskResult{}, rterr.New(rterr.KindResourceExhausted, "orchestration at capacity: "+string(health.Orchestration.Status))
		}

		gate.BeginHandoff()
		defer gate.EndHandoff()
		return o.ExecuteTask(ctx, task, exec)
	}
}

func stringifyData(data map[string]interface{}) string {
	b, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	return string(b)
}

// wireEventIngestion subscribes to the runtime's external-event subject
// and feeds every message into the scheduler's event-triggered
// schedules.
func wireEventIngestion(natsURL string, scheduler *schedule.Scheduler) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		slog.Warn("nats event ingestion connect failed", "error", err)
		return
	}
	_, err = natsctx.Subscribe(nc, "modelrt.triggers.*", func(ctx context.Context, msg *nats.Msg) {
		var payload struct {
			EventType string                 `json:"event_type"`
			Data      map[string]interface{} `json:"data"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			slog.Warn("malformed trigger event", "error", err)
			return
		}
		scheduler.TriggerEvent(ctx, payload.EventType, payload.Data)
	})
	if err != nil {
		slog.Warn("nats event ingestion subscribe failed", "error", err)
	}
}

func buildMux(store *workflowstore.Store, executor *workflow.Executor, scheduler *schedule.Scheduler, hm *health.Monitor, mc *metrics.Collector, submit workflow.TaskSubmitter) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		state := hm.State()
		w.Header().Set("Content-Type", "application/json")
		if state.Status == types.HealthUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(state)
	})

	mux.HandleFunc("/v1/metrics/", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[len("/v1/metrics/"):]
		snap, ok := mc.Snapshot(name)
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(snap)
	})

	mux.HandleFunc("/v1/workflows", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var wf types.Workflow
			if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			if wf.Name == "" {
				http.Error(w, "name required", http.StatusBadRequest)
				return
			}
			if err := store.PutWorkflow(r.Context(), wf); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(wf)
		case http.MethodGet:
			if name := r.URL.Query().Get("name"); name != "" {
				wf, ok, err := store.GetWorkflow(r.Context(), name)
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				if !ok {
					http.NotFound(w, r)
					return
				}
				_ = json.NewEncoder(w).Encode(wf)
				return
			}
			_ = json.NewEncoder(w).Encode(store.ListWorkflows(100, 0))
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/v1/run", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Workflow string                 `json:"workflow"`
			Params   map[string]interface{} `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		wf, ok, err := store.GetWorkflow(r.Context(), req.Workflow)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "workflow not found", http.StatusNotFound)
			return
		}
		execCtx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
		defer cancel()
		exec, err := executor.Run(execCtx, wf, req.Params, submit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(exec)
	})

	mux.HandleFunc("/v1/schedules", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var cfg types.ScheduleConfig
			if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			if err := scheduler.AddSchedule(r.Context(), cfg); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			name := r.URL.Query().Get("workflow")
			if err := scheduler.RemoveSchedule(r.Context(), name); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	return mux
}
