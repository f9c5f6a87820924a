package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/analyzer"
	"github.com/loqalabs/loqa-avatar/internal/artifact"
	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/capability"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/dispatch"
	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/ipc"
	"github.com/loqalabs/loqa-avatar/internal/natsserver"
	"github.com/loqalabs/loqa-avatar/internal/pipeline"
	"github.com/loqalabs/loqa-avatar/internal/router"
	"github.com/loqalabs/loqa-avatar/internal/tts"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	started     chan struct{}
	wg          sync.WaitGroup

	events     *eventstore.Store
	artifacts  *artifact.Store
	dispatcher *dispatch.Dispatcher
	pipeline   *pipeline.Service
	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	router     *router.Service
	registry   *capability.Registry
	manager    *ipc.Manager
	ipc        *ipc.Server
	httpAddr   atomic.Value
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		started: make(chan struct{}),
	}
}

// Started is closed once every component is serving.
func (r *Runtime) Started() <-chan struct{} { return r.started }

// IPCAddr returns the bound IPC address once started.
func (r *Runtime) IPCAddr() net.Addr {
	if r.ipc == nil {
		return nil
	}
	return r.ipc.Addr()
}

// HTTPAddr returns the bound HTTP address once started.
func (r *Runtime) HTTPAddr() string {
	addr, _ := r.httpAddr.Load().(string)
	return addr
}

// Start builds every component, serves until ctx ends, then shuts down in
// reverse order: ingress first, then the pipeline drain, then fan-out and storage.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startComponents(ctx, cancel); err != nil {
		r.stopComponents()
		r.closeTelemetry()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/connections", r.handleConnections)
	mux.HandleFunc("GET /v1/connections/{id}/events", r.handleConnectionEvents)
	mux.HandleFunc("/v1/utterances", r.handleUtterances)
	mux.HandleFunc("/v1/nodes", r.handleNodes)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		r.stopComponents()
		r.closeTelemetry()
		return fmt.Errorf("listen http %s: %w", addr, err)
	}
	r.httpAddr.Store(ln.Addr().String())
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsSrv = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Warn("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	close(r.started)
	r.logger.Info("runtime started",
		slog.String("http", r.HTTPAddr()),
		slog.String("ipc", r.IPCAddr().String()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsSrv != nil {
		_ = r.metricsSrv.Shutdown(shutdownCtx)
	}
	r.wg.Wait()

	r.stopComponents()
	r.closeTelemetry()
	return nil
}

func (r *Runtime) startComponents(ctx context.Context, cancel context.CancelFunc) error {
	events, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.events = events

	artifacts, err := artifact.New(r.cfg.Artifacts, r.logger)
	if err != nil {
		return err
	}
	r.artifacts = artifacts

	deps, err := r.buildPipelineDeps()
	if err != nil {
		return err
	}

	r.dispatcher = dispatch.New(ctx, r.cfg.Dispatcher, artifacts, r.logger, events)
	deps.Sink = r.dispatcher
	deps.Artifacts = artifacts

	r.pipeline, err = pipeline.NewService(ctx, r.cfg.Pipeline, r.cfg.Synthesis, deps, r.logger)
	if err != nil {
		return err
	}
	if err := r.pipeline.Start(); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			return err
		}
	}

	r.manager = ipc.NewManager(r.dispatcher, events, r.logger)
	r.ipc = ipc.NewServer(ctx, r.cfg.IPC, r.cfg.Dispatcher, r.manager, r.pipeline, r.logger, func() {
		r.logger.Warn("shutdown requested over ipc")
		cancel()
	})
	if err := r.ipc.Start(); err != nil {
		return fmt.Errorf("start ipc: %w", err)
	}
	return nil
}

func (r *Runtime) buildPipelineDeps() (pipeline.Deps, error) {
	an, err := analyzer.New()
	if err != nil {
		return pipeline.Deps{}, fmt.Errorf("create analyzer: %w", err)
	}
	registry := tts.NewRegistry()
	primary, err := registry.New(r.cfg.Synthesis.Backend, r.cfg.Synthesis)
	if err != nil {
		return pipeline.Deps{}, err
	}
	deps := pipeline.Deps{
		Analyzer: an,
		Primary:  pipeline.Backend{Name: r.cfg.Synthesis.Backend, Synth: primary},
	}
	if name := r.cfg.Synthesis.Fallback; name != "" {
		fallback, err := registry.New(name, r.cfg.Synthesis)
		if err != nil {
			return pipeline.Deps{}, err
		}
		deps.Fallback = &pipeline.Backend{Name: name, Synth: fallback}
	}
	return deps, nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.nats = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}
	r.bus = client

	r.router = router.NewService(ctx, r.cfg.Router, client, r.pipeline, r.logger)
	if err := r.router.Start(); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	if r.cfg.Router.Enabled {
		r.dispatcher.AddMirror(r.router)
	}

	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, capability.Local(r.cfg), client, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	return nil
}

// stopComponents tolerates partially started runtimes.
func (r *Runtime) stopComponents() {
	if r.ipc != nil {
		r.ipc.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.router != nil {
		r.router.Close()
	}
	if r.pipeline != nil {
		r.pipeline.Close()
	}
	if r.dispatcher != nil {
		r.dispatcher.Close()
	}
	if r.artifacts != nil {
		r.artifacts.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.componentsHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) componentsHealthy() bool {
	if r.pipeline == nil || !r.pipeline.Healthy() || r.ipc == nil || !r.ipc.Healthy() {
		return false
	}
	if r.router != nil && !r.router.Healthy() {
		return false
	}
	if r.registry != nil && !r.registry.Healthy() {
		return false
	}
	return true
}

type connectionView struct {
	ID     string   `json:"id"`
	Remote string   `json:"remote"`
	Roles  []string `json:"roles"`
	State  string   `json:"state"`
}

func (r *Runtime) handleConnections(w http.ResponseWriter, _ *http.Request) {
	if r.manager == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	snapshot := r.manager.Snapshot()
	views := make([]connectionView, 0, len(snapshot))
	for _, c := range snapshot {
		views = append(views, connectionView{ID: c.ID, Remote: c.Remote, Roles: c.Roles, State: string(c.State)})
	}
	writeJSON(w, views)
}

func (r *Runtime) handleConnectionEvents(w http.ResponseWriter, req *http.Request) {
	if r.events == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	events, err := r.events.ConnectionEvents(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	writeJSON(w, events)
}

func (r *Runtime) handleUtterances(w http.ResponseWriter, req *http.Request) {
	if r.events == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	records, err := r.events.ListUtterances(req.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []eventstore.UtteranceRecord{}
	}
	writeJSON(w, records)
}

func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	if r.registry == nil {
		writeJSON(w, []capability.NodeInfo{})
		return
	}
	var filter func(capability.NodeInfo) bool
	if name := req.URL.Query().Get("capability"); name != "" {
		filter = capability.WithCapabilityFilter(name)
	}
	nodes := r.registry.Query(filter)
	if nodes == nil {
		nodes = []capability.NodeInfo{}
	}
	writeJSON(w, nodes)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
