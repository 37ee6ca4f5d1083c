// Package orchestrator assembles the pieces of a run: the state store,
// the coordination plane, the launcher, and the supervisor loop. It owns
// startup ordering and graceful teardown.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rowanhq/foreman/internal/agent"
	"github.com/rowanhq/foreman/internal/config"
	"github.com/rowanhq/foreman/internal/launcher"
	"github.com/rowanhq/foreman/internal/log"
	"github.com/rowanhq/foreman/internal/mcp"
	"github.com/rowanhq/foreman/internal/messagelog"
	"github.com/rowanhq/foreman/internal/notify"
	"github.com/rowanhq/foreman/internal/roster"
	"github.com/rowanhq/foreman/internal/store"
	"github.com/rowanhq/foreman/internal/supervisor"
	"github.com/rowanhq/foreman/internal/toolsurface"
	"github.com/rowanhq/foreman/internal/tracing"
)

// Version identifies the orchestrator in MCP handshakes and status output.
const Version = "0.1.0"

const serverInstructions = "Coordinate through the provided tools. Call heartbeat regularly, checkpoint before risky work, and complete when your assignment is done."

// Orchestrator holds a fully wired run.
type Orchestrator struct {
	cfg      config.Config
	db       *sql.DB
	store    *store.Store
	roster   *roster.Roster
	launcher *launcher.Launcher
	sup      *supervisor.Supervisor
	server   *mcp.Server
	sse      *mcp.SSETransport
	httpSrv  *http.Server
	listener net.Listener
	tracer   *tracing.Provider
	notifier *notify.Notifier

	// ServerURL is the SSE endpoint workers connect to. Available after New.
	ServerURL string
}

// New wires an orchestrator from config. The listener is bound here so
// the real port is known before any worker prompt is rendered.
func New(cfg config.Config) (*Orchestrator, error) {
	ros, err := roster.LoadFile(cfg.Roster, cfg.WorkerKinds())
	if err != nil {
		return nil, err
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return nil, fmt.Errorf("resolving work dir: %w", err)
		}
	}
	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = config.DefaultDataDir(cfg.ProjectName)
	}

	db, err := store.Open(filepath.Join(dataDir, "state.db"))
	if err != nil {
		return nil, err
	}
	st := store.New(db)
	cleanup := func() {
		st.Close()
		_ = db.Close()
	}

	now := time.Now()
	if err := st.InitProject(context.Background(), cfg.ProjectName, workDir, now); err != nil {
		cleanup()
		return nil, err
	}
	states := make([]*agent.State, 0, len(ros.Entries))
	for _, e := range ros.Entries {
		states = append(states, agent.NewState(e.Role, e.WorkerKind, e.DependsOn))
	}
	if err := st.SeedStates(context.Background(), states, now); err != nil {
		cleanup()
		return nil, err
	}

	tracer, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		cleanup()
		return nil, err
	}

	notifier := notify.FromConfig(cfg.Notify, cfg.ProjectName)
	msgs := messagelog.New(st)
	surface := toolsurface.New(st, msgs, ros, notifier, cfg.Supervisor.HeartbeatInterval, cfg.Supervisor.HeartbeatTimeout)

	server := mcp.NewServer("foreman", Version, mcp.WithInstructions(serverInstructions))
	surface.RegisterAll(server)
	surface.RegisterResources(server)
	sse := mcp.NewSSETransport(server, cfg.Server.KeepaliveInterval)

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("binding coordination plane listener: %w", err)
	}
	serverURL := fmt.Sprintf("http://%s/sse", ln.Addr().String())

	launch := launcher.New(cfg.Workers, workDir, serverURL, cfg.Supervisor.GracefulShutdownTimeout)
	sup := supervisor.New(cfg.Supervisor, st, ros, launch, notifier, serverURL)

	return &Orchestrator{
		cfg:      cfg,
		db:       db,
		store:    st,
		roster:   ros,
		launcher: launch,
		sup:      sup,
		server:   server,
		sse:      sse,
		httpSrv: &http.Server{
			Handler:           tracing.Middleware(tracer.Tracer(), sse.Handler()),
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener:  ln,
		tracer:    tracer,
		notifier:  notifier,
		ServerURL: serverURL,
	}, nil
}

// Store exposes the run's state store, mainly for status inspection.
func (o *Orchestrator) Store() *store.Store {
	return o.store
}

// Run serves the coordination plane and drives the supervisor until the
// run settles or ctx is cancelled, then tears everything down.
func (o *Orchestrator) Run(ctx context.Context) error {
	log.Info(log.CatSup, "Orchestrator starting",
		"project", o.cfg.ProjectName,
		"serverURL", o.ServerURL,
		"roles", len(o.roster.Entries))

	serveErr := make(chan error, 1)
	log.SafeGo("http-serve", func() {
		if err := o.httpSrv.Serve(o.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	supErr := make(chan error, 1)
	log.SafeGo("supervisor", func() {
		supErr <- o.sup.Run(runCtx)
	})

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case err := <-serveErr:
		runErr = fmt.Errorf("coordination plane failed: %w", err)
	case <-o.sup.Done():
	}
	cancel()

	o.shutdown(runErr != nil)
	return runErr
}

// shutdown tears the run down in dependency order: workers first so no
// tool call arrives after the plane closes, then the HTTP server, then
// tracing and the store.
func (o *Orchestrator) shutdown(interrupted bool) {
	grace := o.cfg.Supervisor.GracefulShutdownTimeout
	ctx, cancel := context.WithTimeout(context.Background(), grace+5*time.Second)
	defer cancel()

	o.launcher.StopAll(ctx)
	o.launcher.Close()

	if err := o.httpSrv.Shutdown(ctx); err != nil {
		log.ErrorErr(log.CatMCP, "HTTP shutdown failed", err)
	}
	_ = o.listener.Close()
	o.server.Close()

	if interrupted {
		// A cancelled run keeps its states; only the phase records the stop.
		// The supervisor may have settled the phase just before the cancel,
		// and a settled phase wins.
		if p, err := o.store.Project(ctx); err == nil && p.Phase == agent.PhaseRunning {
			if err := o.store.SetPhase(ctx, agent.PhaseStopped, time.Now()); err != nil {
				log.ErrorErr(log.CatDB, "Recording stopped phase failed", err)
			}
		}
	}

	if err := o.tracer.Shutdown(ctx); err != nil {
		log.ErrorErr(log.CatSup, "Tracing shutdown failed", err)
	}
	o.store.Close()
	_ = o.db.Close()
	log.Info(log.CatSup, "Orchestrator stopped", "interrupted", interrupted)
}
