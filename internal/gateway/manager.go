package gateway

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/fingerhq/finger/internal/hub"
	"github.com/fingerhq/finger/internal/log"
	"github.com/fingerhq/finger/internal/supervisor"
)

// heartbeatEventType is the unsolicited event payload type a child
// sends to prove liveness.
const heartbeatEventType = "heartbeat"

// ManagerConfig wires a Manager into the daemon.
type ManagerConfig struct {
	Hub        *hub.Hub
	Supervisor *supervisor.Supervisor

	// Dir is the gateway manifest directory.
	Dir string

	// Env is appended to every child's environment. The hub URL and
	// module id land here.
	Env map[string]string

	// AckTimeout and ResultTimeout apply where a manifest does not
	// override them.
	AckTimeout    time.Duration
	ResultTimeout time.Duration

	// Hooks forward unsolicited traffic. The manager layers heartbeat
	// and failure bookkeeping on top before passing them to sessions.
	Hooks Hooks

	// Tracer, when set, is handed to every gateway for request spans.
	Tracer trace.Tracer
}

type managed struct {
	manifest *Manifest
	gateway  *Gateway
}

// Manager keeps the registered gateways in step with the manifest
// directory. Sync is idempotent; Discovery signals drive resyncs.
type Manager struct {
	cfg ManagerConfig
	ctx context.Context

	mu       sync.Mutex
	gateways map[string]*managed
}

// NewManager builds a manager. ctx bounds the lifetime of every child
// it spawns.
func NewManager(ctx context.Context, cfg ManagerConfig) (*Manager, error) {
	if cfg.Hub == nil {
		return nil, fmt.Errorf("gateway manager requires a hub")
	}
	if cfg.Supervisor == nil {
		return nil, fmt.Errorf("gateway manager requires a supervisor")
	}
	return &Manager{
		cfg:      cfg,
		ctx:      ctx,
		gateways: make(map[string]*managed),
	}, nil
}

// Sync loads the manifest directory and reconciles: new gateways are
// registered, changed ones are replaced, vanished ones are removed.
func (m *Manager) Sync(ctx context.Context) error {
	manifests, err := LoadDir(m.cfg.Dir)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	live := make(map[string]bool, len(manifests))
	for _, manifest := range manifests {
		live[manifest.ID] = true

		existing := m.gateways[manifest.ID]
		if existing != nil && reflect.DeepEqual(existing.manifest, manifest) {
			continue
		}
		if existing != nil {
			if err := m.removeLocked(ctx, manifest.ID); err != nil {
				errs = append(errs, err)
				continue
			}
		}
		if err := m.addLocked(ctx, manifest); err != nil {
			errs = append(errs, fmt.Errorf("registering gateway %s: %w", manifest.ID, err))
		}
	}

	for id := range m.gateways {
		if live[id] {
			continue
		}
		if err := m.removeLocked(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Get returns the gateway with the given id, nil when unknown.
func (m *Manager) Get(id string) *Gateway {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g := m.gateways[id]; g != nil {
		return g.gateway
	}
	return nil
}

// List returns the managed gateways sorted by id.
func (m *Manager) List() []*Gateway {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Gateway, 0, len(m.gateways))
	for _, g := range m.gateways {
		out = append(out, g.gateway)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Close removes every gateway, stopping their children.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.gateways))
	for id := range m.gateways {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		if err := m.removeLocked(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// addLocked registers one gateway with the hub and supervisor, and
// starts it when the manifest asks for that.
func (m *Manager) addLocked(ctx context.Context, manifest *Manifest) error {
	gw := New(m.ctx, manifest, SessionConfig{
		AckTimeout:    m.cfg.AckTimeout,
		ResultTimeout: m.cfg.ResultTimeout,
		Env:           m.childEnv(manifest),
		Hooks:         m.sessionHooks(),
		Tracer:        m.cfg.Tracer,
	})

	if err := m.cfg.Hub.RegisterOutput(hub.ModuleSpec{
		ID:           manifest.ID,
		Kind:         manifest.Kind,
		SingleWriter: manifest.SingleWriter,
		Routes:       manifest.RouteRules(),
	}, gw.Handler()); err != nil {
		return err
	}

	if err := m.cfg.Supervisor.Register(manifest.ID, gw, manifest.SupervisorPolicy()); err != nil {
		_ = m.cfg.Hub.Unregister(manifest.ID)
		return err
	}

	if manifest.AutoStart {
		if err := m.cfg.Supervisor.Start(ctx, manifest.ID); err != nil {
			log.Warn(log.CatGateway, "gateway auto start failed",
				"gateway_id", manifest.ID,
				"error", err)
		}
	}

	m.gateways[manifest.ID] = &managed{manifest: manifest, gateway: gw}
	log.Info(log.CatGateway, "gateway registered",
		"gateway_id", manifest.ID,
		"kind", manifest.Kind,
		"routes", len(manifest.Routes),
		"auto_start", manifest.AutoStart)
	return nil
}

// removeLocked unregisters a gateway everywhere and stops its child.
func (m *Manager) removeLocked(ctx context.Context, id string) error {
	g := m.gateways[id]
	if g == nil {
		return nil
	}

	var errs []error
	if err := m.cfg.Supervisor.Remove(ctx, id); err != nil && !errors.Is(err, supervisor.ErrNotSupervised) {
		errs = append(errs, fmt.Errorf("removing gateway %s from supervisor: %w", id, err))
	}
	for _, rule := range g.manifest.RouteRules() {
		if err := m.cfg.Hub.RemoveRoute(rule.ID); err != nil {
			log.Debug(log.CatGateway, "gateway route already gone",
				"gateway_id", id,
				"route_id", rule.ID,
				"error", err)
		}
	}
	if err := m.cfg.Hub.Unregister(id); err != nil && !errors.Is(err, hub.ErrNotRegistered) {
		errs = append(errs, fmt.Errorf("unregistering gateway %s: %w", id, err))
	}
	g.gateway.Session().Stop()

	delete(m.gateways, id)
	log.Info(log.CatGateway, "gateway removed", "gateway_id", id)
	return errors.Join(errs...)
}

// childEnv merges the manager's base environment with per-child ids.
func (m *Manager) childEnv(manifest *Manifest) map[string]string {
	env := make(map[string]string, len(m.cfg.Env)+1)
	for k, v := range m.cfg.Env {
		env[k] = v
	}
	env["FINGER_MODULE_ID"] = manifest.ID
	return env
}

// sessionHooks layers supervisor bookkeeping over the daemon's hooks.
// A heartbeat event refreshes liveness before being forwarded; a child
// death is reported so restart policy can kick in.
func (m *Manager) sessionHooks() Hooks {
	daemon := m.cfg.Hooks
	return Hooks{
		OnInput: daemon.OnInput,
		OnEvent: func(gatewayID string, env *Envelope) {
			if env.Name == heartbeatEventType {
				if err := m.cfg.Supervisor.Heartbeat(gatewayID); err != nil {
					log.Debug(log.CatGateway, "heartbeat for unsupervised gateway",
						"gateway_id", gatewayID,
						"error", err)
				}
			}
			if daemon.OnEvent != nil {
				daemon.OnEvent(gatewayID, env)
			}
		},
		OnExit: func(gatewayID string, err error) {
			if rerr := m.cfg.Supervisor.ReportFailure(gatewayID, err); rerr != nil {
				log.Debug(log.CatGateway, "exit report for unsupervised gateway",
					"gateway_id", gatewayID,
					"error", rerr)
			}
			if daemon.OnExit != nil {
				daemon.OnExit(gatewayID, err)
			}
		},
	}
}
