package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/jurisdesk/intakebot/ingest"
	"github.com/jurisdesk/intakebot/internal/clockutil"
	"github.com/jurisdesk/intakebot/llm"
	"github.com/jurisdesk/intakebot/transport"
	"github.com/jurisdesk/intakebot/triage"
)

var (
	ErrBotExists   = errors.New("fleet: bot id already registered")
	ErrBotNotFound = errors.New("fleet: bot not found")
)

// RegistryDeps are the shared collaborators handed to every supervisor.
type RegistryDeps struct {
	Dialer      transport.Dialer
	LLM         llm.Client
	Analyzer    triage.Analyzer
	Transcriber ingest.Transcriber
	Uploader    ingest.Uploader
	Store       *Store
	// SessionDir holds per-bot credential directories.
	SessionDir string
	Clock      clockutil.Clock
	Logger     *slog.Logger
	Notify     Notifier
}

// Registry composes the fleet: create/get/list/stop/restart/delete by bot id
// plus the aggregate status query. It owns the global init lock that
// serializes connection establishment across all bots.
type Registry struct {
	scfg   SupervisorConfig
	deps   RegistryDeps
	clock  clockutil.Clock
	logger *slog.Logger

	globalInit sync.Mutex

	mu      sync.Mutex
	bots    map[string]*Supervisor
	configs map[string]BotConfig
}

func NewRegistry(scfg SupervisorConfig, deps RegistryDeps) *Registry {
	if deps.Clock == nil {
		deps.Clock = clockutil.System()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Registry{
		scfg:    scfg,
		deps:    deps,
		clock:   deps.Clock,
		logger:  deps.Logger,
		bots:    make(map[string]*Supervisor),
		configs: make(map[string]BotConfig),
	}
}

// Create registers a bot and restores its persisted conversations. The bot is
// not started; callers follow up with Start.
func (r *Registry) Create(cfg BotConfig) (InstanceSnapshot, error) {
	cfg.ID = strings.TrimSpace(cfg.ID)
	if cfg.ID == "" {
		return InstanceSnapshot{}, fmt.Errorf("fleet: bot id is required")
	}

	r.mu.Lock()
	if _, exists := r.bots[cfg.ID]; exists {
		r.mu.Unlock()
		return InstanceSnapshot{}, fmt.Errorf("%w: %s", ErrBotExists, cfg.ID)
	}
	sup := NewSupervisor(cfg, r.scfg, Deps{
		Dialer:      r.deps.Dialer,
		Credentials: transport.NewFileCredentials(r.deps.SessionDir, cfg.ID),
		LLM:         r.deps.LLM,
		Analyzer:    r.deps.Analyzer,
		Transcriber: r.deps.Transcriber,
		Uploader:    r.deps.Uploader,
		Clock:       r.clock,
		Logger:      r.logger,
		Notify:      r.deps.Notify,
		GlobalInit:  &r.globalInit,
	})
	r.bots[cfg.ID] = sup
	r.configs[cfg.ID] = cfg
	r.mu.Unlock()

	if r.deps.Store != nil {
		if snap, ok, err := r.deps.Store.LoadConversations(cfg.ID); err != nil {
			r.logger.Warn("fleet_conversations_load_error", "bot_id", cfg.ID, "error", err.Error())
		} else if ok {
			sup.Engine().Restore(snap)
		}
		if err := r.persistConfigs(); err != nil {
			r.logger.Warn("fleet_configs_save_error", "error", err.Error())
		}
	}

	snap := sup.Snapshot()
	r.emit("created", snap)
	r.logger.Info("fleet_bot_created", "bot_id", cfg.ID)
	return snap, nil
}

func (r *Registry) supervisor(id string) (*Supervisor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sup, ok := r.bots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBotNotFound, id)
	}
	return sup, nil
}

func (r *Registry) Get(id string) (InstanceSnapshot, error) {
	sup, err := r.supervisor(id)
	if err != nil {
		return InstanceSnapshot{}, err
	}
	return sup.Snapshot(), nil
}

func (r *Registry) List() []InstanceSnapshot {
	r.mu.Lock()
	sups := make([]*Supervisor, 0, len(r.bots))
	for _, sup := range r.bots {
		sups = append(sups, sup)
	}
	r.mu.Unlock()

	snaps := make([]InstanceSnapshot, 0, len(sups))
	for _, sup := range sups {
		snaps = append(snaps, sup.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	return snaps
}

func (r *Registry) Start(ctx context.Context, id string) error {
	sup, err := r.supervisor(id)
	if err != nil {
		return err
	}
	return sup.Start(ctx)
}

func (r *Registry) Stop(id string) error {
	sup, err := r.supervisor(id)
	if err != nil {
		return err
	}
	sup.Stop(true)
	return nil
}

func (r *Registry) Restart(ctx context.Context, id string) error {
	sup, err := r.supervisor(id)
	if err != nil {
		return err
	}
	return sup.Restart(ctx)
}

// ResetConversation supersedes a completed conversation: the client's next
// message to the bot starts a fresh intake.
func (r *Registry) ResetConversation(id, phone string) error {
	sup, err := r.supervisor(id)
	if err != nil {
		return err
	}
	sup.ResetConversation(phone)
	return nil
}

// Delete stops the bot and removes it from the fleet. Conversation history
// stays on disk; only the registration goes away.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	sup, ok := r.bots[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrBotNotFound, id)
	}
	delete(r.bots, id)
	delete(r.configs, id)
	r.mu.Unlock()

	snap := sup.Snapshot()
	sup.Close()
	if r.deps.Store != nil {
		if err := r.persistConfigs(); err != nil {
			r.logger.Warn("fleet_configs_save_error", "error", err.Error())
		}
	}
	r.emit("deleted", snap)
	r.logger.Info("fleet_bot_deleted", "bot_id", id)
	return nil
}

// FleetStatus is the aggregate view across all bots.
type FleetStatus struct {
	Total    int                `json:"total"`
	ByStatus map[Status]int     `json:"by_status"`
	Bots     []InstanceSnapshot `json:"bots"`
}

func (r *Registry) Status() FleetStatus {
	snaps := r.List()
	status := FleetStatus{
		Total:    len(snaps),
		ByStatus: make(map[Status]int),
		Bots:     snaps,
	}
	for _, snap := range snaps {
		status.ByStatus[snap.Status]++
	}
	return status
}

// StartAll brings every registered bot online. Individual failures are
// logged and do not stop the rest of the fleet.
func (r *Registry) StartAll(ctx context.Context) {
	for _, snap := range r.List() {
		if err := r.Start(ctx, snap.ID); err != nil {
			r.logger.Error("fleet_bot_start_error", "bot_id", snap.ID, "error", err.Error())
		}
	}
}

// SaveAll persists every bot's conversations and the fleet status file.
func (r *Registry) SaveAll() error {
	if r.deps.Store == nil {
		return nil
	}
	var firstErr error
	for _, snap := range r.List() {
		sup, err := r.supervisor(snap.ID)
		if err != nil {
			continue
		}
		if err := r.deps.Store.SaveConversations(snap.ID, sup.Engine().Snapshot()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := r.deps.Store.SaveFleetState(r.List()); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Close stops all bots and flushes persistence.
func (r *Registry) Close() error {
	r.mu.Lock()
	sups := make([]*Supervisor, 0, len(r.bots))
	for _, sup := range r.bots {
		sups = append(sups, sup)
	}
	r.mu.Unlock()

	for _, sup := range sups {
		sup.Close()
	}
	return r.SaveAll()
}

func (r *Registry) persistConfigs() error {
	r.mu.Lock()
	configs := make([]BotConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		configs = append(configs, cfg)
	}
	r.mu.Unlock()
	return r.deps.Store.SaveConfigs(configs)
}

func (r *Registry) emit(event string, snap InstanceSnapshot) {
	if r.deps.Notify != nil {
		r.deps.Notify(event, snap)
	}
}
