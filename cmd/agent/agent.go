package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/hacluster/internal/cluster"
)

// ErrNoServer is returned when no server of the failover list accepts the
// agent.
var ErrNoServer = errors.New("no server in the failover list accepted the connection")

// State is what an agent keeps across restarts: the security token it got at
// registration and the last failover list it received.
type State struct {
	Token        string                `yaml:"token"`
	Server       string                `yaml:"server,omitempty"`
	FailoverList []cluster.ServerEntry `yaml:"failover_list"`
}

// LoadState reads the state file. A missing file yields an empty state.
func LoadState(path string) (State, error) {
	var st State
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("read agent state: %w", err)
	}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("parse agent state %s: %w", path, err)
	}
	return st, nil
}

// SaveState writes the state file atomically.
func SaveState(path string, st State) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".agent-state-*")
	if err != nil {
		return fmt.Errorf("write agent state: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write agent state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write agent state: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// Agent registers with the coordinator and keeps a connection to one server
// of its failover list, moving down the list when that server stops
// answering.
type Agent struct {
	name      string
	address   string
	port      int
	version   string
	statePath string
	coord     *cluster.Client
	logger    *zap.Logger

	mu    sync.Mutex
	state State
}

// NewAgent creates an agent and loads its persisted state.
func NewAgent(opts options, coord *cluster.Client, logger *zap.Logger) (*Agent, error) {
	st, err := LoadState(opts.StatePath)
	if err != nil {
		return nil, err
	}
	return &Agent{
		name:      opts.Name,
		address:   opts.Address,
		port:      opts.Port,
		version:   opts.Version,
		statePath: opts.StatePath,
		coord:     coord,
		logger:    logger,
		state:     st,
	}, nil
}

// State returns a copy of the agent's current state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.state
	st.FailoverList = append([]cluster.ServerEntry(nil), a.state.FailoverList...)
	return st
}

func (a *Agent) failoverList() cluster.FailoverList {
	return cluster.FailoverList{Servers: a.State().FailoverList}
}

// update applies fn to the state and persists the result.
func (a *Agent) update(fn func(*State)) error {
	a.mu.Lock()
	fn(&a.state)
	st := a.state
	a.mu.Unlock()
	return SaveState(a.statePath, st)
}

// Register registers the agent, presenting the token from a previous run.
// The returned token and failover list are persisted.
func (a *Agent) Register(ctx context.Context) error {
	res, err := a.coord.RegisterAgent(ctx, cluster.RegisterAgentRequest{
		Name:          a.name,
		Address:       a.address,
		Port:          a.port,
		OriginalToken: a.State().Token,
		Version:       a.version,
	})
	if err != nil {
		return fmt.Errorf("register agent %s: %w", a.name, err)
	}
	a.logger.Info("registered",
		zap.Strings("failover_list", res.FailoverList.Names()))
	return a.update(func(st *State) {
		st.Token = res.AgentToken
		st.FailoverList = res.FailoverList.Servers
	})
}

// RefreshFailoverList fetches the agent's current list from the coordinator.
func (a *Agent) RefreshFailoverList(ctx context.Context) error {
	list, err := a.coord.FailoverList(ctx, a.name)
	if err != nil {
		return err
	}
	return a.update(func(st *State) { st.FailoverList = list.Servers })
}

func serverURL(entry cluster.ServerEntry, path string) string {
	return "http://" + entry.Endpoint() + path
}

func (a *Agent) call(ctx context.Context, entry cluster.ServerEntry, path string) error {
	return cluster.PostJSON(ctx, serverURL(entry, path), cluster.AgentRequest{Agent: a.name}, nil)
}

// Connect connects to the first server of the failover list that accepts
// the agent, starting after the server named skip when it is not empty.
func (a *Agent) Connect(ctx context.Context, skip string) (cluster.ServerEntry, error) {
	list := a.failoverList()
	if len(list.Servers) == 0 {
		return cluster.ServerEntry{}, ErrNoServer
	}

	entry, _ := list.Primary()
	if skip != "" {
		entry, _ = list.Next(skip)
	}
	var errs []error
	for range list.Servers {
		err := a.call(ctx, entry, "/v1/agent/connect")
		if err == nil {
			a.logger.Info("connected", zap.String("server", entry.Name))
			return entry, a.update(func(st *State) { st.Server = entry.Name })
		}
		if ctx.Err() != nil {
			return cluster.ServerEntry{}, ctx.Err()
		}
		a.logger.Warn("server refused connection", zap.String("server", entry.Name), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", entry.Name, err))
		entry, _ = list.Next(entry.Name)
	}
	return cluster.ServerEntry{}, fmt.Errorf("%w: %w", ErrNoServer, errors.Join(errs...))
}

func (a *Agent) current() (cluster.ServerEntry, bool) {
	st := a.State()
	for _, e := range st.FailoverList {
		if e.Name == st.Server {
			return e, true
		}
	}
	return cluster.ServerEntry{}, false
}

// Ping pings the connected server. When the server does not answer, the
// agent refreshes its failover list if the coordinator is reachable and
// fails over to the next server.
func (a *Agent) Ping(ctx context.Context) error {
	entry, ok := a.current()
	if ok {
		err := a.call(ctx, entry, "/v1/agent/ping")
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Warn("ping failed, failing over", zap.String("server", entry.Name), zap.Error(err))
	}

	if err := a.RefreshFailoverList(ctx); err != nil {
		a.logger.Warn("refresh failover list", zap.Error(err))
	}
	_, err := a.Connect(ctx, entry.Name)
	return err
}

// Shutdown tells the connected server that the agent is going away.
func (a *Agent) Shutdown(ctx context.Context) error {
	entry, ok := a.current()
	if !ok {
		return nil
	}
	err := a.call(ctx, entry, "/v1/agent/shutdown")
	if err != nil && cluster.StatusCode(err) != http.StatusNotFound {
		return err
	}
	return a.update(func(st *State) { st.Server = "" })
}
