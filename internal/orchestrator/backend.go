package orchestrator

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/coderelay/server/internal/agent"
	"github.com/coderelay/server/internal/protocol"
	"github.com/coderelay/server/internal/relayerr"
)

// Backend is one configured agent variant selectable at session-create time.
type Backend struct {
	ID      string   `yaml:"id"`
	Label   string   `yaml:"label"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
	Default bool     `yaml:"default"`
}

func (b Backend) launchCommand(cwd string) agent.Command {
	return agent.Command{Path: b.Command, Args: b.Args, Env: b.Env, Dir: cwd}
}

// Backends is a validated backend table with one default.
type Backends struct {
	byID      map[string]Backend
	order     []string
	defaultID string
}

func NewBackends(list []Backend) (*Backends, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("at least one backend is required")
	}
	b := &Backends{byID: make(map[string]Backend)}
	for _, be := range list {
		if be.ID == "" || be.Command == "" {
			return nil, fmt.Errorf("backend needs id and command")
		}
		if _, dup := b.byID[be.ID]; dup {
			return nil, fmt.Errorf("duplicate backend id %q", be.ID)
		}
		b.byID[be.ID] = be
		b.order = append(b.order, be.ID)
		if be.Default {
			if b.defaultID != "" {
				return nil, fmt.Errorf("multiple default backends (%s, %s)", b.defaultID, be.ID)
			}
			b.defaultID = be.ID
		}
	}
	if b.defaultID == "" {
		b.defaultID = b.order[0]
	}
	return b, nil
}

// LoadBackends reads the worker's yaml backends file.
func LoadBackends(path string) (*Backends, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backends file: %w", err)
	}
	var doc struct {
		Backends []Backend `yaml:"backends"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse backends file: %w", err)
	}
	return NewBackends(doc.Backends)
}

// Resolve maps a requested backend id to its config. Empty falls back to the
// default; an unknown id is a request validation failure.
func (b *Backends) Resolve(id string) (Backend, error) {
	if id == "" {
		id = b.defaultID
	}
	be, ok := b.byID[id]
	if !ok {
		return Backend{}, relayerr.Invalid(fmt.Sprintf("unknown backend %q", id))
	}
	return be, nil
}

// Declare lists the backends for worker registration.
func (b *Backends) Declare() []protocol.BackendInfo {
	out := make([]protocol.BackendInfo, 0, len(b.order))
	for _, id := range b.order {
		be := b.byID[id]
		out = append(out, protocol.BackendInfo{ID: be.ID, Label: be.Label, Default: id == b.defaultID})
	}
	return out
}
