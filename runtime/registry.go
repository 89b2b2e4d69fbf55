package runtime

import (
	"context"
	"sort"
	"sync"

	"github.com/juju/errors"
	log "github.com/sirupsen/logrus"
	"github.com/warriorguo/agentflow/store"
	"github.com/warriorguo/agentflow/utils"
)

const (
	WorkflowPath = "/workflow/"
)

/**
 * Registry maps workflow names to workflows. Definitions can be saved to
 * and loaded from the store, loading gives back the structure only.
 */
type Registry struct {
	mu        sync.RWMutex
	store     store.Store
	workflows map[string]*Workflow
}

// NewRegistry creates an empty registry, store may be nil when Save and
// Load are not used.
func NewRegistry(store store.Store) *Registry {
	return &Registry{
		store:     store,
		workflows: make(map[string]*Workflow),
	}
}

// Register adds wf under its name, replacing any previous workflow.
func (r *Registry) Register(wf *Workflow) error {
	if wf == nil {
		return errors.NotValidf("nil workflow")
	}
	if wf.Name == "" {
		return errors.NotValidf("workflow without name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[wf.Name]; exists {
		log.WithField("workflow", wf.Name).Warn("workflow replaced in registry")
	}
	r.workflows[wf.Name] = wf
	return nil
}

func (r *Registry) Get(name string) (*Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, exists := r.workflows[name]
	return wf, exists
}

// List returns the registered names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Definition(name string) (*WorkflowDefinition, error) {
	wf, exists := r.Get(name)
	if !exists {
		return nil, errors.NotFoundf("workflow %s", name)
	}
	return DefinitionOf(wf), nil
}

// Save persists the definition of a registered workflow.
func (r *Registry) Save(ctx context.Context, name string) error {
	if r.store == nil {
		return errors.NotSupportedf("registry without store")
	}
	def, err := r.Definition(name)
	if err != nil {
		return errors.Trace(err)
	}
	b, err := utils.Serialize(def)
	if err != nil {
		return errors.Annotatef(err, "serialize workflow %s", name)
	}
	return errors.Trace(r.store.Set(ctx, WorkflowPath, name, b))
}

// Load reads a saved definition, pass it to Rebuild to get a runnable
// workflow.
func (r *Registry) Load(ctx context.Context, name string) (*WorkflowDefinition, error) {
	if r.store == nil {
		return nil, errors.NotSupportedf("registry without store")
	}
	b, err := r.store.Get(ctx, WorkflowPath, name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if b == nil {
		return nil, errors.NotFoundf("saved workflow %s", name)
	}
	def := &WorkflowDefinition{}
	if err := utils.Unserialize(b, def); err != nil {
		return nil, errors.Annotatef(err, "unserialize workflow %s", name)
	}
	return def, nil
}

// Render returns the DOT graph of a registered workflow.
func (r *Registry) Render(name string) (string, error) {
	wf, exists := r.Get(name)
	if !exists {
		return "", errors.NotFoundf("workflow %s", name)
	}
	return renderDOT(wf, nil, nil)
}
