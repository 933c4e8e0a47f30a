package definition

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pitabwire/workorder/model"
)

// snapshot is an immutable view of every loaded process.
type snapshot struct {
	processes     map[string]*model.ProcessDefinition
	schemas       map[string]*FormSchema
	notifications []model.NotificationConfig
	checksum      string
}

// Registry serves process definitions to the engine. Reads never lock;
// Replace swaps the whole snapshot at once so a reload is never observed
// half applied.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry builds a Registry from loaded definition files. It fails when
// a form schema does not compile; structural checks belong to Validator.
func NewRegistry(files []model.DefinitionFile) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(files); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace atomically swaps the registry contents.
func (r *Registry) Replace(files []model.DefinitionFile) error {
	s := &snapshot{
		processes: make(map[string]*model.ProcessDefinition),
		schemas:   make(map[string]*FormSchema),
	}

	var checksumParts []string
	for _, f := range files {
		for i := range f.Processes {
			p := f.Processes[i]
			schema, err := CompileFormSchema(p.FormSchema)
			if err != nil {
				return fmt.Errorf("process %q: %w", p.ID, err)
			}
			s.processes[p.ID] = &p
			s.schemas[p.ID] = schema
			checksumParts = append(checksumParts, p.Checksum)
		}
		s.notifications = append(s.notifications, f.Notifications...)
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
	return nil
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// GetProcess returns the process with the given id. The returned pointer is
// shared and must not be modified.
func (r *Registry) GetProcess(id string) (*model.ProcessDefinition, bool) {
	p, ok := r.current().processes[id]
	return p, ok
}

// FormSchema returns the compiled form schema for a process, nil when the
// process declares none.
func (r *Registry) FormSchema(processID string) *FormSchema {
	return r.current().schemas[processID]
}

// AllProcesses returns every process sorted by id.
func (r *Registry) AllProcesses() []*model.ProcessDefinition {
	s := r.current()
	out := make([]*model.ProcessDefinition, 0, len(s.processes))
	for _, p := range s.processes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DefaultNotifications returns the notification configs shipped alongside
// the process definitions.
func (r *Registry) DefaultNotifications() []model.NotificationConfig {
	return append([]model.NotificationConfig(nil), r.current().notifications...)
}

// Checksum returns the combined checksum of all loaded definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
