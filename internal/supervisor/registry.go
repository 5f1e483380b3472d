package supervisor

import (
	"sync"
)

// Registry tracks the set of active Supervisors across all subscriptions a
// client has open, keyed by StreamHandle. The compare-and-swap-free
// single-writer-per-key pattern mirrors how a connection count would be
// tracked per chain, adapted here to track one Supervisor per handle
// instead of a count.
type Registry struct {
	supervisors sync.Map // StreamHandle -> *Supervisor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers sv under its own handle.
func (r *Registry) Add(sv *Supervisor) {
	r.supervisors.Store(sv.Handle(), sv)
}

// Remove drops the Supervisor for handle, if present.
func (r *Registry) Remove(handle StreamHandle) {
	r.supervisors.Delete(handle)
}

// Get returns the Supervisor registered for handle, if any.
func (r *Registry) Get(handle StreamHandle) (*Supervisor, bool) {
	v, ok := r.supervisors.Load(handle)
	if !ok {
		return nil, false
	}
	return v.(*Supervisor), true
}

// List returns every currently registered Supervisor.
func (r *Registry) List() []*Supervisor {
	var out []*Supervisor
	r.supervisors.Range(func(_, v interface{}) bool {
		out = append(out, v.(*Supervisor))
		return true
	})
	return out
}

// Len reports the number of active subscriptions.
func (r *Registry) Len() int {
	n := 0
	r.supervisors.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// StopAll cancels every registered Supervisor and waits for each to tear
// down, then clears the Registry.
func (r *Registry) StopAll() {
	var wg sync.WaitGroup
	r.supervisors.Range(func(k, v interface{}) bool {
		sv := v.(*Supervisor)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sv.Stop()
		}()
		return true
	})
	wg.Wait()
	r.supervisors.Range(func(k, _ interface{}) bool {
		r.supervisors.Delete(k)
		return true
	})
}
