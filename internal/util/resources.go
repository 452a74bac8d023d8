// Package util holds small leak-detection helpers shared by this
// repo's test suites.
package util

import (
	"fmt"
	"os"
	"sync"
)

// ResourceTracker tracks open file handles and other named resources
// for cleanup verification in tests. A MuxWriter opens a staging file
// and (in the astiav-backed container) a handful of libavformat
// buffers; a FileLock opens a lock file. Both are expected to be fully
// released by the time Finalize/Close returns, and this type is how
// the package tests assert that.
type ResourceTracker struct {
	mu        sync.Mutex
	files     map[string]*os.File
	resources map[string]interface{}
}

// NewResourceTracker creates a new resource tracker.
func NewResourceTracker() *ResourceTracker {
	return &ResourceTracker{
		files:     make(map[string]*os.File),
		resources: make(map[string]interface{}),
	}
}

// TrackFile registers a file for tracking.
func (rt *ResourceTracker) TrackFile(name string, file *os.File) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.files[name] = file
}

// UntrackFile unregisters a file.
func (rt *ResourceTracker) UntrackFile(name string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.files, name)
}

// TrackResource registers a named resource for tracking (a held
// FileLock, typically, since it has no *os.File to hand over directly
// once flock(2) has been applied).
func (rt *ResourceTracker) TrackResource(name string, resource interface{}) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.resources[name] = resource
}

// UntrackResource unregisters a named resource.
func (rt *ResourceTracker) UntrackResource(name string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.resources, name)
}

// LeakedResources returns names of all resources still being tracked.
// In tests this should be empty once teardown has run.
func (rt *ResourceTracker) LeakedResources() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var leaked []string
	for name := range rt.files {
		leaked = append(leaked, fmt.Sprintf("file:%s", name))
	}
	for name := range rt.resources {
		leaked = append(leaked, fmt.Sprintf("resource:%s", name))
	}
	return leaked
}

// Count returns the total number of tracked resources.
func (rt *ResourceTracker) Count() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.files) + len(rt.resources)
}
