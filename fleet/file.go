package fleet

import (
	"cmp"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.ntppool.org/common/logger"
	"gopkg.in/yaml.v3"
)

// FileRegistry serves the node directory and group registry from a
// YAML fleet file, for deployments without a shared database.
//
//	nodes:
//	  - id: 1
//	    name: fra-1
//	    address: 203.0.113.10
//	    api_port: 62050
//	    status: connected
//	groups:
//	  - id: 1
//	    name: europe
//	    hint: url-test
//	    nodes: [1, 2]
type FileRegistry struct {
	path string

	mu     sync.RWMutex
	nodes  map[int64]Node
	order  []int64
	groups map[int64]Group
}

type fleetFile struct {
	Nodes  []Node  `yaml:"nodes"`
	Groups []Group `yaml:"groups"`
}

// StatusFunc is called for every node whose status changed on reload.
type StatusFunc func(ctx context.Context, n Node)

// LoadFile reads the fleet file at path.
func LoadFile(path string) (*FileRegistry, error) {
	r := &FileRegistry{path: path}
	if _, err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRegistry) reload() ([]Node, error) {
	b, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("reading fleet file: %w", err)
	}
	var ff fleetFile
	if err := yaml.Unmarshal(b, &ff); err != nil {
		return nil, fmt.Errorf("parsing fleet file %s: %w", r.path, err)
	}

	nodes := make(map[int64]Node, len(ff.Nodes))
	order := make([]int64, 0, len(ff.Nodes))
	for _, n := range ff.Nodes {
		if _, dup := nodes[n.ID]; dup {
			return nil, fmt.Errorf("fleet file %s: duplicate node id %d", r.path, n.ID)
		}
		if n.Status == "" {
			n.Status = StatusConnecting
		}
		nodes[n.ID] = n
		order = append(order, n.ID)
	}
	groups := make(map[int64]Group, len(ff.Groups))
	for _, g := range ff.Groups {
		if g.Hint == "" {
			g.Hint = HintClientDefault
		}
		for _, id := range g.NodeIDs {
			if _, ok := nodes[id]; !ok {
				return nil, fmt.Errorf("fleet file %s: group %d references unknown node %d", r.path, g.ID, id)
			}
		}
		groups[g.ID] = g
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []Node
	for id, n := range nodes {
		if old, ok := r.nodes[id]; !ok || old.Status != n.Status {
			changed = append(changed, n)
		}
	}
	slices.SortFunc(changed, func(a, b Node) int { return cmp.Compare(a.ID, b.ID) })

	r.nodes, r.order, r.groups = nodes, order, groups
	return changed, nil
}

func (r *FileRegistry) Node(_ context.Context, id int64) (Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("node %d: %w", id, ErrNotFound)
	}
	return n, nil
}

func (r *FileRegistry) Nodes(_ context.Context, status Status) ([]Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodes := make([]Node, 0, len(r.order))
	for _, id := range r.order {
		n := r.nodes[id]
		if status != "" && n.Status != status {
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (r *FileRegistry) Group(_ context.Context, id int64) (Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return Group{}, fmt.Errorf("group %d: %w", id, ErrNotFound)
	}
	g.NodeIDs = slices.Clone(g.NodeIDs)
	return g, nil
}

// Watch reloads the fleet file when it changes and calls onStatus for
// nodes whose status changed. A file that fails to parse leaves the
// previous contents in place. Watch blocks until ctx is done.
func (r *FileRegistry) Watch(ctx context.Context, onStatus StatusFunc) error {
	log := logger.FromContext(ctx).WithGroup("fleet-file")

	const (
		pollInterval     = 5 * time.Minute
		debounceInterval = 100 * time.Millisecond
	)

	dir, name := filepath.Dir(r.path), filepath.Base(r.path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WarnContext(ctx, "failed to create file watcher, falling back to polling", "err", err)
		watcher = nil
	} else if err := watcher.Add(dir); err != nil {
		log.WarnContext(ctx, "failed to watch fleet file directory, falling back to polling", "dir", dir, "err", err)
		watcher.Close()
		watcher = nil
	}
	defer func() {
		if watcher != nil {
			watcher.Close()
		}
	}()

	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	var debounce <-chan time.Time

	for {
		var events <-chan fsnotify.Event
		var errs <-chan error
		if watcher != nil {
			events, errs = watcher.Events, watcher.Errors
		}

		reload := false
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				watcher = nil
				continue
			}
			if filepath.Base(event.Name) == name &&
				event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce = time.After(debounceInterval)
			}
		case err, ok := <-errs:
			if !ok {
				watcher = nil
				continue
			}
			log.WarnContext(ctx, "file watcher error", "err", err)
		case <-debounce:
			debounce = nil
			reload = true
		case <-timer.C:
			timer.Reset(pollInterval)
			reload = true
		}

		if !reload {
			continue
		}

		changed, err := r.reload()
		if err != nil {
			log.WarnContext(ctx, "could not reload fleet file", "err", err)
			continue
		}
		log.DebugContext(ctx, "reloaded fleet file", "changed", len(changed))
		if onStatus == nil {
			continue
		}
		for _, n := range changed {
			onStatus(ctx, n)
		}
	}
}
