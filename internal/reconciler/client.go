package reconciler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Client is the Reconciler's view of the external orchestrator (spec §4.8 "watches an external
// orchestrator's task resource objects"). FileClient below is the reference implementation; a
// real deployment would swap in a client for whatever control plane hosts the resources (spec §1
// treats that control plane as an external collaborator, not something this repo implements).
type Client interface {
	List() ([]*TaskResource, error)
	UpdateStatus(name string, status TaskResourceStatus) error
}

// FileClient backs Client with a directory of one YAML file per task resource — the file-system
// analog of the watch-and-patch cycle a real orchestrator client performs, keeping this repo free
// of a Kubernetes client-go dependency nothing else in the pack's go.mod files pulls in.
type FileClient struct {
	mu  sync.Mutex
	dir string
}

// NewFileClient constructs a FileClient rooted at dir. The directory must already exist.
func NewFileClient(dir string) *FileClient {
	return &FileClient{dir: dir}
}

// List reads every *.yaml file in the directory, sorted by name for deterministic processing
// order.
func (c *FileClient) List() ([]*TaskResource, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("list task resources: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]*TaskResource, 0, len(names))
	for _, n := range names {
		res, err := c.readLocked(n)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (c *FileClient) readLocked(filename string) (*TaskResource, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, filename))
	if err != nil {
		return nil, fmt.Errorf("read task resource %s: %w", filename, err)
	}
	var res TaskResource
	if err := yaml.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parse task resource %s: %w", filename, err)
	}
	res.Name = strings.TrimSuffix(filename, ".yaml")
	return &res, nil
}

// UpdateStatus rewrites name's status block, preserving its spec untouched (spec §4.8 "patch the
// external status").
func (c *FileClient) UpdateStatus(name string, status TaskResourceStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	filename := name + ".yaml"
	res, err := c.readLocked(filename)
	if err != nil {
		return err
	}
	res.Status = status

	data, err := yaml.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal task resource %s: %w", name, err)
	}
	tmp := filepath.Join(c.dir, "."+name+".yaml.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write task resource %s: %w", name, err)
	}
	return os.Rename(tmp, filepath.Join(c.dir, filename))
}
