// Package pipeline loads pipeline definitions from a repository checkout.
//
// Layout: <repo>/pipelines/<uuid>/metadata.yaml holds the pipeline and
// <repo>/pipelines/<uuid>/triggers.yaml its declared triggers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/pipesched/pkg/model"
)

const (
	pipelinesDir = "pipelines"
	metadataFile = "metadata.yaml"
	triggersFile = "triggers.yaml"
)

// Resolver finds a pipeline by uuid, optionally inside a specific repository.
// An empty repoPath means the resolver's default repository.
type Resolver interface {
	Resolve(ctx context.Context, uuid, repoPath string) (*model.Pipeline, error)
}

// MetadataPath returns the path of a pipeline's metadata file.
func MetadataPath(repoPath, uuid string) string {
	return filepath.Join(repoPath, pipelinesDir, uuid, metadataFile)
}

// TriggersPath returns the path of a pipeline's trigger declarations.
func TriggersPath(repoPath, uuid string) string {
	return filepath.Join(repoPath, pipelinesDir, uuid, triggersFile)
}

// ListUUIDs returns the uuids of every pipeline directory in the repository.
func ListUUIDs(repoPath string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(repoPath, pipelinesDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var uuids []string
	for _, e := range entries {
		if e.IsDir() {
			uuids = append(uuids, e.Name())
		}
	}
	sort.Strings(uuids)
	return uuids, nil
}

// Load reads and validates one metadata file.
func Load(path string) (*model.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p model.Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", model.ErrInvalidPipeline, path, err)
	}
	if p.Type == "" {
		p.Type = model.PipelineTypePython
	}
	if _, err := Prepare(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

type cacheEntry struct {
	pipeline *model.Pipeline
	modTime  time.Time
}

// FileResolver loads pipelines from metadata files and caches them until the
// file changes. Returned pipelines are shared and must not be modified.
type FileResolver struct {
	repoPath string

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewFileResolver creates a resolver whose default repository is repoPath.
func NewFileResolver(repoPath string) *FileResolver {
	return &FileResolver{repoPath: repoPath, cache: make(map[string]cacheEntry)}
}

// RepoPath returns the default repository.
func (r *FileResolver) RepoPath() string {
	return r.repoPath
}

func (r *FileResolver) Resolve(_ context.Context, uuid, repoPath string) (*model.Pipeline, error) {
	if repoPath == "" {
		repoPath = r.repoPath
	}
	path := MetadataPath(repoPath, uuid)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", model.ErrPipelineNotFound, uuid)
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	entry, ok := r.cache[path]
	r.mu.Unlock()
	if ok && entry.modTime.Equal(info.ModTime()) {
		return entry.pipeline, nil
	}

	p, err := Load(path)
	if err != nil {
		return nil, err
	}
	if p.UUID == "" {
		p.UUID = uuid
	}
	p.RepoPath = repoPath

	r.mu.Lock()
	r.cache[path] = cacheEntry{pipeline: p, modTime: info.ModTime()}
	r.mu.Unlock()
	return p, nil
}

// StaticResolver serves pipelines registered in memory.
type StaticResolver struct {
	mu        sync.RWMutex
	pipelines map[string]*model.Pipeline
}

// NewStaticResolver validates and registers the given pipelines.
func NewStaticResolver(pipelines ...*model.Pipeline) (*StaticResolver, error) {
	r := &StaticResolver{pipelines: make(map[string]*model.Pipeline)}
	for _, p := range pipelines {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register validates p and makes it resolvable by its uuid.
func (r *StaticResolver) Register(p *model.Pipeline) error {
	if p.Type == "" {
		p.Type = model.PipelineTypePython
	}
	if _, err := Prepare(p); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[p.UUID] = p
	return nil
}

func (r *StaticResolver) Resolve(_ context.Context, uuid, _ string) (*model.Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[uuid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrPipelineNotFound, uuid)
	}
	return p, nil
}
