package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"

	"transportsync/internal/observability/metrics"
)

const projectSuffix = ".json"

// Dir serves projects from a directory of JSON files. Files that fail to load
// or parse are skipped so one bad entry never takes the catalog down. When
// watching is enabled, edits to the directory are reflected without a restart.
type Dir struct {
	logger *slog.Logger
	path   string
	watch  bool

	watcher *fsnotify.Watcher
	done    chan struct{}

	mu       sync.RWMutex
	projects map[string]Project
	byPath   map[string]string
}

// NewDir loads every project file from the directory and optionally starts a
// filesystem watcher for hot reload.
func NewDir(path string, opts ...Option) (*Dir, error) {
	d := &Dir{
		logger:   slog.Default(),
		path:     path,
		projects: make(map[string]Project),
		byPath:   make(map[string]string),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyDir(d)
		}
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog dir %s: %w", path, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), projectSuffix) {
			continue
		}
		d.loadFile(filepath.Join(path, entry.Name()))
	}

	if d.watch {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			d.logger.Warn("catalog watcher unavailable, running static", "error", err)
		} else if err := watcher.Add(path); err != nil {
			d.logger.Warn("catalog watcher unavailable, running static", "error", err)
			_ = watcher.Close()
		} else {
			d.watcher = watcher
			go d.watchLoop()
		}
	}

	metrics.SetCatalogHealth("dir", "ok")
	return d, nil
}

// GetProject returns the project with the given id.
func (d *Dir) GetProject(id string) (Project, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	project, ok := d.projects[id]
	return project, ok
}

// ListProjects returns every loaded project sorted by id.
func (d *Dir) ListProjects() []Project {
	d.mu.RLock()
	defer d.mu.RUnlock()
	projects := make([]Project, 0, len(d.projects))
	for _, project := range d.projects {
		projects = append(projects, project)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects
}

// Len reports how many projects are currently loaded.
func (d *Dir) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.projects)
}

// Ping reports whether the catalog directory is still readable.
func (d *Dir) Ping(_ context.Context) error {
	info, err := os.Stat(d.path)
	if err != nil {
		return fmt.Errorf("catalog dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("catalog path %s is not a directory", d.path)
	}
	return nil
}

// Close stops the filesystem watcher. The loaded projects stay readable.
func (d *Dir) Close(_ context.Context) error {
	select {
	case <-d.done:
		return nil
	default:
	}
	close(d.done)
	if d.watcher != nil {
		return d.watcher.Close()
	}
	return nil
}

func (d *Dir) watchLoop() {
	for {
		select {
		case <-d.done:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, projectSuffix) {
				continue
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				d.loadFile(event.Name)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				d.dropFile(event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("catalog watcher error", "error", err)
		}
	}
}

func (d *Dir) loadFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		d.logger.Warn("skipping unreadable project file", "file", filepath.Base(path), "error", err)
		metrics.ObserveCatalogEvent("skipped")
		return
	}
	project, err := parseProject(path, data)
	if err != nil {
		d.logger.Warn("skipping malformed project file", "file", filepath.Base(path), "error", err)
		metrics.ObserveCatalogEvent("skipped")
		return
	}

	d.mu.Lock()
	if previous, ok := d.byPath[path]; ok && previous != project.ID {
		delete(d.projects, previous)
	}
	_, existed := d.projects[project.ID]
	d.projects[project.ID] = project
	d.byPath[path] = project.ID
	d.mu.Unlock()

	if existed {
		metrics.ObserveCatalogEvent("reloaded")
	} else {
		metrics.ObserveCatalogEvent("loaded")
	}
	d.logger.Debug("catalog project loaded", "id", project.ID, "file", filepath.Base(path))
}

func (d *Dir) dropFile(path string) {
	d.mu.Lock()
	id, ok := d.byPath[path]
	if ok {
		delete(d.byPath, path)
		delete(d.projects, id)
	}
	d.mu.Unlock()
	if ok {
		metrics.ObserveCatalogEvent("removed")
		d.logger.Debug("catalog project removed", "id", id, "file", filepath.Base(path))
	}
}

type projectFile struct {
	ID          string       `json:"id"`
	DisplayName string       `json:"displayName"`
	Name        string       `json:"name"`
	Artist      string       `json:"artist"`
	BPM         *float64     `json:"bpm"`
	Tempo       *float64     `json:"tempo"`
	TimeSig     string       `json:"timeSig"`
	Meta        *projectMeta `json:"meta"`
}

type projectMeta struct {
	Title   string   `json:"title"`
	Artist  string   `json:"artist"`
	BPM     *float64 `json:"bpm"`
	Tempo   *float64 `json:"tempo"`
	TimeSig string   `json:"timeSig"`
}

// parseProject extracts catalog metadata from a project document. The id
// defaults to the file basename, display fields fall back through the
// document's naming keys, and tempo honours the meta block's bpm before its
// tempo alias.
func parseProject(path string, data []byte) (Project, error) {
	var file projectFile
	if err := json.Unmarshal(data, &file); err != nil {
		return Project{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	project := Project{
		ID:       strings.TrimSpace(file.ID),
		Artist:   strings.TrimSpace(file.Artist),
		Document: json.RawMessage(data),
	}
	if project.ID == "" {
		base := filepath.Base(path)
		project.ID = strings.TrimSuffix(base, projectSuffix)
	}

	project.DisplayName = firstNonEmpty(file.DisplayName, file.Name)
	project.Tempo = file.BPM
	if project.Tempo == nil {
		project.Tempo = file.Tempo
	}
	project.TimeSignature = strings.TrimSpace(file.TimeSig)

	if file.Meta != nil {
		if project.DisplayName == "" {
			project.DisplayName = strings.TrimSpace(file.Meta.Title)
		}
		if project.Artist == "" {
			project.Artist = strings.TrimSpace(file.Meta.Artist)
		}
		if file.Meta.BPM != nil {
			project.Tempo = file.Meta.BPM
		} else if file.Meta.Tempo != nil {
			project.Tempo = file.Meta.Tempo
		}
		if ts := strings.TrimSpace(file.Meta.TimeSig); ts != "" {
			project.TimeSignature = ts
		}
	}
	if project.DisplayName == "" {
		project.DisplayName = project.ID
	}
	// Project files arrive from editors on several platforms, so fold the
	// user-facing strings to a single Unicode normal form.
	project.DisplayName = norm.NFC.String(project.DisplayName)
	project.Artist = norm.NFC.String(project.Artist)
	return project, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
