package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"transportsync/internal/catalog"
	"transportsync/internal/observability/metrics"
)

// ErrProjectNotFound reports a selection that named an id absent from the
// project catalog.
var ErrProjectNotFound = fmt.Errorf("project not found")

// Catalog exposes the read-only operations the store requires from the
// project catalog.
type Catalog interface {
	GetProject(id string) (catalog.Project, bool)
	ListProjects() []catalog.Project
}

// Broadcaster receives the snapshot produced by every successful mutation.
type Broadcaster interface {
	Broadcast(Snapshot)
}

// MultiBroadcaster fans each snapshot to several broadcasters in order.
type MultiBroadcaster []Broadcaster

func (m MultiBroadcaster) Broadcast(snapshot Snapshot) {
	for _, b := range m {
		if b != nil {
			b.Broadcast(snapshot)
		}
	}
}

// StoreConfig configures a Store.
type StoreConfig struct {
	Catalog Catalog
	Logger  *slog.Logger
	// ProjectID names the initially active project. When empty the store
	// activates the first catalog entry instead.
	ProjectID string
	// Clock overrides the snapshot timestamp source.
	Clock func() time.Time
}

// Store is the sole owner and mutator of the transport state and the active
// project id. Mutations serialise on one mutex; snapshots taken inside it
// are clamped and timestamped before they escape, and broadcasts happen
// after the lock is released so a slow observer never stalls a writer.
type Store struct {
	logger  *slog.Logger
	catalog Catalog
	clock   func() time.Time

	mu          sync.Mutex
	state       State
	activeID    string
	broadcaster Broadcaster
}

// NewStore seeds the transport from the initially active project's metadata.
// Asking for a project the catalog does not know fails construction; an
// empty catalog does not, the store then runs on transport defaults with no
// active project until one is selected.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("store requires a catalog")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	s := &Store{
		logger:  logger,
		catalog: cfg.Catalog,
		clock:   clock,
		state:   NewState(),
	}

	var seed *catalog.Project
	if cfg.ProjectID != "" {
		project, ok := cfg.Catalog.GetProject(cfg.ProjectID)
		if !ok {
			return nil, fmt.Errorf("initial project %q: %w", cfg.ProjectID, ErrProjectNotFound)
		}
		seed = &project
	} else if projects := cfg.Catalog.ListProjects(); len(projects) > 0 {
		seed = &projects[0]
	}
	if seed == nil {
		logger.Warn("catalog empty, starting without an active project")
		return s, nil
	}

	s.activeID = seed.ID
	s.applyProjectLocked(*seed)
	s.state.clamp()
	logger.Info("transport seeded",
		"project", seed.ID,
		"bpm", s.state.BPM,
		"time_signature", fmt.Sprintf("%d/%d", s.state.TSNum, s.state.TSDen))
	return s, nil
}

// SetBroadcaster wires the fan-out target. Call it once during startup,
// before the store starts taking mutations.
func (s *Store) SetBroadcaster(b Broadcaster) {
	s.mu.Lock()
	s.broadcaster = b
	s.mu.Unlock()
}

// Snapshot clamps the current state, stamps the server time and returns the
// resulting copy. It never fails and does not broadcast.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// ActiveProjectID returns the id of the currently active project, or the
// empty string when the catalog was empty at startup.
func (s *Store) ActiveProjectID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Project resolves one catalog entry.
func (s *Store) Project(id string) (catalog.Project, bool) {
	return s.catalog.GetProject(id)
}

// Projects lists the catalog.
func (s *Store) Projects() []catalog.Project {
	return s.catalog.ListProjects()
}

// Apply overwrites the fields the update carries, leaves the rest untouched
// and returns the resulting snapshot. The snapshot is also handed to the
// broadcaster. Apply never fails; out-of-range values are clamped into the
// snapshot rather than rejected.
func (s *Store) Apply(update Update) Snapshot {
	s.mu.Lock()
	if update.Playing != nil {
		s.state.Playing = *update.Playing
	}
	if update.Bar != nil {
		s.state.Bar = int(*update.Bar)
	}
	if update.Beat != nil {
		s.state.Beat = int(*update.Beat)
	}
	if update.BPM != nil {
		s.state.BPM = *update.BPM
	}
	if update.PPQ != nil {
		s.state.PPQ = *update.PPQ
	}
	if update.TSNum != nil {
		s.state.TSNum = int(*update.TSNum)
	}
	if update.TSDen != nil {
		s.state.TSDen = int(*update.TSDen)
	}
	snapshot := s.snapshotLocked()
	b := s.broadcaster
	s.mu.Unlock()

	metrics.ObserveMutation("update")
	if b != nil {
		b.Broadcast(snapshot)
	}
	return snapshot
}

// SelectProject switches the active project. On success the position resets
// to bar one, beat one, pulse zero; tempo and meter come from the project's
// metadata, keeping the prior values when the project declares none or the
// meter string does not parse. An unknown id fails with ErrProjectNotFound
// and leaves the state completely untouched.
func (s *Store) SelectProject(id string) (Snapshot, error) {
	s.mu.Lock()
	project, ok := s.catalog.GetProject(id)
	if !ok {
		s.mu.Unlock()
		metrics.ObserveMutationFailure("select")
		s.logger.Warn("project selection rejected", "project", id)
		return Snapshot{}, fmt.Errorf("select project %q: %w", id, ErrProjectNotFound)
	}

	s.activeID = id
	s.state.Bar = 1
	s.state.Beat = 1
	s.state.PPQ = 0
	s.applyProjectLocked(project)
	snapshot := s.snapshotLocked()
	b := s.broadcaster
	s.mu.Unlock()

	metrics.ObserveMutation("select")
	s.logger.Info("project selected",
		"project", id,
		"bpm", snapshot.BPM,
		"time_signature", fmt.Sprintf("%d/%d", snapshot.TSNum, snapshot.TSDen))
	if b != nil {
		b.Broadcast(snapshot)
	}
	return snapshot, nil
}

// applyProjectLocked copies the project's declared tempo and meter onto the
// state. A missing or non-positive tempo and a missing or malformed meter
// both keep the prior values.
func (s *Store) applyProjectLocked(project catalog.Project) {
	if project.Tempo != nil && *project.Tempo > 0 {
		s.state.BPM = *project.Tempo
	}
	if project.TimeSignature == "" {
		return
	}
	num, den, err := ParseTimeSignature(project.TimeSignature)
	if err != nil {
		s.logger.Warn("keeping prior time signature", "project", project.ID, "error", err)
		return
	}
	s.state.TSNum = num
	s.state.TSDen = den
}

// snapshotLocked clamps the live state in place and copies it out with the
// current server time. Callers hold s.mu.
func (s *Store) snapshotLocked() Snapshot {
	s.state.clamp()
	return Snapshot{
		Playing:         s.state.Playing,
		Bar:             s.state.Bar,
		Beat:            s.state.Beat,
		BPM:             s.state.BPM,
		PPQ:             s.state.PPQ,
		TSNum:           s.state.TSNum,
		TSDen:           s.state.TSDen,
		THost:           float64(s.clock().UnixNano()) / 1e9,
		ActiveProjectID: s.activeID,
	}
}
