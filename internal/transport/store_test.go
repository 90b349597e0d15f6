package transport_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"transportsync/internal/catalog"
	"transportsync/internal/transport"
)

type stubCatalog struct {
	projects map[string]catalog.Project
	order    []string
}

func (c stubCatalog) GetProject(id string) (catalog.Project, bool) {
	project, ok := c.projects[id]
	return project, ok
}

func (c stubCatalog) ListProjects() []catalog.Project {
	projects := make([]catalog.Project, 0, len(c.order))
	for _, id := range c.order {
		projects = append(projects, c.projects[id])
	}
	return projects
}

type recordingBroadcaster struct {
	mu        sync.Mutex
	snapshots []transport.Snapshot
}

func (b *recordingBroadcaster) Broadcast(snapshot transport.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots = append(b.snapshots, snapshot)
}

func (b *recordingBroadcaster) recorded() []transport.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]transport.Snapshot(nil), b.snapshots...)
}

func tempoPtr(v float64) *float64 { return &v }

func testCatalog() stubCatalog {
	return stubCatalog{
		projects: map[string]catalog.Project{
			"waltz": {ID: "waltz", DisplayName: "Waltz Study", Tempo: tempoPtr(90), TimeSignature: "3/4"},
			"rock":  {ID: "rock", DisplayName: "Rock Take", Artist: "Trio", Tempo: tempoPtr(140), TimeSignature: "4/4"},
			"bare":  {ID: "bare", DisplayName: "Bare"},
			"odd":   {ID: "odd", DisplayName: "Odd Meter", Tempo: tempoPtr(0), TimeSignature: "swing"},
		},
		order: []string{"rock", "waltz", "bare", "odd"},
	}
}

func newTestStore(t *testing.T, cfg transport.StoreConfig) *transport.Store {
	t.Helper()
	if cfg.Catalog == nil {
		cfg.Catalog = testCatalog()
	}
	store, err := transport.NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	return store
}

func TestNewStoreSeedsFromProjectMetadata(t *testing.T) {
	store := newTestStore(t, transport.StoreConfig{ProjectID: "waltz"})

	snapshot := store.Snapshot()
	if snapshot.ActiveProjectID != "waltz" {
		t.Fatalf("active project = %q, want waltz", snapshot.ActiveProjectID)
	}
	if snapshot.BPM != 90 || snapshot.TSNum != 3 || snapshot.TSDen != 4 {
		t.Fatalf("seeded state = %+v", snapshot)
	}
	if snapshot.Bar != 1 || snapshot.Beat != 1 || snapshot.Playing {
		t.Fatalf("seeded position should be stopped at bar one: %+v", snapshot)
	}
}

func TestNewStoreActivatesFirstProjectWhenUnspecified(t *testing.T) {
	store := newTestStore(t, transport.StoreConfig{})
	if got := store.ActiveProjectID(); got != "rock" {
		t.Fatalf("active project = %q, want rock", got)
	}
	if snapshot := store.Snapshot(); snapshot.BPM != 140 {
		t.Fatalf("bpm = %v, want 140", snapshot.BPM)
	}
}

func TestNewStoreEmptyCatalogRunsOnDefaults(t *testing.T) {
	store := newTestStore(t, transport.StoreConfig{Catalog: stubCatalog{}})

	snapshot := store.Snapshot()
	if snapshot.ActiveProjectID != "" {
		t.Fatalf("active project = %q, want empty", snapshot.ActiveProjectID)
	}
	if snapshot.BPM != 120 || snapshot.TSNum != 4 || snapshot.TSDen != 4 {
		t.Fatalf("default state = %+v", snapshot)
	}
}

func TestNewStoreUnknownInitialProjectFails(t *testing.T) {
	_, err := transport.NewStore(transport.StoreConfig{Catalog: testCatalog(), ProjectID: "missing"})
	if !errors.Is(err, transport.ErrProjectNotFound) {
		t.Fatalf("err = %v, want ErrProjectNotFound", err)
	}
}

func TestApplyOverwritesOnlySuppliedFields(t *testing.T) {
	store := newTestStore(t, transport.StoreConfig{ProjectID: "bare"})

	snapshot := store.Apply(transport.DecodeUpdate([]byte(`{"bar":5,"playing":true}`)))
	if snapshot.Bar != 5 || !snapshot.Playing {
		t.Fatalf("updated fields not applied: %+v", snapshot)
	}
	if snapshot.Beat != 1 || snapshot.BPM != 120 {
		t.Fatalf("untouched fields changed: %+v", snapshot)
	}
}

func TestApplyZeroTempoResetsToDefault(t *testing.T) {
	store := newTestStore(t, transport.StoreConfig{ProjectID: "waltz"})

	if snapshot := store.Apply(transport.DecodeUpdate([]byte(`{"bpm":0}`))); snapshot.BPM != 120 {
		t.Fatalf("bpm = %v, want 120", snapshot.BPM)
	}
	if snapshot := store.Apply(transport.DecodeUpdate([]byte(`{"bpm":-30}`))); snapshot.BPM != 120 {
		t.Fatalf("negative bpm should reset, got %v", snapshot.BPM)
	}
}

func TestApplyClampsAndTruncates(t *testing.T) {
	store := newTestStore(t, transport.StoreConfig{ProjectID: "rock"})

	snapshot := store.Apply(transport.DecodeUpdate([]byte(`{"bar":-3,"beat":0,"ts_num":0,"ts_den":-1,"ppq":-2.5}`)))
	if snapshot.Bar != 1 || snapshot.Beat != 1 || snapshot.TSNum != 1 || snapshot.TSDen != 1 {
		t.Fatalf("counters not clamped: %+v", snapshot)
	}
	if snapshot.PPQ != 0 {
		t.Fatalf("ppq = %v, want 0", snapshot.PPQ)
	}

	if snapshot := store.Apply(transport.DecodeUpdate([]byte(`{"bar":5.9,"beat":2.2}`))); snapshot.Bar != 5 || snapshot.Beat != 2 {
		t.Fatalf("fractional counters should truncate: %+v", snapshot)
	}
}

func TestApplyInvariantsHoldAcrossArbitrarySequences(t *testing.T) {
	store := newTestStore(t, transport.StoreConfig{ProjectID: "rock"})

	bodies := []string{
		`{"bar":-10}`,
		`{"bpm":0,"beat":-1}`,
		`{"ts_num":-4,"ts_den":0}`,
		`{"playing":true,"ppq":-9}`,
		`{"bpm":-1,"bar":0,"beat":0}`,
		`{"ts_den":128,"ts_num":1}`,
	}
	for _, body := range bodies {
		snapshot := store.Apply(transport.DecodeUpdate([]byte(body)))
		if snapshot.Bar < 1 || snapshot.Beat < 1 || snapshot.BPM <= 0 || snapshot.TSNum < 1 || snapshot.TSDen < 1 {
			t.Fatalf("invariant violated after %s: %+v", body, snapshot)
		}
	}
}

func TestSnapshotIdempotentExceptTimestamp(t *testing.T) {
	var ticks int64
	clock := func() time.Time {
		ticks++
		return time.Unix(1756000000, ticks*int64(time.Millisecond))
	}
	store := newTestStore(t, transport.StoreConfig{ProjectID: "waltz", Clock: clock})

	first := store.Snapshot()
	second := store.Snapshot()
	if second.THost < first.THost {
		t.Fatalf("t_host decreased: %v -> %v", first.THost, second.THost)
	}
	first.THost = 0
	second.THost = 0
	if first != second {
		t.Fatalf("snapshots differ beyond t_host: %+v vs %+v", first, second)
	}
}

func TestSnapshotStampsServerClock(t *testing.T) {
	clock := func() time.Time { return time.Unix(1756000000, 500_000_000) }
	store := newTestStore(t, transport.StoreConfig{ProjectID: "waltz", Clock: clock})

	if got := store.Snapshot().THost; got != 1756000000.5 {
		t.Fatalf("t_host = %v, want 1756000000.5", got)
	}
}

func TestSelectProjectDerivesStateFromMetadata(t *testing.T) {
	store := newTestStore(t, transport.StoreConfig{ProjectID: "rock"})
	store.Apply(transport.DecodeUpdate([]byte(`{"bar":7,"beat":3,"ppq":2.5,"playing":true}`)))

	snapshot, err := store.SelectProject("waltz")
	if err != nil {
		t.Fatalf("SelectProject error: %v", err)
	}
	if snapshot.ActiveProjectID != "waltz" {
		t.Fatalf("active project = %q", snapshot.ActiveProjectID)
	}
	if snapshot.Bar != 1 || snapshot.Beat != 1 || snapshot.PPQ != 0 {
		t.Fatalf("position should reset: %+v", snapshot)
	}
	if snapshot.BPM != 90 || snapshot.TSNum != 3 || snapshot.TSDen != 4 {
		t.Fatalf("metadata not applied: %+v", snapshot)
	}
	if !snapshot.Playing {
		t.Fatalf("play state should survive a project switch")
	}
}

func TestSelectProjectKeepsPriorTempoAndMeterWhenUndeclared(t *testing.T) {
	store := newTestStore(t, transport.StoreConfig{ProjectID: "waltz"})

	snapshot, err := store.SelectProject("bare")
	if err != nil {
		t.Fatalf("SelectProject error: %v", err)
	}
	if snapshot.BPM != 90 || snapshot.TSNum != 3 || snapshot.TSDen != 4 {
		t.Fatalf("prior tempo and meter should survive: %+v", snapshot)
	}

	snapshot, err = store.SelectProject("odd")
	if err != nil {
		t.Fatalf("SelectProject error: %v", err)
	}
	if snapshot.BPM != 90 {
		t.Fatalf("zero tempo should keep prior bpm, got %v", snapshot.BPM)
	}
	if snapshot.TSNum != 3 || snapshot.TSDen != 4 {
		t.Fatalf("malformed meter should keep prior values: %+v", snapshot)
	}
}

func TestSelectProjectUnknownLeavesStateUntouched(t *testing.T) {
	broadcaster := &recordingBroadcaster{}
	store := newTestStore(t, transport.StoreConfig{ProjectID: "rock"})
	store.SetBroadcaster(broadcaster)
	store.Apply(transport.DecodeUpdate([]byte(`{"bar":7}`)))
	before := store.Snapshot()
	sent := len(broadcaster.recorded())

	if _, err := store.SelectProject("nonexistent"); !errors.Is(err, transport.ErrProjectNotFound) {
		t.Fatalf("err = %v, want ErrProjectNotFound", err)
	}

	after := store.Snapshot()
	before.THost = 0
	after.THost = 0
	if before != after {
		t.Fatalf("failed selection mutated state: %+v vs %+v", before, after)
	}
	if after.Bar != 7 {
		t.Fatalf("bar = %d, want 7", after.Bar)
	}
	if got := len(broadcaster.recorded()); got != sent {
		t.Fatalf("failed selection broadcast %d extra snapshots", got-sent)
	}
}

func TestMutationsBroadcastSnapshots(t *testing.T) {
	broadcaster := &recordingBroadcaster{}
	store := newTestStore(t, transport.StoreConfig{ProjectID: "rock"})
	store.SetBroadcaster(broadcaster)

	applied := store.Apply(transport.DecodeUpdate([]byte(`{"beat":2}`)))
	selected, err := store.SelectProject("waltz")
	if err != nil {
		t.Fatalf("SelectProject error: %v", err)
	}
	store.Snapshot()

	recorded := broadcaster.recorded()
	if len(recorded) != 2 {
		t.Fatalf("broadcast count = %d, want 2", len(recorded))
	}
	if recorded[0] != applied {
		t.Fatalf("broadcast snapshot differs from returned one: %+v vs %+v", recorded[0], applied)
	}
	if recorded[1] != selected {
		t.Fatalf("selection snapshot differs: %+v vs %+v", recorded[1], selected)
	}
}

func TestMultiBroadcasterFansOut(t *testing.T) {
	first := &recordingBroadcaster{}
	second := &recordingBroadcaster{}
	store := newTestStore(t, transport.StoreConfig{ProjectID: "rock"})
	store.SetBroadcaster(transport.MultiBroadcaster{first, nil, second})

	store.Apply(transport.DecodeUpdate([]byte(`{"bar":2}`)))

	if len(first.recorded()) != 1 || len(second.recorded()) != 1 {
		t.Fatalf("fan-out counts = %d/%d, want 1/1", len(first.recorded()), len(second.recorded()))
	}
}

func TestConcurrentMutationsKeepInvariants(t *testing.T) {
	store := newTestStore(t, transport.StoreConfig{ProjectID: "rock"})
	store.SetBroadcaster(&recordingBroadcaster{})

	bodies := []string{
		`{"bar":-2,"playing":true}`,
		`{"bpm":0}`,
		`{"beat":3,"ppq":-1}`,
		`{"ts_num":0,"ts_den":6}`,
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				store.Apply(transport.DecodeUpdate([]byte(bodies[(worker+j)%len(bodies)])))
				snapshot := store.Snapshot()
				if snapshot.Bar < 1 || snapshot.Beat < 1 || snapshot.BPM <= 0 || snapshot.TSNum < 1 || snapshot.TSDen < 1 {
					t.Errorf("invariant violated: %+v", snapshot)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestProjectsDelegatesToCatalog(t *testing.T) {
	store := newTestStore(t, transport.StoreConfig{ProjectID: "rock"})

	projects := store.Projects()
	if len(projects) != 4 {
		t.Fatalf("Projects returned %d entries", len(projects))
	}
	if projects[0].ID != "rock" {
		t.Fatalf("catalog order not preserved: %q", projects[0].ID)
	}

	project, ok := store.Project("waltz")
	if !ok || project.DisplayName != "Waltz Study" {
		t.Fatalf("Project lookup = %+v, %v", project, ok)
	}
}
