package visitd

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Subaru-PFS/visitd/internal/actordata"
	"github.com/Subaru-PFS/visitd/internal/pfsconf"
	"github.com/stretchr/testify/assert"
)

const testDesignID uint64 = 0xabcd

// testField wires a PfsField against temporary on-disk roots.
type testField struct {
	store *actordata.Store
	db    *fakeOpDB
	paths DataPaths
}

func newTestField(t *testing.T) *testField {
	tmp := t.TempDir()
	paths := DataPaths{
		DesignRoot:  filepath.Join(tmp, "pfsDesign"),
		RawDataRoot: filepath.Join(tmp, "raw"),
	}
	for _, dir := range []string{paths.DesignRoot, paths.RawDataRoot} {
		if err := os.MkdirAll(dir, 0775); err != nil {
			t.Fatal(err)
		}
	}
	return &testField{
		store: actordata.NewStore(filepath.Join(tmp, "actors"), "iic"),
		db:    &fakeOpDB{},
		paths: paths,
	}
}

func (tf *testField) writeDesign(t *testing.T, designID uint64, arms string) *pfsconf.PfsDesign {
	design := &pfsconf.PfsDesign{
		DesignID: designID,
		Name:     "ga_pilot",
		Arms:     arms,
		RA:       150.1,
		Dec:      2.2,
		Fibers: []pfsconf.Fiber{
			{FiberID: 1, Nominal: [2]float64{-10.5, 3.25}},
			{FiberID: 2, Nominal: [2]float64{4.0, -7.75}},
			{FiberID: 3, Nominal: [2]float64{0.5, 12.0}},
		},
	}
	if err := pfsconf.WriteDesign(design, tf.paths.DesignRoot); err != nil {
		t.Fatalf("writing test design: %v", err)
	}
	return design
}

func (tf *testField) declare(t *testing.T, visit0 int) *PfsField {
	field, err := DeclareNewField(tf.store, tf.db, tf.paths, testDesignID, visit0)
	if err != nil {
		t.Fatalf("DeclareNewField: %v", err)
	}
	return field
}

func TestDeclareThenReloadField(t *testing.T) {
	tf := newTestField(t)
	tf.writeDesign(t, testDesignID, "brn")
	field := tf.declare(t, 100)

	reloaded, err := ReloadField(tf.store, tf.db, tf.paths)
	if err != nil {
		t.Fatalf("ReloadField: %v", err)
	}
	assert.Equal(t, field.DesignID(), reloaded.DesignID())
	for _, role := range []CallerRole{CallerAg, CallerFps, CallerSps} {
		want, _ := field.VisitFor(role)
		got, err := reloaded.VisitFor(role)
		if err != nil {
			t.Fatalf("VisitFor(%s): %v", role, err)
		}
		assert.Equal(t, want.VisitID, got.VisitID, "visit id for %s", role)
	}
}

func TestReloadFieldWithoutState(t *testing.T) {
	tf := newTestField(t)
	if _, err := ReloadField(tf.store, tf.db, tf.paths); !errors.Is(err, actordata.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound with no persisted state, got %v", err)
	}
}

func TestReloadFieldAfterReconfigure(t *testing.T) {
	tf := newTestField(t)
	tf.writeDesign(t, testDesignID, "brn")
	field := tf.declare(t, 100)

	if err := field.Reconfigure(CallerFps, NewVisit(105, CallerFps, "visit0", tf.db)); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	reloaded, err := ReloadField(tf.store, tf.db, tf.paths)
	if err != nil {
		t.Fatalf("ReloadField: %v", err)
	}
	fps, _ := reloaded.VisitFor(CallerFps)
	assert.Equal(t, 105, fps.VisitID)
	ag, _ := reloaded.VisitFor(CallerAg)
	assert.Equal(t, 100, ag.VisitID)
}

func TestReconfigureSpsCascadesToAg(t *testing.T) {
	tf := newTestField(t)
	tf.writeDesign(t, testDesignID, "brn")
	field := tf.declare(t, 100)

	if err := field.Reconfigure(CallerSps, NewVisit(101, CallerSps, "", tf.db)); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}
	sps, _ := field.VisitFor(CallerSps)
	ag, _ := field.VisitFor(CallerAg)
	assert.Equal(t, 101, sps.VisitID)
	assert.Equal(t, 101, ag.VisitID, "ag must travel with sps")

	if err := field.Reconfigure(CallerRole("dcb"), NewVisit(1, CallerAg, "", nil)); err == nil {
		t.Errorf("Reconfigure should reject unknown roles")
	}
}

func TestGratingPosition(t *testing.T) {
	cases := []struct {
		arms string
		want string
	}{
		{"br", "low"},
		{"r", "low"},
		{"bm", "med"},
		{"m", "med"},
		{"rm", ""},
		{"brm", ""},
		{"bn", ""},
	}
	for _, tc := range cases {
		tf := newTestField(t)
		tf.writeDesign(t, testDesignID, tc.arms)
		field := tf.declare(t, 100)
		if got := field.GratingPosition(); got != tc.want {
			t.Errorf("GratingPosition with arms %q = %q, want %q", tc.arms, got, tc.want)
		}
	}
}

func TestMakePfsConfigWithoutPfsConfig0(t *testing.T) {
	tf := newTestField(t)
	tf.writeDesign(t, testDesignID, "brn")
	field := tf.declare(t, 100)

	// no override: fail loudly, do not silently synthesize
	if _, err := field.MakePfsConfig(101, nil, 0, false); !errors.Is(err, ErrNoPfsConfig0) {
		t.Fatalf("expected ErrNoPfsConfig0, got %v", err)
	}
	if field.PfsConfig0() != nil {
		t.Fatalf("failed MakePfsConfig must not synthesize a pfsConfig0")
	}
}

func TestMakePfsConfigForcedSynthesis(t *testing.T) {
	tf := newTestField(t)
	tf.writeDesign(t, testDesignID, "brn")
	field := tf.declare(t, 100)

	cfg, err := field.MakePfsConfig(103, []pfsconf.Card{{Name: "OBSERVER", Value: "moritani"}}, 0x3, true)
	if err != nil {
		t.Fatalf("forced MakePfsConfig: %v", err)
	}
	assert.Equal(t, 103, cfg.Visit)
	assert.Equal(t, uint32(0x3), cfg.CamMask)
	assert.Equal(t, testDesignID, cfg.DesignID)

	// the synthesized config was ingested and the fps visit followed it
	assert.Equal(t, []int{103}, tf.db.inserted)
	fps, _ := field.VisitFor(CallerFps)
	assert.Equal(t, 103, fps.VisitID, "fps visit must not fall behind pfsConfig0")
	assert.Equal(t, 103, field.VisitZero())
}

func TestMakePfsConfigConvergenceGuard(t *testing.T) {
	tf := newTestField(t)
	tf.writeDesign(t, testDesignID, "brn")
	field := tf.declare(t, 100)

	if _, err := field.MakePfsConfig(101, nil, 0, true); err != nil {
		t.Fatalf("forced MakePfsConfig: %v", err)
	}
	// another process flags visit0 as not converged in opdb
	tf.db.notConverg = []int{101}
	if _, err := field.MakePfsConfig(102, nil, 0, false); !errors.Is(err, ErrConvergenceFailed) {
		t.Errorf("expected ErrConvergenceFailed, got %v", err)
	}
	if _, err := field.MakePfsConfig(102, nil, 0, true); err != nil {
		t.Errorf("forcePfsConfig should override the convergence guard: %v", err)
	}
}

func TestLoadPfsConfig0FromDatedDirs(t *testing.T) {
	tf := newTestField(t)
	design := tf.writeDesign(t, testDesignID, "brn")

	// convergence product already on disk under a recent date
	cfg := pfsconf.FromPfsDesign(design, 100)
	dir := filepath.Join(tf.paths.RawDataRoot, "2026-08-29", "pfsConfig")
	if err := os.MkdirAll(dir, 0775); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Write(dir); err != nil {
		t.Fatalf("writing pfsConfig fixture: %v", err)
	}

	field := tf.declare(t, 100)
	if field.PfsConfig0() == nil {
		t.Fatalf("declare should have reloaded the existing pfsConfig0")
	}
	assert.Equal(t, 100, field.VisitZero())
}

func TestLoadPfsConfig0BoundedScan(t *testing.T) {
	tf := newTestField(t)
	design := tf.writeDesign(t, testDesignID, "brn")

	// the matching file sits under the 8th most recent date: out of reach
	old := filepath.Join(tf.paths.RawDataRoot, "2026-08-01", "pfsConfig")
	if err := os.MkdirAll(old, 0775); err != nil {
		t.Fatal(err)
	}
	if err := pfsconf.FromPfsDesign(design, 100).Write(old); err != nil {
		t.Fatal(err)
	}
	for _, date := range []string{"2026-08-02", "2026-08-03", "2026-08-04",
		"2026-08-05", "2026-08-06", "2026-08-07", "2026-08-08"} {
		if err := os.MkdirAll(filepath.Join(tf.paths.RawDataRoot, date), 0775); err != nil {
			t.Fatal(err)
		}
	}

	field := tf.declare(t, 100)
	if field.PfsConfig0() != nil {
		t.Fatalf("scan should not reach past the %d most recent dates", loadConfigMaxDays)
	}
	if err := field.LoadPfsConfig0(testDesignID, 100, false); !errors.Is(err, ErrPfsConfigNotFound) {
		t.Errorf("explicit load should report ErrPfsConfigNotFound, got %v", err)
	}

	// pruning one recent date brings the file back within reach
	if err := os.RemoveAll(filepath.Join(tf.paths.RawDataRoot, "2026-08-08")); err != nil {
		t.Fatal(err)
	}
	if err := field.LoadPfsConfig0(testDesignID, 100, false); err != nil {
		t.Errorf("explicit load within the scan window failed: %v", err)
	}
}

func TestLoadPfsConfig0IgnoresOtherDesigns(t *testing.T) {
	tf := newTestField(t)
	tf.writeDesign(t, testDesignID, "brn")
	field := tf.declare(t, 100)

	if err := field.LoadPfsConfig0(0xbeef, 100, false); err != nil {
		t.Errorf("a request for another design must no-op, got %v", err)
	}
}

func TestHoldPfsConfig0(t *testing.T) {
	tf := newTestField(t)
	design := tf.writeDesign(t, testDesignID, "brn")
	field := tf.declare(t, 104)

	// config from a previous field over the same design carries forward
	field.HoldPfsConfig0(pfsconf.FromPfsDesign(design, 100))
	if field.PfsConfig0() == nil {
		t.Fatalf("same-design config should have been held")
	}
	assert.Equal(t, 100, field.VisitZero())

	// a foreign design's config never does
	other := &pfsconf.PfsDesign{DesignID: 0xbeef, Arms: "br", Fibers: design.Fibers}
	fresh := tf.declare(t, 110)
	fresh.HoldPfsConfig0(pfsconf.FromPfsDesign(other, 100))
	if fresh.PfsConfig0() != nil {
		t.Errorf("foreign-design config must not be held")
	}
}

func TestReconfigureRetiresSupersededVisits(t *testing.T) {
	tf := newTestField(t)
	tf.writeDesign(t, testDesignID, "brn")
	field := tf.declare(t, 100)

	oldSps, _ := field.VisitFor(CallerSps)
	oldAg, _ := field.VisitFor(CallerAg)
	if err := field.Reconfigure(CallerSps, NewVisit(105, CallerSps, "", tf.db)); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}

	if !oldSps.IsDead() || !oldAg.IsDead() {
		t.Errorf("superseded visits should be dead: sps=%v ag=%v", oldSps.IsDead(), oldAg.IsDead())
	}
	if _, err := oldSps.NextFrameID(); !errors.Is(err, ErrVisitAlreadyDone) {
		t.Errorf("stale handle still issues frames, got %v", err)
	}
	newAg, _ := field.VisitFor(CallerAg)
	if newAg.IsDead() {
		t.Errorf("replacement ag visit should be live")
	}
}
