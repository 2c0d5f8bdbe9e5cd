package visitd

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Subaru-PFS/visitd/internal/actordata"
	"github.com/Subaru-PFS/visitd/internal/pfsconf"
)

// OpDB is the slice of the operational database that field bookkeeping needs.
type OpDB interface {
	ExposureDB
	ConvergenceFailed(visit int) (bool, error)
	InsertPfsConfig(designID uint64, visit int, converged bool) error
}

// DataPaths holds the on-disk roots this daemon reads and writes.
type DataPaths struct {
	DesignRoot  string // pfsDesign-*.fits files
	RawDataRoot string // dated YYYY-MM-DD trees holding pfsConfig/ subdirectories
}

// Errors raised by pfsConfig handling. All three are recoverable only with an
// explicit caller override (forcePfsConfig).
var (
	ErrNoPfsConfig0      = errors.New("no pfsConfig0 found")
	ErrDesignMismatch    = errors.New("pfsConfig0 does not match the declared pfsDesign")
	ErrConvergenceFailed = errors.New("pfsConfig0 convergence failed")
)

// ErrPfsConfigNotFound reports that no pfsConfig file exists for the
// requested (designId, visit) under the recent dated directories.
var ErrPfsConfigNotFound = errors.New("pfsConfig file not found")

// fieldKey is the actordata key the active field tuple is persisted under.
const fieldKey = "pfsField"

// loadConfigMaxDays bounds the newest-first scan of dated directories when
// looking for a pfsConfig. Configs are always written under the current or
// most recent date, so scanning stays O(7) instead of an unbounded walk.
const loadConfigMaxDays = 7

var dateDirPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// PfsField holds the pfsDesign, the per-role visit triple, and the realized
// pfsConfig0 once the positioner has converged.
type PfsField struct {
	store *actordata.Store
	db    OpDB
	paths DataPaths

	design     *pfsconf.PfsDesign
	visit      map[CallerRole]*Visit
	pfsConfig0 *pfsconf.PfsConfig
}

// newPfsField reads the design and binds one visit per role. It also tries to
// reload the realized pfsConfig0, which may already exist on disk.
func newPfsField(store *actordata.Store, db OpDB, paths DataPaths,
	designID uint64, agV, fpsV, spsV int) (*PfsField, error) {

	design, err := pfsconf.ReadDesign(designID, paths.DesignRoot)
	if err != nil {
		return nil, err
	}
	f := &PfsField{
		store:  store,
		db:     db,
		paths:  paths,
		design: design,
		visit: map[CallerRole]*Visit{
			CallerAg:  NewVisit(agV, CallerAg, "visit0", db),
			CallerFps: NewVisit(fpsV, CallerFps, "visit0", db),
			CallerSps: NewVisit(spsV, CallerSps, "visit0", db),
		},
	}
	// opportunistic: the convergence product might already be there
	const doIgnore = true
	if err := f.LoadPfsConfig0(designID, fpsV, doIgnore); err != nil {
		return nil, err
	}
	return f, nil
}

// DeclareNewField builds a field whose three role visits all start at visit0
// and persists it immediately.
func DeclareNewField(store *actordata.Store, db OpDB, paths DataPaths,
	designID uint64, visit0 int) (*PfsField, error) {

	f, err := newPfsField(store, db, paths, designID, visit0, visit0, visit0)
	if err != nil {
		return nil, err
	}
	if err := f.Persist(); err != nil {
		return nil, err
	}
	return f, nil
}

// ReloadField reconstructs the field from the last persisted tuple. The
// caller treats any failure as "no active field"; corrupt state is still
// worth a loud report, unlike plain absence.
func ReloadField(store *actordata.Store, db OpDB, paths DataPaths) (*PfsField, error) {
	values, err := store.LoadKey(fieldKey)
	if err != nil {
		if !errors.Is(err, actordata.ErrKeyNotFound) {
			ProblemLogger.Printf("persisted field state is unreadable: %v", err)
		}
		return nil, err
	}
	if len(values) != 4 {
		ProblemLogger.Printf("persisted field tuple has %d values, want 4: %v", len(values), values)
		return nil, fmt.Errorf("malformed %s tuple: %v", fieldKey, values)
	}
	designID, err := strconv.ParseUint(values[0], 0, 64)
	if err != nil {
		ProblemLogger.Printf("persisted design id %q: %v", values[0], err)
		return nil, err
	}
	ids := make([]int, 3)
	for i, s := range values[1:] {
		if ids[i], err = strconv.Atoi(s); err != nil {
			ProblemLogger.Printf("persisted visit id %q: %v", s, err)
			return nil, err
		}
	}
	return newPfsField(store, db, paths, designID, ids[0], ids[1], ids[2])
}

// Design returns the immutable design this field was declared with.
func (f *PfsField) Design() *pfsconf.PfsDesign {
	return f.design
}

// DesignID returns the declared pfsDesign identifier.
func (f *PfsField) DesignID() uint64 {
	return f.design.DesignID
}

// PfsConfig0 returns the realized configuration, or nil before convergence.
func (f *PfsField) PfsConfig0() *pfsconf.PfsConfig {
	return f.pfsConfig0
}

func (f *PfsField) fpsVisitID() int {
	return f.visit[CallerFps].VisitID
}

// VisitZero is the canonical first visit for this field: the pfsConfig0 visit
// once that is loaded, else the fps visit id.
func (f *PfsField) VisitZero() int {
	if f.pfsConfig0 != nil {
		return f.pfsConfig0.Visit
	}
	return f.fpsVisitID()
}

// Persist writes the field tuple to the durable store.
func (f *PfsField) Persist() error {
	return f.store.PersistKey(fieldKey,
		fmt.Sprintf("0x%016x", f.design.DesignID),
		strconv.Itoa(f.visit[CallerAg].VisitID),
		strconv.Itoa(f.visit[CallerFps].VisitID),
		strconv.Itoa(f.visit[CallerSps].VisitID))
}

// VisitFor returns the visit bound to a role.
func (f *PfsField) VisitFor(role CallerRole) (*Visit, error) {
	v, ok := f.visit[role]
	if !ok {
		return nil, fmt.Errorf("unknown caller role: %q", role)
	}
	return v, nil
}

// IsVisitAvailableFor delegates to the role's visit.
func (f *PfsField) IsVisitAvailableFor(role CallerRole) (bool, error) {
	v, err := f.VisitFor(role)
	if err != nil {
		return false, err
	}
	return v.IsAvailable()
}

// Reconfigure replaces the visit bound to a role, retiring the superseded
// one so stale handles cannot keep issuing frames. Replacing the sps visit
// also rebinds ag to the same new id: ag exposures are keyed off sps timing,
// so the two always travel together.
func (f *PfsField) Reconfigure(role CallerRole, newVisit *Visit) error {
	superseded, ok := f.visit[role]
	if !ok {
		return fmt.Errorf("unknown caller role: %q", role)
	}
	f.visit[role] = newVisit
	superseded.Stop()

	if role == CallerSps {
		f.visit[CallerAg].Stop()
		f.visit[CallerAg] = NewVisit(newVisit.VisitID, CallerAg, "", f.db)
	}

	return f.Persist()
}

// GratingPosition returns the required red grating position: "low" when only
// the red arm is declared, "med" when only the medium-resolution arm is, and
// "" when the design declares both or neither.
func (f *PfsField) GratingPosition() string {
	hasRed := strings.Contains(f.design.Arms, "r")
	hasMed := strings.Contains(f.design.Arms, "m")
	switch {
	case hasRed && !hasMed:
		return "low"
	case hasMed && !hasRed:
		return "med"
	}
	return ""
}

// MakePfsConfig returns the per-visit pfsConfig for an exposure, stamped with
// the new visit id and the caller's header cards.
//
// Without forcePfsConfig the call fails when no pfsConfig0 exists, when the
// realized config no longer matches the declared design, or when convergence
// is flagged failed. With the override, a missing pfsConfig0 is synthesized
// from the design and registered with opdb, and the consistency guards are
// waived.
func (f *PfsField) MakePfsConfig(visit int, cards []pfsconf.Card, camMask uint32, forcePfsConfig bool) (*pfsconf.PfsConfig, error) {
	if f.pfsConfig0 == nil {
		if !forcePfsConfig {
			return nil, fmt.Errorf("%w for pfsDesign 0x%016x visit0 %d",
				ErrNoPfsConfig0, f.design.DesignID, f.fpsVisitID())
		}
		log.Printf("pfsConfig0 is not available, creating it from pfsDesign 0x%016x", f.design.DesignID)
		cfg := pfsconf.FromPfsDesign(f.design, visit)
		if f.db != nil {
			if err := f.db.InsertPfsConfig(cfg.DesignID, cfg.Visit, !cfg.ConvergenceFailed); err != nil {
				// fire-and-forget: the catalog can be backfilled, the exposure cannot wait
				ProblemLogger.Printf("ingest of synthesized pfsConfig failed: %v", err)
			}
		}
		f.pfsConfig0 = cfg

		// we do not want the fps visit to fall behind
		if f.fpsVisitID() != cfg.Visit {
			if err := f.Reconfigure(CallerFps, NewVisit(visit, CallerFps, "visit0", f.db)); err != nil {
				return nil, err
			}
		}
	}

	if f.pfsConfig0.DesignID != f.design.DesignID && !forcePfsConfig {
		return nil, fmt.Errorf("%w: %s holds 0x%016x, declared 0x%016x",
			ErrDesignMismatch,
			pfsconf.ConfigFileName(f.pfsConfig0.DesignID, f.pfsConfig0.Visit),
			f.pfsConfig0.DesignID, f.design.DesignID)
	}

	failed, err := f.convergenceFailed()
	if err != nil {
		return nil, err
	}
	if failed && !forcePfsConfig {
		return nil, fmt.Errorf("%w: %s", ErrConvergenceFailed,
			pfsconf.ConfigFileName(f.pfsConfig0.DesignID, f.pfsConfig0.Visit))
	}

	return f.pfsConfig0.Copy(visit, cards, camMask, f.VisitZero()), nil
}

// convergenceFailed consults both the config's own flag and the status
// persisted in opdb, which another process may have set after the file was
// written.
func (f *PfsField) convergenceFailed() (bool, error) {
	if f.pfsConfig0.ConvergenceFailed {
		return true, nil
	}
	if f.db == nil {
		return false, nil
	}
	failed, err := f.db.ConvergenceFailed(f.pfsConfig0.Visit)
	if err != nil {
		ProblemLogger.Printf("opdb convergence status for visit %d: %v", f.pfsConfig0.Visit, err)
		return false, fmt.Errorf("checking convergence status for visit %d: %w", f.pfsConfig0.Visit, err)
	}
	return failed, nil
}

// LoadPfsConfig0 searches the most recent dated directories under the
// raw-data root for the pfsConfig matching (designID, visit0). With doIgnore
// the call silently no-ops when the file is absent, as during opportunistic
// reload; without it, absence is ErrPfsConfigNotFound.
func (f *PfsField) LoadPfsConfig0(designID uint64, visit0 int, doIgnore bool) error {
	// a stale request for another design is not ours to answer
	if designID != f.design.DesignID {
		return nil
	}

	dates, err := recentDateDirs(f.paths.RawDataRoot, loadConfigMaxDays)
	if err != nil {
		if doIgnore {
			return nil
		}
		return err
	}

	fname := pfsconf.ConfigFileName(designID, visit0)
	for _, date := range dates {
		dir := filepath.Join(f.paths.RawDataRoot, date, "pfsConfig")
		if _, err := os.Stat(filepath.Join(dir, fname)); err != nil {
			continue
		}
		cfg, err := pfsconf.ReadConfig(designID, visit0, dir)
		if err != nil {
			// present but unreadable is a different animal than absent
			ProblemLogger.Printf("pfsConfig0 %s is unreadable: %v", filepath.Join(dir, fname), err)
			if doIgnore {
				return nil
			}
			return err
		}
		log.Printf("loading pfsConfig0 from %s", filepath.Join(dir, fname))
		f.pfsConfig0 = cfg
		return nil
	}

	if doIgnore {
		return nil
	}
	return fmt.Errorf("%w: %s under %s (%d most recent dates)",
		ErrPfsConfigNotFound, fname, f.paths.RawDataRoot, loadConfigMaxDays)
}

// HoldPfsConfig0 carries a realized config over from a previous field when
// the same design is re-declared, avoiding redundant reconvergence
// bookkeeping. The config must belong to this design. A config already
// reloaded from disk wins over the carried one.
func (f *PfsField) HoldPfsConfig0(cfg *pfsconf.PfsConfig) {
	if cfg == nil || cfg.DesignID != f.design.DesignID {
		return
	}
	if f.pfsConfig0 != nil {
		return
	}
	log.Printf("holding pfsConfig0 from %s", pfsconf.ConfigFileName(cfg.DesignID, cfg.Visit))
	f.pfsConfig0 = cfg
}

// recentDateDirs lists up to maxDays YYYY-MM-DD subdirectories of root,
// newest first.
func recentDateDirs(root string, maxDays int) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("scanning raw data root %s: %w", root, err)
	}
	var dates []string
	for _, e := range entries {
		if e.IsDir() && dateDirPattern.MatchString(e.Name()) {
			dates = append(dates, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dates)))
	if len(dates) > maxDays {
		dates = dates[:maxDays]
	}
	return dates, nil
}
