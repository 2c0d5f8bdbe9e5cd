// Package pfsconf reads and writes the pfsDesign and pfsConfig FITS artifacts.
//
// A pfsDesign describes the intended fiber configuration for a field; a
// pfsConfig is the realized configuration after the positioner converged,
// keyed by (designId, visit). Both are FITS files with identification cards
// on the primary HDU and a binary table of per-fiber positions.
package pfsconf

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/astrogo/fitsio"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Card is one caller-supplied FITS header card, copied verbatim onto the
// primary HDU of a written pfsConfig.
type Card struct {
	Name    string
	Value   interface{}
	Comment string
}

// Fiber is one row of the FIBERS binary table.
type Fiber struct {
	FiberID int32
	Nominal [2]float64 // intended position on the focal plane [mm]
	Center  [2]float64 // as-converged position [mm]
}

// PfsDesign is the immutable target configuration, loaded by design id.
type PfsDesign struct {
	DesignID uint64
	Name     string
	Arms     string // concatenation of arm letters, e.g. "brn"
	RA       float64
	Dec      float64
	Fibers   []Fiber // Center unset; only Nominal is meaningful
}

// PfsConfig is the realized configuration for one visit of a design.
type PfsConfig struct {
	DesignID          uint64
	Visit             int
	VisitZero         int
	Arms              string
	CamMask           uint32
	ConvergenceFailed bool
	Residual          float64 // median radial error between center and nominal [mm]
	Cards             []Card
	Fibers            []Fiber
}

// DesignFileName returns the canonical file name for a pfsDesign.
func DesignFileName(designID uint64) string {
	return fmt.Sprintf("pfsDesign-0x%016x.fits", designID)
}

// ConfigFileName returns the canonical file name for a pfsConfig.
func ConfigFileName(designID uint64, visit int) string {
	return fmt.Sprintf("pfsConfig-0x%016x-%06d.fits", designID, visit)
}

// ConvergenceTolerance is the acceptable median radial error [mm] before a
// configuration counts as unconverged.
const ConvergenceTolerance = 0.01

// FromPfsDesign synthesizes a pfsConfig from the design's nominal positions,
// as when no positioner convergence product exists yet.
func FromPfsDesign(design *PfsDesign, visit int) *PfsConfig {
	fibers := make([]Fiber, len(design.Fibers))
	for i, fb := range design.Fibers {
		fibers[i] = Fiber{FiberID: fb.FiberID, Nominal: fb.Nominal, Center: fb.Nominal}
	}
	cfg := &PfsConfig{
		DesignID:  design.DesignID,
		Visit:     visit,
		VisitZero: visit,
		Arms:      design.Arms,
		Fibers:    fibers,
	}
	cfg.EvaluateConvergence(ConvergenceTolerance)
	return cfg
}

// Copy derives the per-visit pfsConfig handed to an exposure: same fibers,
// new visit id, caller-supplied header cards and camera mask.
func (c *PfsConfig) Copy(visit int, cards []Card, camMask uint32, visitZero int) *PfsConfig {
	fibers := make([]Fiber, len(c.Fibers))
	copy(fibers, c.Fibers)
	return &PfsConfig{
		DesignID:          c.DesignID,
		Visit:             visit,
		VisitZero:         visitZero,
		Arms:              c.Arms,
		CamMask:           camMask,
		ConvergenceFailed: c.ConvergenceFailed,
		Residual:          c.Residual,
		Cards:             append([]Card(nil), cards...),
		Fibers:            fibers,
	}
}

// MedianResidual computes the median radial distance between as-converged and
// nominal fiber positions.
func MedianResidual(c *PfsConfig) float64 {
	res := residuals(c)
	if len(res) == 0 {
		return 0
	}
	sort.Float64s(res)
	return stat.Quantile(0.5, stat.Empirical, res, nil)
}

// MaxResidual computes the worst per-fiber radial error.
func MaxResidual(c *PfsConfig) float64 {
	res := residuals(c)
	if len(res) == 0 {
		return 0
	}
	return floats.Max(res)
}

func residuals(c *PfsConfig) []float64 {
	res := make([]float64, len(c.Fibers))
	for i, fb := range c.Fibers {
		res[i] = math.Hypot(fb.Center[0]-fb.Nominal[0], fb.Center[1]-fb.Nominal[1])
	}
	return res
}

// EvaluateConvergence recomputes the residual summary and flags the
// configuration as failed when the median error exceeds tolerance.
func (c *PfsConfig) EvaluateConvergence(tolerance float64) {
	c.Residual = MedianResidual(c)
	c.ConvergenceFailed = c.Residual > tolerance
}

// fiberRow is the on-disk layout of one FIBERS table row.
type fiberRow struct {
	FiberID int32      `fits:"fiberId"`
	Nominal [2]float64 `fits:"pfiNominal"`
	Center  [2]float64 `fits:"pfiCenter"`
}

var fiberColumns = []fitsio.Column{
	{Name: "fiberId", Format: "J"},
	{Name: "pfiNominal", Format: "2D"},
	{Name: "pfiCenter", Format: "2D"},
}

// ReadDesign loads a pfsDesign by id from dir. The file's own identification
// card must agree with the requested id.
func ReadDesign(designID uint64, dir string) (*PfsDesign, error) {
	fname := filepath.Join(dir, DesignFileName(designID))
	r, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("pfsDesign 0x%016x: %w", designID, err)
	}
	defer r.Close()

	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("pfsDesign %s: %w", fname, err)
	}
	defer f.Close()

	hdr := f.HDU(0).Header()
	fileID, err := hexCard(hdr, "W_PFDSGN")
	if err != nil {
		return nil, fmt.Errorf("pfsDesign %s: %w", fname, err)
	}
	if fileID != designID {
		return nil, fmt.Errorf("pfsDesign %s holds design 0x%016x, want 0x%016x", fname, fileID, designID)
	}

	design := &PfsDesign{
		DesignID: designID,
		Name:     stringCard(hdr, "W_DSGNAM"),
		Arms:     stringCard(hdr, "W_ARMS"),
		RA:       floatCard(hdr, "RA"),
		Dec:      floatCard(hdr, "DEC"),
	}
	design.Fibers, err = readFibers(f)
	if err != nil {
		return nil, fmt.Errorf("pfsDesign %s: %w", fname, err)
	}
	return design, nil
}

// WriteDesign writes a pfsDesign under its canonical name in dir.
func WriteDesign(design *PfsDesign, dir string) error {
	fname := filepath.Join(dir, DesignFileName(design.DesignID))
	w, err := os.Create(fname)
	if err != nil {
		return err
	}
	defer w.Close()

	f, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("pfsDesign %s: %w", fname, err)
	}
	defer f.Close()

	cards := []fitsio.Card{
		{Name: "W_PFDSGN", Value: fmt.Sprintf("0x%016x", design.DesignID), Comment: "pfsDesign identifier"},
		{Name: "W_DSGNAM", Value: design.Name, Comment: "design name"},
		{Name: "W_ARMS", Value: design.Arms, Comment: "spectrograph arms exposed"},
		{Name: "RA", Value: design.RA, Comment: "boresight RA [deg]"},
		{Name: "DEC", Value: design.Dec, Comment: "boresight Dec [deg]"},
	}
	if err := writePrimary(f, cards); err != nil {
		return fmt.Errorf("pfsDesign %s: %w", fname, err)
	}
	if err := writeFibers(f, design.Fibers); err != nil {
		return fmt.Errorf("pfsDesign %s: %w", fname, err)
	}
	return nil
}

// ReadConfig loads the pfsConfig for (designID, visit) from dir.
func ReadConfig(designID uint64, visit int, dir string) (*PfsConfig, error) {
	fname := filepath.Join(dir, ConfigFileName(designID, visit))
	r, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("pfsConfig 0x%016x visit %d: %w", designID, visit, err)
	}
	defer r.Close()

	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("pfsConfig %s: %w", fname, err)
	}
	defer f.Close()

	hdr := f.HDU(0).Header()
	fileID, err := hexCard(hdr, "W_PFDSGN")
	if err != nil {
		return nil, fmt.Errorf("pfsConfig %s: %w", fname, err)
	}
	if fileID != designID {
		return nil, fmt.Errorf("pfsConfig %s holds design 0x%016x, want 0x%016x", fname, fileID, designID)
	}

	cfg := &PfsConfig{
		DesignID:          designID,
		Visit:             intCard(hdr, "W_VISIT"),
		VisitZero:         intCard(hdr, "W_VISIT0"),
		Arms:              stringCard(hdr, "W_ARMS"),
		CamMask:           uint32(intCard(hdr, "W_CAMMSK")),
		ConvergenceFailed: boolCard(hdr, "W_CNVFAI"),
		Residual:          floatCard(hdr, "W_CNVRES"),
	}
	cfg.Fibers, err = readFibers(f)
	if err != nil {
		return nil, fmt.Errorf("pfsConfig %s: %w", fname, err)
	}
	if cfg.Visit != visit {
		return nil, fmt.Errorf("pfsConfig %s holds visit %d, want %d", fname, cfg.Visit, visit)
	}
	if hdr.Get("W_CNVRES") == nil {
		// old files predate the residual card
		cfg.Residual = MedianResidual(cfg)
	}
	return cfg, nil
}

// Write writes the pfsConfig under its canonical name in dir.
func (c *PfsConfig) Write(dir string) error {
	fname := filepath.Join(dir, ConfigFileName(c.DesignID, c.Visit))
	w, err := os.Create(fname)
	if err != nil {
		return err
	}
	defer w.Close()

	f, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("pfsConfig %s: %w", fname, err)
	}
	defer f.Close()

	cards := []fitsio.Card{
		{Name: "W_PFDSGN", Value: fmt.Sprintf("0x%016x", c.DesignID), Comment: "pfsDesign identifier"},
		{Name: "W_VISIT", Value: c.Visit, Comment: "visit this pfsConfig belongs to"},
		{Name: "W_VISIT0", Value: c.VisitZero, Comment: "visit the positioner converged on"},
		{Name: "W_ARMS", Value: c.Arms, Comment: "spectrograph arms exposed"},
		{Name: "W_CAMMSK", Value: int(c.CamMask), Comment: "camera bitmask"},
		{Name: "W_CNVFAI", Value: c.ConvergenceFailed, Comment: "positioner convergence failed"},
		{Name: "W_CNVRES", Value: c.Residual, Comment: "median convergence residual [mm]"},
		{Name: "W_CNVMAX", Value: MaxResidual(c), Comment: "worst convergence residual [mm]"},
	}
	for _, card := range c.Cards {
		cards = append(cards, fitsio.Card{Name: card.Name, Value: card.Value, Comment: card.Comment})
	}
	if err := writePrimary(f, cards); err != nil {
		return fmt.Errorf("pfsConfig %s: %w", fname, err)
	}
	if err := writeFibers(f, c.Fibers); err != nil {
		return fmt.Errorf("pfsConfig %s: %w", fname, err)
	}
	return nil
}

func writePrimary(f *fitsio.File, cards []fitsio.Card) error {
	phdu, err := fitsio.NewPrimaryHDU(nil)
	if err != nil {
		return err
	}
	defer phdu.Close()
	if err := phdu.Header().Append(cards...); err != nil {
		return err
	}
	return f.Write(phdu)
}

func writeFibers(f *fitsio.File, fibers []Fiber) error {
	tbl, err := fitsio.NewTable("FIBERS", fiberColumns, fitsio.BINARY_TBL)
	if err != nil {
		return err
	}
	defer tbl.Close()
	for _, fb := range fibers {
		row := fiberRow{FiberID: fb.FiberID, Nominal: fb.Nominal, Center: fb.Center}
		if err := tbl.Write(&row); err != nil {
			return err
		}
	}
	return f.Write(tbl)
}

func readFibers(f *fitsio.File) ([]Fiber, error) {
	tbl, ok := f.HDU(1).(*fitsio.Table)
	if !ok {
		return nil, fmt.Errorf("HDU 1 is not a binary table")
	}
	rows, err := tbl.Read(0, tbl.NumRows())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fibers []Fiber
	for rows.Next() {
		var row fiberRow
		if err := rows.Scan(&row); err != nil {
			return nil, err
		}
		fibers = append(fibers, Fiber{FiberID: row.FiberID, Nominal: row.Nominal, Center: row.Center})
	}
	return fibers, rows.Err()
}

func hexCard(hdr *fitsio.Header, name string) (uint64, error) {
	card := hdr.Get(name)
	if card == nil {
		return 0, fmt.Errorf("missing %s card", name)
	}
	s, ok := card.Value.(string)
	if !ok {
		return 0, fmt.Errorf("%s card is not a string: %v", name, card.Value)
	}
	id, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%s card %q: %w", name, s, err)
	}
	return id, nil
}

func stringCard(hdr *fitsio.Header, name string) string {
	if card := hdr.Get(name); card != nil {
		if s, ok := card.Value.(string); ok {
			return s
		}
	}
	return ""
}

func intCard(hdr *fitsio.Header, name string) int {
	if card := hdr.Get(name); card != nil {
		switch v := card.Value.(type) {
		case int:
			return v
		case int64:
			return int(v)
		}
	}
	return 0
}

func floatCard(hdr *fitsio.Header, name string) float64 {
	if card := hdr.Get(name); card != nil {
		switch v := card.Value.(type) {
		case float64:
			return v
		case int:
			return float64(v)
		}
	}
	return 0
}

func boolCard(hdr *fitsio.Header, name string) bool {
	if card := hdr.Get(name); card != nil {
		if b, ok := card.Value.(bool); ok {
			return b
		}
	}
	return false
}
