package visitd

import (
	"errors"
	"fmt"
	"sync"
)

// CallerRole identifies which consumer subsystem a Visit was issued to.
type CallerRole string

// The three subsystems that each need their own visit-numbering stream.
const (
	CallerAg  CallerRole = "ag"
	CallerFps CallerRole = "fps"
	CallerSps CallerRole = "sps"
)

// MaxFramesPerVisit is the number of sub-frame ids a single visit can carry.
// Frame ids are composed as visitId*100 + index, so the index must stay below 100.
const MaxFramesPerVisit = 100

// Errors raised by the visit lifecycle. Exhaustion and already-done are fatal
// to the requesting command; recovery is a new visit, never a retry.
var (
	ErrVisitOverflowed  = errors.New("visit overflowed: all frame ids have been issued")
	ErrVisitAlreadyDone = errors.New("visit is already done")
)

// ExposureDB answers existence questions against the operational database.
// A nil implementation is treated as an empty database.
type ExposureDB interface {
	ExposureExists(table string, visit int) (bool, error)
	PfsConfigExists(visit int) (bool, error)
}

// ParseCaller maps a caller name, including the mcs and agc aliases, to its role.
func ParseCaller(name string) (CallerRole, error) {
	switch name {
	case "ag", "agc":
		return CallerAg, nil
	case "fps", "mcs":
		return CallerFps, nil
	case "sps":
		return CallerSps, nil
	}
	return "", fmt.Errorf("unknown caller: %q", name)
}

// Visit tracks one externally-issued exposure identifier and the sub-frame
// ids handed out under it. The numeric id always comes from the Gen2
// sequencer; a Visit never allocates its own.
type Visit struct {
	VisitID int
	Caller  CallerRole
	Name    string

	// idLock guards the lifecycle latches and the frame counter; RPC
	// connections touch the same Visit from separate goroutines.
	idLock   sync.Mutex
	active   bool
	dead     bool
	frameIdx int

	db ExposureDB
}

// NewVisit wraps an externally-issued visit id for the given caller role.
func NewVisit(visitID int, caller CallerRole, name string, db ExposureDB) *Visit {
	return &Visit{VisitID: visitID, Caller: caller, Name: name, db: db}
}

func (v *Visit) String() string {
	return fmt.Sprintf("Visit(name=%s caller=%s visitId=%d subVisit=%d)",
		v.Name, v.Caller, v.VisitID, v.FrameIndex())
}

// ExposureTable names the opdb table where exposures for this role are recorded.
func (v *Visit) ExposureTable() string {
	switch v.Caller {
	case CallerAg:
		return "agc_exposure"
	case CallerFps:
		return "mcs_exposure"
	default:
		return "sps_visit"
	}
}

// NextFrameID issues the next sub-frame id, of the form visitId*100+index.
func (v *Visit) NextFrameID() (int, error) {
	v.idLock.Lock()
	defer v.idLock.Unlock()
	if v.dead {
		return 0, ErrVisitAlreadyDone
	}
	if v.frameIdx >= MaxFramesPerVisit {
		return 0, ErrVisitOverflowed
	}
	frameIdx := v.frameIdx
	v.frameIdx++

	return v.VisitID*MaxFramesPerVisit + frameIdx, nil
}

// FrameIndex reports how many frame ids have been issued so far.
func (v *Visit) FrameIndex() int {
	v.idLock.Lock()
	defer v.idLock.Unlock()
	return v.frameIdx
}

// Lock declares the visit active. Idempotent.
func (v *Visit) Lock() {
	v.idLock.Lock()
	defer v.idLock.Unlock()
	v.active = true
}

// Unlock declares the visit inactive. Idempotent.
func (v *Visit) Unlock() {
	v.idLock.Lock()
	defer v.idLock.Unlock()
	v.active = false
}

// Stop declares that the visit must not be used anymore. Irreversible.
func (v *Visit) Stop() {
	v.idLock.Lock()
	defer v.idLock.Unlock()
	v.dead = true
}

// IsActive reports whether a command currently owns the visit.
func (v *Visit) IsActive() bool {
	v.idLock.Lock()
	defer v.idLock.Unlock()
	return v.active
}

// IsDead reports whether the visit has been permanently retired.
func (v *Visit) IsDead() bool {
	v.idLock.Lock()
	defer v.idLock.Unlock()
	return v.dead
}

// isPopulated reports whether an exposure row already exists for this visit id.
func (v *Visit) isPopulated() (bool, error) {
	if v.db == nil {
		return false, nil
	}
	return v.db.ExposureExists(v.ExposureTable(), v.VisitID)
}

// IsAvailable decides whether the visit can serve another request from its
// caller. A dead visit is never available. ag visits otherwise only care
// about the lock state; fps visits additionally require that nothing was
// recorded against the id; sps always bumps up after field acquisition.
func (v *Visit) IsAvailable() (bool, error) {
	if v.IsDead() {
		return false, nil
	}
	switch v.Caller {
	case CallerAg:
		return !v.IsActive(), nil

	case CallerFps:
		if v.IsActive() {
			return false, nil
		}
		populated, err := v.isPopulated()
		if err != nil {
			return false, err
		}
		if populated {
			return false, nil
		}
		if v.db == nil {
			return true, nil
		}
		configured, err := v.db.PfsConfigExists(v.VisitID)
		if err != nil {
			return false, err
		}
		return !configured, nil

	default:
		return false, nil
	}
}
