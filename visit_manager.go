package visitd

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Subaru-PFS/visitd/internal/actordata"
	"github.com/Subaru-PFS/visitd/internal/pfsconf"
	"github.com/Subaru-PFS/visitd/internal/visitdb"
	"github.com/oklog/ulid/v2"
)

// ErrNoActiveField reports that an operation required a declared field.
var ErrNoActiveField = errors.New("no pfsDesign has been declared current")

// Sequencer hands out fresh globally-unique visit numbers.
type Sequencer interface {
	FetchVisit(designID uint64) (int, error)
}

// VisitManager brokers visit allocation for the sps/fps/ag consumers. It owns
// at most one active field plus the ad-hoc visits issued outside any field.
//
// All field-level mutation runs under one mutex, so two consumers cannot race
// on replacing an unavailable role visit. Sub-frame issuance has its own
// per-visit lock and never takes this one.
type VisitManager struct {
	store    *actordata.Store
	db       OpDB
	paths    DataPaths
	gen2     Sequencer
	activity *visitdb.VisitDBConnection
	updates  chan<- ClientUpdate

	mu          sync.Mutex
	activeField *PfsField
	activeVisit map[int]*Visit
}

// NewVisitManager builds a manager and opportunistically reloads the field
// persisted by a previous process. activity and updates may be nil.
func NewVisitManager(store *actordata.Store, db OpDB, paths DataPaths, gen2 Sequencer,
	activity *visitdb.VisitDBConnection, updates chan<- ClientUpdate) *VisitManager {

	vm := &VisitManager{
		store:       store,
		db:          db,
		paths:       paths,
		gen2:        gen2,
		activity:    activity,
		updates:     updates,
		activeVisit: make(map[int]*Visit),
	}
	vm.activeField = vm.reloadField()
	return vm
}

// reloadField restores the persisted field, or nothing: a daemon must be able
// to start with no usable field state.
func (vm *VisitManager) reloadField() *PfsField {
	field, err := ReloadField(vm.store, vm.db, vm.paths)
	if err != nil {
		if !errors.Is(err, actordata.ErrKeyNotFound) {
			log.Printf("no field reloaded: %v", err)
		}
		return nil
	}
	log.Printf("reloaded field pfsDesign=0x%016x visit0=%d", field.DesignID(), field.VisitZero())
	return field
}

// DeclareNewField fetches visit0 from the sequencer, retires the previous
// field, and declares a new one bound to designID. Re-declaring the same
// design carries the realized pfsConfig0 forward.
func (vm *VisitManager) DeclareNewField(designID uint64) (*pfsconf.PfsDesign, int, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	// fetch before retiring anything: a sequencer failure must leave the
	// previous field usable
	visit0, err := vm.gen2.FetchVisit(designID)
	if err != nil {
		return nil, 0, err
	}

	previous := vm.activeField
	vm.activeField = nil
	if err := vm.store.EraseKey(fieldKey); err != nil {
		return nil, 0, err
	}

	field, err := DeclareNewField(vm.store, vm.db, vm.paths, designID, visit0)
	if err != nil {
		return nil, 0, err
	}
	if previous != nil && previous.DesignID() == designID {
		field.HoldPfsConfig0(previous.PfsConfig0())
	}
	vm.activeField = field

	vm.recordField(field)
	vm.publish("FIELD", FieldUpdate{
		DesignID: fmt.Sprintf("0x%016x", field.DesignID()),
		Name:     field.Design().Name,
		Visit0:   field.VisitZero(),
	})
	return field.Design(), field.VisitZero(), nil
}

// MakePfsConfig realizes the per-visit pfsConfig through the active field.
// The forced-synthesis path reconfigures the fps visit, so the call holds
// the manager mutex like every other field mutation.
func (vm *VisitManager) MakePfsConfig(visit int, cards []pfsconf.Card, camMask uint32, forcePfsConfig bool) (*pfsconf.PfsConfig, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.activeField == nil {
		return nil, ErrNoActiveField
	}
	return vm.activeField.MakePfsConfig(visit, cards, camMask, forcePfsConfig)
}

// DescribeField snapshots the active field for clients.
func (vm *VisitManager) DescribeField() (FieldReply, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.activeField == nil {
		return FieldReply{}, ErrNoActiveField
	}
	field := vm.activeField
	return FieldReply{
		DesignID:        fmt.Sprintf("0x%016x", field.DesignID()),
		DesignName:      field.Design().Name,
		Arms:            field.Design().Arms,
		Visit0:          field.VisitZero(),
		AgVisit:         field.visit[CallerAg].VisitID,
		FpsVisit:        field.visit[CallerFps].VisitID,
		SpsVisit:        field.visit[CallerSps].VisitID,
		GratingPosition: field.GratingPosition(),
	}, nil
}

// Field returns the active field. The pointer is shared: callers that
// mutate it concurrently with the RPC surface must go through the manager
// methods instead.
func (vm *VisitManager) Field() (*PfsField, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.activeField == nil {
		return nil, ErrNoActiveField
	}
	return vm.activeField, nil
}

// CurrentDesignID returns the declared pfsDesign identifier.
func (vm *VisitManager) CurrentDesignID() (uint64, error) {
	field, err := vm.Field()
	if err != nil {
		return 0, err
	}
	return field.DesignID(), nil
}

// FinishField clears the active field and erases its persisted record.
func (vm *VisitManager) FinishField() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.activeField = nil
	if err := vm.store.EraseKey(fieldKey); err != nil {
		return err
	}
	vm.publish("FIELD", FieldUpdate{})
	return nil
}

// GetVisit returns the field's visit for the role when one is available,
// transparently minting and substituting a replacement when it is not, and an
// ad-hoc visit when no field is active. It never returns a dead or
// unavailable visit.
func (vm *VisitManager) GetVisit(role CallerRole, name string) (*Visit, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.activeField != nil {
		available, err := vm.activeField.IsVisitAvailableFor(role)
		if err != nil {
			return nil, fmt.Errorf("availability check for %s: %w", role, err)
		}
		if !available {
			newVisit, err := vm.newVisit(role, name)
			if err != nil {
				return nil, err
			}
			if err := vm.activeField.Reconfigure(role, newVisit); err != nil {
				return nil, err
			}
		}
		visit, err := vm.activeField.VisitFor(role)
		if err != nil {
			return nil, err
		}
		vm.recordVisit(visit, false)
		return visit, nil
	}

	visit, err := vm.newVisit(role, name)
	if err != nil {
		return nil, err
	}
	vm.activeVisit[visit.VisitID] = visit
	vm.recordVisit(visit, true)
	return visit, nil
}

// FindVisit looks a live visit up by id, in the ad-hoc set and the active field.
func (vm *VisitManager) FindVisit(visitID int) (*Visit, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if visit, ok := vm.activeVisit[visitID]; ok {
		return visit, nil
	}
	if vm.activeField != nil {
		for _, role := range []CallerRole{CallerAg, CallerFps, CallerSps} {
			if visit, _ := vm.activeField.VisitFor(role); visit.VisitID == visitID {
				return visit, nil
			}
		}
	}
	return nil, fmt.Errorf("no live visit %d", visitID)
}

// StopVisit permanently retires a visit.
func (vm *VisitManager) StopVisit(visitID int) error {
	visit, err := vm.FindVisit(visitID)
	if err != nil {
		return err
	}
	visit.Stop()

	vm.mu.Lock()
	delete(vm.activeVisit, visitID)
	vm.mu.Unlock()
	return nil
}

// newVisit mints a visit through the sequencer. Callers hold vm.mu.
func (vm *VisitManager) newVisit(role CallerRole, name string) (*Visit, error) {
	visitID, err := vm.gen2.FetchVisit(0)
	if err != nil {
		return nil, err
	}
	return NewVisit(visitID, role, name, vm.db), nil
}

// Status summarizes the manager for clients.
func (vm *VisitManager) Status() ServerStatus {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	status := ServerStatus{AdHocVisits: len(vm.activeVisit)}
	if field := vm.activeField; field != nil {
		status.FieldDeclared = true
		status.DesignID = fmt.Sprintf("0x%016x", field.DesignID())
		status.DesignName = field.Design().Name
		status.VisitZero = field.VisitZero()
		status.AgVisit = field.visit[CallerAg].VisitID
		status.FpsVisit = field.visit[CallerFps].VisitID
		status.SpsVisit = field.visit[CallerSps].VisitID
	}
	return status
}

func (vm *VisitManager) recordVisit(visit *Visit, adHoc bool) {
	allocID := ulid.Make().String()
	vm.activity.RecordVisit(&visitdb.VisitMessage{
		ID:     allocID,
		Visit:  visit.VisitID,
		Caller: string(visit.Caller),
		Name:   visit.Name,
		AdHoc:  adHoc,
		Issued: time.Now(),
	})
	vm.publish("VISIT", VisitUpdate{
		AllocID: allocID,
		Visit:   visit.VisitID,
		Caller:  string(visit.Caller),
		Name:    visit.Name,
		AdHoc:   adHoc,
	})
}

func (vm *VisitManager) recordField(field *PfsField) {
	vm.activity.RecordField(&visitdb.FieldMessage{
		ID:       ulid.Make().String(),
		DesignID: field.DesignID(),
		Visit0:   field.VisitZero(),
		Declared: time.Now(),
	})
}

func (vm *VisitManager) publish(tag string, message interface{}) {
	if vm.updates == nil {
		return
	}
	vm.updates <- ClientUpdate{tag: tag, message: message}
}
