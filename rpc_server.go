package visitd

import (
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/Subaru-PFS/visitd/internal/pfsconf"
)

// VisitControl is the sub-server that handles visit and field bookkeeping on
// behalf of the sps/fps/ag command handlers.
type VisitControl struct {
	manager       *VisitManager
	clientUpdates chan<- ClientUpdate
}

// ServerStatus is the status that VisitControl reports to clients.
type ServerStatus struct {
	FieldDeclared bool
	DesignID      string
	DesignName    string
	VisitZero     int
	AgVisit       int
	FpsVisit      int
	SpsVisit      int
	AdHocVisits   int
}

// DeclareFieldArgs hold the arguments to a DeclareNewField operation.
type DeclareFieldArgs struct {
	DesignID string // hex, e.g. "0x5d4e3a0f70a2f4c1"
}

// DeclareFieldReply reports the declared design and its first visit.
type DeclareFieldReply struct {
	DesignID   string
	DesignName string
	Arms       string
	Visit0     int
}

// DeclareNewField declares a new field bound to the given pfsDesign.
func (vc *VisitControl) DeclareNewField(args *DeclareFieldArgs, reply *DeclareFieldReply) error {
	designID, err := strconv.ParseUint(args.DesignID, 0, 64)
	if err != nil {
		return fmt.Errorf("bad design id %q: %w", args.DesignID, err)
	}
	log.Printf("DeclareNewField: 0x%016x\n", designID)
	design, visit0, err := vc.manager.DeclareNewField(designID)
	if err != nil {
		return err
	}
	reply.DesignID = fmt.Sprintf("0x%016x", design.DesignID)
	reply.DesignName = design.Name
	reply.Arms = design.Arms
	reply.Visit0 = visit0
	vc.broadcastUpdate()
	return nil
}

// VisitArgs hold the arguments to a GetVisit operation.
type VisitArgs struct {
	Caller string // sps, fps/mcs, ag/agc
	Name   string // optional free-form label
}

// VisitReply reports the issued visit.
type VisitReply struct {
	Visit  int
	Caller string
	Name   string
}

// GetVisit returns a usable visit for the caller, minting one when needed.
func (vc *VisitControl) GetVisit(args *VisitArgs, reply *VisitReply) error {
	role, err := ParseCaller(args.Caller)
	if err != nil {
		return err
	}
	visit, err := vc.manager.GetVisit(role, args.Name)
	if err != nil {
		return err
	}
	log.Printf("GetVisit: %s\n", visit)
	reply.Visit = visit.VisitID
	reply.Caller = string(visit.Caller)
	reply.Name = visit.Name
	vc.broadcastUpdate()
	return nil
}

// VisitIDArgs name one live visit.
type VisitIDArgs struct {
	Visit int
}

// FrameReply reports one issued sub-frame id.
type FrameReply struct {
	Frame int
}

// NextFrameID issues the next sub-frame id of a live visit.
func (vc *VisitControl) NextFrameID(args *VisitIDArgs, reply *FrameReply) error {
	visit, err := vc.manager.FindVisit(args.Visit)
	if err != nil {
		return err
	}
	frame, err := visit.NextFrameID()
	if err != nil {
		return err
	}
	reply.Frame = frame
	return nil
}

// LockVisit declares a visit active for the duration of a command.
func (vc *VisitControl) LockVisit(args *VisitIDArgs, reply *bool) error {
	visit, err := vc.manager.FindVisit(args.Visit)
	if err != nil {
		return err
	}
	visit.Lock()
	*reply = true
	return nil
}

// UnlockVisit releases a visit when the owning command finishes.
func (vc *VisitControl) UnlockVisit(args *VisitIDArgs, reply *bool) error {
	visit, err := vc.manager.FindVisit(args.Visit)
	if err != nil {
		return err
	}
	visit.Unlock()
	*reply = true
	return nil
}

// StopVisit permanently retires a visit.
func (vc *VisitControl) StopVisit(args *VisitIDArgs, reply *bool) error {
	if err := vc.manager.StopVisit(args.Visit); err != nil {
		return err
	}
	*reply = true
	vc.broadcastUpdate()
	return nil
}

// FieldReply describes the active field.
type FieldReply struct {
	DesignID        string
	DesignName      string
	Arms            string
	Visit0          int
	AgVisit         int
	FpsVisit        int
	SpsVisit        int
	GratingPosition string
}

// GetField describes the active field, or errors when none is declared.
func (vc *VisitControl) GetField(dummy *string, reply *FieldReply) error {
	field, err := vc.manager.DescribeField()
	if err != nil {
		return err
	}
	*reply = field
	return nil
}

// FinishField clears the active field and erases its persisted record.
func (vc *VisitControl) FinishField(dummy *string, reply *bool) error {
	log.Printf("FinishField\n")
	if err := vc.manager.FinishField(); err != nil {
		return err
	}
	*reply = true
	vc.broadcastUpdate()
	return nil
}

// HeaderCard is one caller-supplied FITS card carried onto the pfsConfig.
type HeaderCard struct {
	Name    string
	Value   string
	Comment string
}

// PfsConfigArgs hold the arguments to a MakePfsConfig operation.
type PfsConfigArgs struct {
	Visit          int
	Cards          []HeaderCard
	CamMask        uint32
	ForcePfsConfig bool
}

// PfsConfigReply reports the written per-visit pfsConfig.
type PfsConfigReply struct {
	FileName  string
	Visit0    int
	Residual  float64
	Converged bool
}

// MakePfsConfig derives the per-visit pfsConfig for an exposure and writes it
// under today's dated directory in the raw-data tree.
func (vc *VisitControl) MakePfsConfig(args *PfsConfigArgs, reply *PfsConfigReply) error {
	cards := make([]pfsconf.Card, len(args.Cards))
	for i, card := range args.Cards {
		cards[i] = pfsconf.Card{Name: card.Name, Value: card.Value, Comment: card.Comment}
	}
	cfg, err := vc.manager.MakePfsConfig(args.Visit, cards, args.CamMask, args.ForcePfsConfig)
	if err != nil {
		return err
	}

	dir := filepath.Join(vc.manager.paths.RawDataRoot, time.Now().Format("2006-01-02"), "pfsConfig")
	if err := os.MkdirAll(dir, 0775); err != nil {
		return err
	}
	if err := cfg.Write(dir); err != nil {
		return err
	}
	reply.FileName = filepath.Join(dir, pfsconf.ConfigFileName(cfg.DesignID, cfg.Visit))
	reply.Visit0 = cfg.VisitZero
	reply.Residual = cfg.Residual
	reply.Converged = !cfg.ConvergenceFailed
	log.Printf("MakePfsConfig: wrote %s\n", reply.FileName)
	return nil
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info.
func (vc *VisitControl) SendAllStatus(dummy *string, reply *bool) error {
	vc.broadcastUpdate()
	if vc.clientUpdates != nil {
		vc.clientUpdates <- ClientUpdate{"SENDALL", 0}
	}
	*reply = true
	return nil
}

func (vc *VisitControl) broadcastUpdate() {
	if vc.clientUpdates == nil {
		return
	}
	vc.clientUpdates <- ClientUpdate{"STATUS", vc.manager.Status()}
}

// RunRPCServer sets up and runs a permanent JSON-RPC server.
func RunRPCServer(manager *VisitManager, messageChan chan<- ClientUpdate, portrpc int) {
	visitControl := &VisitControl{manager: manager, clientUpdates: messageChan}

	go func() {
		ticker := time.Tick(2 * time.Second)
		for range ticker {
			visitControl.broadcastUpdate()
		}
	}()

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	server.Register(visitControl)
	server.HandleHTTP(rpc.DefaultRPCPath, rpc.DefaultDebugPath)
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		log.Fatal("listen error:", err)
	}
	for {
		if conn, err := listener.Accept(); err != nil {
			log.Fatal("accept error: " + err.Error())
		} else {
			log.Printf("new connection established\n")
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}
}
