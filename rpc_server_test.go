package visitd

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

// startTestRPC serves a VisitControl over an in-process pipe, exactly as the
// daemon serves it over TCP.
func startTestRPC(t *testing.T, manager *VisitManager) *rpc.Client {
	server := rpc.NewServer()
	if err := server.Register(&VisitControl{manager: manager}); err != nil {
		t.Fatal(err)
	}
	clientConn, serverConn := net.Pipe()
	go server.ServeCodec(jsonrpc.NewServerCodec(serverConn))
	client := jsonrpc.NewClient(clientConn)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRPCDeclareAndGetVisit(t *testing.T) {
	vm, _ := newTestManager(t, 100)
	client := startTestRPC(t, vm)

	var declared DeclareFieldReply
	err := client.Call("VisitControl.DeclareNewField", &DeclareFieldArgs{DesignID: "0xabcd"}, &declared)
	if err != nil {
		t.Fatalf("DeclareNewField: %v", err)
	}
	assert.Equal(t, "0x000000000000abcd", declared.DesignID)
	assert.Equal(t, 100, declared.Visit0)

	var visit VisitReply
	if err := client.Call("VisitControl.GetVisit", &VisitArgs{Caller: "agc"}, &visit); err != nil {
		t.Fatalf("GetVisit: %v", err)
	}
	assert.Equal(t, 100, visit.Visit)
	assert.Equal(t, "ag", visit.Caller)

	var frame FrameReply
	if err := client.Call("VisitControl.NextFrameID", &VisitIDArgs{Visit: visit.Visit}, &frame); err != nil {
		t.Fatalf("NextFrameID: %v", err)
	}
	assert.Equal(t, visit.Visit*100, frame.Frame)

	var field FieldReply
	var dummy string
	if err := client.Call("VisitControl.GetField", &dummy, &field); err != nil {
		t.Fatalf("GetField: %v", err)
	}
	assert.Equal(t, 100, field.AgVisit)
	assert.Equal(t, 100, field.FpsVisit)
	assert.Equal(t, 100, field.SpsVisit)
}

func TestRPCRejectsBadArguments(t *testing.T) {
	vm, _ := newTestManager(t, 100)
	client := startTestRPC(t, vm)

	var visit VisitReply
	if err := client.Call("VisitControl.GetVisit", &VisitArgs{Caller: "dcb"}, &visit); err == nil {
		t.Errorf("unknown caller should be rejected")
	}

	var declared DeclareFieldReply
	if err := client.Call("VisitControl.DeclareNewField", &DeclareFieldArgs{DesignID: "grandfathered"}, &declared); err == nil {
		t.Errorf("unparseable design id should be rejected")
	}

	var field FieldReply
	var dummy string
	if err := client.Call("VisitControl.GetField", &dummy, &field); err == nil {
		t.Errorf("GetField without a declared field should fail")
	}
}

func TestRPCLockAndStop(t *testing.T) {
	vm, _ := newTestManager(t, 300)
	client := startTestRPC(t, vm)

	var visit VisitReply
	if err := client.Call("VisitControl.GetVisit", &VisitArgs{Caller: "sps", Name: "arcs"}, &visit); err != nil {
		t.Fatalf("GetVisit: %v", err)
	}

	var ok bool
	if err := client.Call("VisitControl.LockVisit", &VisitIDArgs{Visit: visit.Visit}, &ok); err != nil || !ok {
		t.Fatalf("LockVisit: %v", err)
	}
	if err := client.Call("VisitControl.UnlockVisit", &VisitIDArgs{Visit: visit.Visit}, &ok); err != nil || !ok {
		t.Fatalf("UnlockVisit: %v", err)
	}
	if err := client.Call("VisitControl.StopVisit", &VisitIDArgs{Visit: visit.Visit}, &ok); err != nil || !ok {
		t.Fatalf("StopVisit: %v", err)
	}

	var frame FrameReply
	if err := client.Call("VisitControl.NextFrameID", &VisitIDArgs{Visit: visit.Visit}, &frame); err == nil {
		t.Errorf("frames on a stopped visit should fail")
	}
}

func TestRPCMakePfsConfig(t *testing.T) {
	vm, _ := newTestManager(t, 100)
	client := startTestRPC(t, vm)

	var declared DeclareFieldReply
	if err := client.Call("VisitControl.DeclareNewField", &DeclareFieldArgs{DesignID: "0xabcd"}, &declared); err != nil {
		t.Fatal(err)
	}

	args := &PfsConfigArgs{Visit: 101, ForcePfsConfig: false}
	var reply PfsConfigReply
	if err := client.Call("VisitControl.MakePfsConfig", args, &reply); err == nil {
		t.Fatalf("MakePfsConfig without pfsConfig0 and without the override should fail")
	}

	args = &PfsConfigArgs{
		Visit:          101,
		Cards:          []HeaderCard{{Name: "OBSERVER", Value: "hirano", Comment: "principal observer"}},
		CamMask:        0x3,
		ForcePfsConfig: true,
	}
	if err := client.Call("VisitControl.MakePfsConfig", args, &reply); err != nil {
		t.Fatalf("forced MakePfsConfig: %v", err)
	}
	assert.True(t, reply.Converged)
	assert.Equal(t, 101, reply.Visit0)
	if _, err := os.Stat(reply.FileName); err != nil {
		t.Errorf("per-visit pfsConfig was not written: %v", err)
	}
}

// The test harness wires no status channel; SendAllStatus must still return.
func TestRPCSendAllStatusWithoutSubscribers(t *testing.T) {
	vm, _ := newTestManager(t, 100)
	client := startTestRPC(t, vm)

	var ok bool
	var dummy string
	if err := client.Call("VisitControl.SendAllStatus", &dummy, &ok); err != nil || !ok {
		t.Fatalf("SendAllStatus: ok=%v err=%v", ok, err)
	}
}
