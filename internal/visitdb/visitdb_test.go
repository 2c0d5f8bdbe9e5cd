package visitdb

import (
	"testing"
	"time"
)

func TestDummyConnectionIsSafe(t *testing.T) {
	db := DummyDBConnection()
	if db.IsConnected() {
		t.Errorf("dummy connection reports connected")
	}

	// Senders must not block or panic when nothing consumes them.
	db.RecordVisit(&VisitMessage{Visit: 12345, Caller: "sps", Issued: time.Now()})
	db.RecordField(&FieldMessage{DesignID: 0xabcd, Visit0: 12345, Declared: time.Now()})
	db.Disconnect()
}

func TestNilConnectionIsSafe(t *testing.T) {
	var db *VisitDBConnection
	if db.IsConnected() {
		t.Errorf("nil connection reports connected")
	}
	db.RecordVisit(&VisitMessage{Visit: 1})
	db.RecordField(&FieldMessage{Visit0: 1})
}

func TestPingUnreachableServer(t *testing.T) {
	// Nothing listens on port 1, so the dial is refused immediately.
	if err := PingServer("127.0.0.1:1"); err == nil {
		t.Errorf("ping of an unreachable server should fail")
	}
}
