// Package visitdb logs visit and field allocation activity to a ClickHouse
// database. The connection is optional: an unconfigured or unreachable
// database degrades to a no-op rather than blocking allocation.
package visitdb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const databaseName = "visitd" // official SQL name of the database

// VisitDBConnection owns the ClickHouse connection and the channels feeding it.
type VisitDBConnection struct {
	conn         clickhouse.Conn
	err          error
	sessionEntry *SessionMessage
	visitmsg     chan *VisitMessage
	fieldmsg     chan *FieldMessage
	sync.WaitGroup
}

// IsConnected reports whether the connection is usable.
func (db *VisitDBConnection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// PingServer checks that a ClickHouse server answers at the configured address.
func PingServer(addr string) error {
	db := createDBConnection(addr)
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected")
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	db.conn.Close()
	return nil
}

// StartDBConnection opens the connection, records the session row, and starts
// the goroutine consuming activity messages until abort closes.
func StartDBConnection(addr string, session *SessionMessage, abort <-chan struct{}) *VisitDBConnection {
	conn := createDBConnection(addr)
	conn.sessionEntry = session
	conn.logSession()
	go conn.handleConnection(abort)
	return conn
}

// DummyDBConnection returns an unconnected object whose senders are no-ops.
func DummyDBConnection() *VisitDBConnection {
	db := &VisitDBConnection{}
	db.Add(1)
	return db
}

func createDBConnection(addr string) *VisitDBConnection {
	db := &VisitDBConnection{}
	if addr == "" {
		addr = "localhost:9000"
	}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("VISITD_DB_USER"),
		Password: os.Getenv("VISITD_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "visitd", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:       []string{addr},
		Auth:       auth,
		ClientInfo: client,
		TLS:        nil,
	}
	ctx := context.Background()
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn
	db.Add(1)

	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.visitmsg = make(chan *VisitMessage)
	db.fieldmsg = make(chan *FieldMessage)
	return db
}

func (db *VisitDBConnection) logSession() {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	se := db.sessionEntry
	formattedStart := se.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := se.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO visitdsessions VALUES (?, ?, ?, ?, ?, ?, ?)`, nowait,
		se.ID, se.Hostname, se.Githash, se.Version,
		se.GoVersion, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into visitdsessions ", err)
		db.err = err
	}
}

func (db *VisitDBConnection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case vmsg := <-db.visitmsg:
			db.handleVisitMessage(vmsg)
		case fmsg := <-db.fieldmsg:
			db.handleFieldMessage(fmsg)
		}
	}
}

// Disconnect stamps the session end time before the connection goes away.
func (db *VisitDBConnection) Disconnect() {
	if db.IsConnected() {
		db.sessionEntry.End = time.Now()
		db.logSession()
	}
}

// RecordVisit takes a VisitMessage and stores it in the DB (if it's open).
func (db *VisitDBConnection) RecordVisit(msg *VisitMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.visitmsg <- msg }()
}

// RecordField takes a FieldMessage and stores it in the DB (if it's open).
func (db *VisitDBConnection) RecordField(msg *FieldMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.fieldmsg <- msg }()
}

func (db *VisitDBConnection) handleVisitMessage(m *VisitMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedIssued := m.Issued.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO visits VALUES (?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, db.sessionEntry.ID, m.Visit, m.Caller, m.Name, m.AdHoc, formattedIssued,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into visits ", err)
		db.err = err
	}
}

func (db *VisitDBConnection) handleFieldMessage(m *FieldMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedDeclared := m.Declared.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO fields VALUES (?, ?, ?, ?, ?)`, nowait,
		m.ID, db.sessionEntry.ID, fmt.Sprintf("0x%016x", m.DesignID), m.Visit0, formattedDeclared,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into fields ", err)
		db.err = err
	}
}
