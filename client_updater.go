package visitd

// Contain the ClientUpdater object, which publishes JSON-encoded messages
// giving the latest visitd state.

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/davecgh/go-spew/spew"
	zmq "github.com/pebbe/zmq4"
	"github.com/spf13/viper"
)

// ClientUpdate carries the messages to be published on the status port.
type ClientUpdate struct {
	tag     string
	message interface{}
}

// FieldUpdate is the payload of FIELD messages. A zero value announces that
// no field is active.
type FieldUpdate struct {
	DesignID string
	Name     string
	Visit0   int
}

// VisitUpdate is the payload of VISIT messages, one per allocation.
type VisitUpdate struct {
	AllocID string
	Visit   int
	Caller  string
	Name    string
	AdHoc   bool
}

// RunClientUpdater forwards any message from its input channel to the ZMQ
// publisher socket to publish any information that clients need to know.
func RunClientUpdater(messages <-chan ClientUpdate, portstatus int) {
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		ProblemLogger.Printf("could not create status socket: %v", err)
		return
	}
	defer pubSocket.Close()
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	if err := pubSocket.Bind(hostname); err != nil {
		ProblemLogger.Printf("could not bind status socket to %s: %v", hostname, err)
		return
	}

	verbose := viper.GetBool("Verbose")
	for update := range messages {
		message, err := json.Marshal(update.message)
		if err != nil {
			ProblemLogger.Printf("could not encode %s update: %v", update.tag, err)
			continue
		}
		if verbose {
			log.Print(spew.Sdump(update.message))
		}
		if _, err := pubSocket.SendMessage(update.tag, message); err != nil {
			ProblemLogger.Printf("could not publish %s update: %v", update.tag, err)
		}
	}
}
