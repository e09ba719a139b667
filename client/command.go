package client

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nyroxsystems/partsync/wire"
)

const commandReplyWait = 5 * time.Second

// LockCommand performs a one-shot lock or unlock over a short-lived
// connection, used by the CLI. It returns the lock snapshot the relay
// broadcasts in response.
func LockCommand(serverURL, name, token, file string, lock bool, lockType string) ([]wire.LockState, error) {
	target, err := wsURL(serverURL, name, token)
	if err != nil {
		return nil, err
	}
	ws, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %v", serverURL, err)
	}
	defer ws.Close()

	var env wire.Envelope
	if lock {
		if lockType == "" {
			lockType = wire.LockEditing
		}
		env, err = wire.NewEnvelope(wire.EventFileLock, wire.LockRequest{File: file, LockType: lockType})
	} else {
		env, err = wire.NewEnvelope(wire.EventFileUnlock, wire.UnlockRequest{File: file})
	}
	if err != nil {
		return nil, err
	}
	if err := ws.WriteJSON(env); err != nil {
		return nil, err
	}

	ws.SetReadDeadline(time.Now().Add(commandReplyWait))
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("no lock confirmation: %v", err)
		}
		var reply wire.Envelope
		if json.Unmarshal(data, &reply) != nil || reply.Event != wire.EventLockChanged {
			continue
		}
		var states []wire.LockState
		if err := json.Unmarshal(reply.Data, &states); err != nil {
			return nil, err
		}
		return states, nil
	}
}
