package transport

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Upgrader promotes an inbound HTTP request to a websocket connection,
// used by the host path before the authenticator decision in spec.md
// §4.3. The server path is irrelevant to the protocol, so CheckOrigin
// always accepts: path-based routing and origin policy are the caller's
// concern, not the transport's.
var Upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	CheckOrigin:      func(r *http.Request) bool { return true },
}

// Accept upgrades r/w to a websocket connection and returns it as a Conn.
func Accept(w http.ResponseWriter, r *http.Request) (Conn, error) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// RejectUpgrade completes the websocket handshake and immediately sends a
// close frame carrying code/reason, used to reject a connection (e.g. a
// failed authenticator decision, spec.md line 167's 4001) on the wire
// instead of a plain HTTP error, which a websocket client can't observe
// as a close code.
func RejectUpgrade(w http.ResponseWriter, r *http.Request, code int, reason string) error {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeControlTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return conn.Close()
}
