package webapi

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	gate "github.com/xmrgate/xmrgate/pkg"
)

const wsWriteDeadline = 5 * time.Second

var upgrader = websocket.Upgrader{
	// invoice pages are usually served from another origin
	CheckOrigin: func(r *http.Request) bool { return true },
}

// invoiceSocket pushes the public view of an invoice every time it
// changes, starting with its current state. The socket is closed once a
// terminal state has been sent or the invoice is removed.
func (t WebAPI) invoiceSocket(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	idx, ok := indexParam(w, p)
	if !ok {
		return
	}
	sub, err := t.api.Subscribe(idx)
	if err != nil {
		sendError(w, "Subscribe", err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		log.Printf("websocket upgrade failed for invoice %s: %v\n", idx, err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// the read side only notices the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		inv, err := sub.Next(ctx)
		if err != nil {
			if gate.IsNotFoundError(err) {
				closeSocket(conn, websocket.CloseNormalClosure, "invoice removed")
			}
			return
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
		if err := conn.WriteJSON(inv.ToPublic()); err != nil {
			log.Printf("websocket send failed for invoice %s: %v\n", idx, err)
			return
		}
		if inv.State.IsTerminal() {
			closeSocket(conn, websocket.CloseNormalClosure, string(inv.State))
			return
		}
	}
}

func closeSocket(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteDeadline))
}
