package handlers

import (
	"encoding/json"
	"net/http"

	"djp.chapter42.de/renderq/internal/event"
	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"
)

const eventBuffer = 64

// EventSource is satisfied by *event.Bus.
type EventSource interface {
	OnAll(handler event.Handler) func()
}

// EventStream pushes every queue event to a WebSocket client as a JSON text frame.
// Bus handlers run on the dispatch path, so a slow client loses events instead of
// holding up the queue.
func EventStream(events EventSource, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, _, _, err := ws.UpgradeHTTP(c.Request, c.Writer)
		if err != nil {
			log.Warn("WebSocket-Upgrade fehlgeschlagen:", zap.Error(err))
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}
		defer conn.Close()

		outbox := make(chan []byte, eventBuffer)
		closed := make(chan struct{})
		unsubscribe := events.OnAll(func(e event.Event) error {
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			select {
			case outbox <- data:
			default:
				log.Warn("Event verworfen, Client zu langsam:", zap.String("event", string(e.Kind)))
			}
			return nil
		})
		defer unsubscribe()

		// the reader only exists to notice the client going away
		go func() {
			defer close(closed)
			for {
				if _, _, err := wsutil.ReadClientData(conn); err != nil {
					return
				}
			}
		}()

		log.Debug("Event-Stream verbunden:", zap.String("remote", c.Request.RemoteAddr))
		for {
			select {
			case data := <-outbox:
				if err := wsutil.WriteServerText(conn, data); err != nil {
					log.Debug("Event-Stream getrennt:", zap.Error(err))
					return
				}
			case <-closed:
				log.Debug("Event-Stream vom Client geschlossen")
				return
			case <-c.Request.Context().Done():
				return
			}
		}
	}
}
