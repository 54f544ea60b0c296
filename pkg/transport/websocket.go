package transport

import (
	"io"
	"net/http"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/janitor-ci/janitor/pkg/pubsub"
)

const (
	// Time allowed to write a message to the peer.
	wsWriteWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer. Needs to be less
	// than the idle timeout on whatever frontend server is proxying the
	// websocket connections (e.g. nginx).
	wsPongWait = 30 * time.Second

	// Send pings to peer with this period. Must be less than wsPongWait.
	wsPingPeriod = (wsPongWait - wsWriteWait) * 2 / 3

	// Notifications queued per client before drops start.
	wsSendBuffer = 64
)

// Subscription is a live bus subscription that can be cancelled.
type Subscription interface {
	Unsubscribe() error
}

// Subscriber hands bus notifications on a topic to a callback.
type Subscriber interface {
	Subscribe(topic string, fn func(payload []byte)) (Subscription, error)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// isExpectedWSCloseError reports whether the error is a clean
// disconnection.
func isExpectedWSCloseError(err error) bool {
	return err == io.EOF || err == io.ErrClosedPipe || websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure,
	)
}

// WSPublish streams publish notifications to the client.
func (s *HTTPServer) WSPublish(w http.ResponseWriter, r *http.Request) {
	s.serveTopic(w, r, pubsub.TopicPublish)
}

// WSMergeProposal streams merge proposal status changes to the client.
func (s *HTTPServer) WSMergeProposal(w http.ResponseWriter, r *http.Request) {
	s.serveTopic(w, r, pubsub.TopicMergeProposal)
}

// serveTopic upgrades the connection and relays bus notifications on
// topic until the client goes away. A client that cannot keep up loses
// notifications rather than stalling the bus.
func (s *HTTPServer) serveTopic(w http.ResponseWriter, r *http.Request, topic string) {
	if s.bus == nil {
		WriteError(w, r, http.StatusNotImplemented, errors.New("no notification bus configured"))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		s.logger.Log("topic", topic, "err", err)
		return
	}
	defer conn.Close()
	logger := log.With(s.logger, "topic", topic, "client", conn.RemoteAddr().String())

	msgs := make(chan []byte, wsSendBuffer)
	sub, err := s.bus.Subscribe(topic, func(payload []byte) {
		select {
		case msgs <- payload:
		default:
		}
	})
	if err != nil {
		logger.Log("err", errors.Wrap(err, "subscribing"))
		return
	}
	defer sub.Unsubscribe()

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Clients only listen, but reading is what notices them hanging up.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !isExpectedWSCloseError(err) {
					logger.Log("err", err)
				}
				return
			}
		}
	}()

	pinger := time.NewTicker(wsPingPeriod)
	defer pinger.Stop()
	for {
		select {
		case <-done:
			return
		case payload := <-msgs:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				if !isExpectedWSCloseError(err) {
					logger.Log("err", err)
				}
				return
			}
		case <-pinger.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
