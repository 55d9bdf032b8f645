package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/radarhq/radar/internal/logging"
	"github.com/radarhq/radar/internal/tasks"
)

const writeTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the dashboard is same-process; origin checks add nothing
	},
}

// Handler manages task-feed WebSocket connections
type Handler struct {
	tracker *tasks.Tracker
	logger  *logging.Logger

	onConnect    func()
	onDisconnect func()
}

// NewHandler creates a new WebSocket handler
func NewHandler(tracker *tasks.Tracker, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{tracker: tracker, logger: logger}
}

// OnConnectionChange registers gauges to bump when connections open and close.
func (h *Handler) OnConnectionChange(onConnect, onDisconnect func()) {
	h.onConnect = onConnect
	h.onDisconnect = onDisconnect
}

// conn adapts one websocket connection to the tracker's Subscriber interface.
// gorilla/websocket allows a single concurrent writer, so sends serialize on
// the mutex.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) Send(snapshot []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, snapshot)
}

// HandleConnection handles WebSocket upgrade and the subscription lifecycle.
func (h *Handler) HandleConnection(c *gin.Context) {
	socket, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer socket.Close()

	if h.onConnect != nil {
		h.onConnect()
	}
	if h.onDisconnect != nil {
		defer h.onDisconnect()
	}

	sub := &conn{ws: socket}
	h.tracker.Subscribe(sub)
	defer h.tracker.Unsubscribe(sub)

	h.logger.Debug("task feed subscriber connected",
		zap.String("remote", socket.RemoteAddr().String()))

	// Drain incoming frames until the peer goes away. The feed is one-way;
	// the websocket library handles ping/pong for us.
	for {
		if _, _, err := socket.ReadMessage(); err != nil {
			break
		}
	}

	h.logger.Debug("task feed subscriber disconnected",
		zap.String("remote", socket.RemoteAddr().String()))
}
