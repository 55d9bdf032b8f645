// Package ws provides the WebSocket feed for live background-task updates.
//
// Each connection is registered as a tracker subscriber: it receives the full
// task snapshot on connect and a fresh snapshot after every task state
// transition. The read loop exists only to detect disconnects; incoming
// messages other than pings are ignored.
//
// Example Usage:
//
//	handler := ws.NewHandler(tracker, logger)
//	router.GET("/radar/ws/background-tasks", handler.HandleConnection)
package ws
