package router

import (
	"net/http"

	handlers "courtsync/handler"
	"courtsync/middleware"
	"courtsync/socket"
)

// Setup wires the websocket endpoint, the polling fallback and the document
// fetch route behind the optional token auth.
func Setup(hub *socket.Hub, jwtSecret string) http.Handler {
	mux := http.NewServeMux()
	auth := middleware.TokenAuth(jwtSecret)

	// WebSocket
	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		socket.ServeWs(hub, w, r)
	})
	mux.Handle("/ws", auth(wsHandler))

	// Polling fallback
	mux.Handle("/poll/connect", auth(http.HandlerFunc(hub.HandlePollConnect)))
	mux.Handle("/poll/events", auth(http.HandlerFunc(hub.HandlePollEvents)))
	mux.Handle("/poll/emit", auth(http.HandlerFunc(hub.HandlePollEmit)))

	// Document fetch for rendering
	docHandler := &handlers.DocumentHandler{Hub: hub}
	mux.Handle("/document/", auth(http.HandlerFunc(docHandler.GetDocument)))

	return middleware.CORSMiddleware(mux)
}
