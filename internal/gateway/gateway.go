// Package gateway connects websocket clients to conversation actors. Chats
// pass through per-conversation lanes, cancels go straight to the actor.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/user/tripclaw/internal/session"
	"github.com/user/tripclaw/internal/state"
	"github.com/user/tripclaw/internal/types"
)

// Options configure a Gateway.
type Options struct {
	// MaxConcurrent caps runtime calls across all conversations. Zero
	// lets every conversation run in parallel.
	MaxConcurrent int64
	// LaneBuffer is the number of chats a conversation holds while busy.
	LaneBuffer int
	// AllowedOrigins restricts websocket upgrades. Empty allows any origin.
	AllowedOrigins []string
}

// Gateway owns the websocket clients and the chat queue.
type Gateway struct {
	sessions *session.Registry
	Queue    *Queue
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// New creates a Gateway dispatching into sessions.
func New(sessions *session.Registry, opts Options) *Gateway {
	gw := &Gateway{
		sessions: sessions,
		Queue:    NewQueue(opts.MaxConcurrent, opts.LaneBuffer),
		clients:  make(map[*Client]struct{}),
	}
	gw.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	gw.Queue.SetProcessor(gw.process)
	return gw
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

// Start starts the chat queue. Runs are bound to ctx.
func (g *Gateway) Start(ctx context.Context) {
	g.Queue.Start(ctx)
}

// Stop closes every client and waits for queued work to wind down.
func (g *Gateway) Stop() {
	g.mu.Lock()
	clients := make([]*Client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	g.Queue.Stop()
}

// Clients returns the number of connected clients.
func (g *Gateway) Clients() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// ServeWS upgrades the request and serves the connection.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newClient(g, conn)
	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()
	c.log.Info("websocket client connected", "remote", r.RemoteAddr)

	go c.writePump()
	go c.readPump()
}

func (g *Gateway) unregister(c *Client) {
	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
	c.close()
	c.log.Info("websocket client disconnected")
}

func (g *Gateway) handle(c *Client, in *Inbound) {
	c.log.Debug("inbound frame", "type", in.Type, "trip_id", in.TripID, "conversation_id", in.ConversationID)

	switch in.Type {
	case TypePing:
		if err := c.Send(&session.Message{Type: session.TypePong}); err != nil {
			c.log.Debug("drop pong", "error", err)
		}

	case TypeSubscribe:
		if in.TripID == "" {
			c.sendError(CodeInvalidRequest, "subscribe requires tripId")
			return
		}
		convID := in.ConversationID
		if convID == "" {
			convID = types.NewConversationID()
		}
		a, ok := g.resolve(c, in.TripID, convID)
		if !ok {
			return
		}
		c.switchTo(a)

	case TypeUnsubscribe:
		c.unsubscribe()

	case TypeChat:
		if in.Text == "" {
			c.sendError(CodeInvalidRequest, "chat requires text")
			return
		}
		a, ok := g.target(c, in)
		if !ok {
			return
		}
		c.switchTo(a)
		if err := g.Queue.Enqueue(NewRun(a, in.Text, c)); err != nil {
			c.sendError(CodeQueueFull, err.Error())
		}

	case TypeCancel:
		var a *session.Actor
		if in.TripID != "" && in.ConversationID != "" {
			a, _ = g.sessions.Lookup(in.TripID, in.ConversationID)
		} else {
			a = c.subscription()
		}
		if a != nil {
			a.CancelActiveQuery()
		}

	default:
		c.sendError(CodeUnknownType, "unknown message type: "+string(in.Type))
	}
}

// target picks the actor addressed by a frame, falling back to the client's
// current subscription.
func (g *Gateway) target(c *Client, in *Inbound) (*session.Actor, bool) {
	if in.TripID != "" && in.ConversationID != "" {
		return g.resolve(c, in.TripID, in.ConversationID)
	}
	if a := c.subscription(); a != nil {
		return a, true
	}
	c.sendError(CodeInvalidRequest, "no conversation: subscribe first or pass tripId and conversationId")
	return nil, false
}

func (g *Gateway) resolve(c *Client, tripID types.TripID, convID types.ConversationID) (*session.Actor, bool) {
	a, err := g.sessions.Get(context.Background(), tripID, convID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			c.sendError(CodeNotFound, "trip not found: "+string(tripID))
		} else {
			c.log.Error("resolve conversation", "trip_id", tripID, "conversation_id", convID, "error", err)
			c.sendError(CodeInvalidRequest, err.Error())
		}
		return nil, false
	}
	return a, true
}

// process runs one queued chat on its actor.
func (g *Gateway) process(run *Run) error {
	err := run.Actor.AddUserMessage(run.Ctx, run.Text, run.Initiator)
	if err != nil && run.Initiator != nil {
		run.Initiator.Send(&session.Message{
			Type:           session.TypeError,
			TripID:         run.Actor.TripID(),
			ConversationID: run.Actor.ConversationID(),
			Text:           err.Error(),
		})
	}
	return err
}
