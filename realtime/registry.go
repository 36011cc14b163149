// Package realtime tracks connected clients, their room memberships, and
// fans events out to rooms. Transport is pluggable through Sender; the
// websocket surface in this package is one implementation.
package realtime

import (
	"fmt"
	"log/slog"
	"sync"
)

// Event names on the server-to-client wire.
const (
	EventUserJoin        = "user:join"
	EventUserLeave       = "user:leave"
	EventUploadProgress  = "document:upload_progress"
	EventSearchCompleted = "search:completed"
)

// ProjectRoom returns the room name all events for a project go to.
func ProjectRoom(projectID string) string {
	return "project:" + projectID
}

// Sender delivers one event to a single connection. Implementations must
// be safe for concurrent use; the registry calls Send from whichever
// goroutine triggered the broadcast.
type Sender interface {
	Send(event string, payload any) error
}

// ErrMissingIdentity rejects a connection that carries no user id.
type ErrMissingIdentity struct{}

func (e *ErrMissingIdentity) Error() string {
	return "realtime: connection has no user_id"
}

// ErrUnknownConn reports an operation on a connection id the registry
// does not hold.
type ErrUnknownConn struct {
	ConnID string
}

func (e *ErrUnknownConn) Error() string {
	return fmt.Sprintf("realtime: unknown connection %q", e.ConnID)
}

// ErrDelivery reports that a broadcast reached some members but not all.
// Callers treat it as diagnostic: the registry has already logged and
// kept going.
type ErrDelivery struct {
	Room   string
	Event  string
	Failed int
}

func (e *ErrDelivery) Error() string {
	return fmt.Sprintf("realtime: %d deliveries of %s to %s failed", e.Failed, e.Event, e.Room)
}

type session struct {
	connID string
	userID string
	sender Sender
	rooms  map[string]struct{}
}

// Registry is the in-memory index of live connections. One registry per
// process; every map mutation happens under a single mutex, and sends
// always happen outside it.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*session
	rooms map[string]map[string]struct{} // room -> conn ids
	users map[string]map[string]struct{} // user id -> conn ids

	logger *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger falls back to
// slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  map[string]*session{},
		rooms:  map[string]map[string]struct{}{},
		users:  map[string]map[string]struct{}{},
		logger: logger,
	}
}

// Connect registers a connection for a user. The same user may hold any
// number of connections; each has its own rooms.
func (r *Registry) Connect(connID, userID string, sender Sender) error {
	if userID == "" {
		return &ErrMissingIdentity{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[connID]; exists {
		return fmt.Errorf("realtime: connection %q already registered", connID)
	}
	r.conns[connID] = &session{
		connID: connID,
		userID: userID,
		sender: sender,
		rooms:  map[string]struct{}{},
	}
	if r.users[userID] == nil {
		r.users[userID] = map[string]struct{}{}
	}
	r.users[userID][connID] = struct{}{}

	r.logger.Debug("connection registered", "conn_id", connID, "user_id", userID)
	return nil
}

// Disconnect removes a connection, leaving every room it was in. Members
// remaining in those rooms receive user:leave. Unknown ids are a no-op so
// the transport can call it unconditionally on teardown.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	sess, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	var left []string
	for room := range sess.rooms {
		r.removeFromRoom(connID, room)
		left = append(left, room)
	}
	delete(r.conns, connID)
	if set := r.users[sess.userID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.users, sess.userID)
		}
	}
	r.mu.Unlock()

	for _, room := range left {
		r.notifyMembership(room, EventUserLeave, sess.userID)
	}
	r.logger.Debug("connection removed", "conn_id", connID, "user_id", sess.userID)
}

// Join adds the connection to a room and announces user:join to the other
// members. Joining a room twice is a no-op.
func (r *Registry) Join(connID, room string) error {
	r.mu.Lock()
	sess, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return &ErrUnknownConn{ConnID: connID}
	}
	if _, already := sess.rooms[room]; already {
		r.mu.Unlock()
		return nil
	}
	sess.rooms[room] = struct{}{}
	if r.rooms[room] == nil {
		r.rooms[room] = map[string]struct{}{}
	}
	r.rooms[room][connID] = struct{}{}
	userID := sess.userID
	r.mu.Unlock()

	r.notifyMembershipExcept(room, connID, EventUserJoin, userID)
	r.logger.Debug("room joined", "conn_id", connID, "room", room)
	return nil
}

// Leave removes the connection from a room and announces user:leave to
// the remaining members. Leaving a room it is not in is a no-op.
func (r *Registry) Leave(connID, room string) error {
	r.mu.Lock()
	sess, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return &ErrUnknownConn{ConnID: connID}
	}
	if _, in := sess.rooms[room]; !in {
		r.mu.Unlock()
		return nil
	}
	delete(sess.rooms, room)
	r.removeFromRoom(connID, room)
	userID := sess.userID
	r.mu.Unlock()

	r.notifyMembership(room, EventUserLeave, userID)
	r.logger.Debug("room left", "conn_id", connID, "room", room)
	return nil
}

// RoomUsers returns the distinct user ids currently in a room.
func (r *Registry) RoomUsers(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]struct{}{}
	var out []string
	for connID := range r.rooms[room] {
		sess := r.conns[connID]
		if sess == nil {
			continue
		}
		if _, dup := seen[sess.userID]; dup {
			continue
		}
		seen[sess.userID] = struct{}{}
		out = append(out, sess.userID)
	}
	return out
}

// Broadcast sends an event to every connection in a room. The member
// snapshot is taken under the read lock; sends run outside it so one slow
// socket cannot block the registry. Per-connection failures are logged
// and summarized in *ErrDelivery; an empty room returns nil.
func (r *Registry) Broadcast(room, event string, payload any) error {
	targets := r.snapshot(room, "")
	failed := 0
	for _, sess := range targets {
		if err := sess.sender.Send(event, payload); err != nil {
			failed++
			r.logger.Warn("event delivery failed",
				"conn_id", sess.connID, "room", room, "event", event, "error", err)
		}
	}
	if failed > 0 {
		return &ErrDelivery{Room: room, Event: event, Failed: failed}
	}
	return nil
}

// snapshot copies the sessions of a room, optionally skipping one
// connection. Caller must not hold the lock.
func (r *Registry) snapshot(room, skipConnID string) []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*session
	for connID := range r.rooms[room] {
		if connID == skipConnID {
			continue
		}
		if sess := r.conns[connID]; sess != nil {
			out = append(out, sess)
		}
	}
	return out
}

func (r *Registry) notifyMembership(room, event, userID string) {
	r.notifyMembershipExcept(room, "", event, userID)
}

func (r *Registry) notifyMembershipExcept(room, skipConnID, event, userID string) {
	payload := map[string]string{"user_id": userID, "room": room}
	for _, sess := range r.snapshot(room, skipConnID) {
		if err := sess.sender.Send(event, payload); err != nil {
			r.logger.Warn("membership event delivery failed",
				"conn_id", sess.connID, "room", room, "event", event, "error", err)
		}
	}
}

// removeFromRoom deletes a connection from the room index. Caller holds
// the write lock.
func (r *Registry) removeFromRoom(connID, room string) {
	set := r.rooms[room]
	if set == nil {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(r.rooms, room)
	}
}
