package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"docsync/internal/metrics"
	"docsync/internal/middleware"
	"docsync/internal/models"
	"docsync/internal/permission"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
BROADCAST HUB

The hub owns the subscription registry: collection -> set of connection ids.
Only Connect, Subscribe, Unsubscribe and Disconnect change it, always under
mu. Emits take a snapshot of the subscribers under the read lock and send
outside it.

Every connection has a bounded outbound queue. A send that would block means
the reader is too slow (or gone); the event is dropped for that connection and
the connection is disconnected, so it resyncs on reconnect instead of silently
missing events.

Events are filtered per connection: a subscriber only receives an event when
its subject can view the item.
*/

// Access is what the hub needs from the permission layer
type Access interface {
	SubjectGroups(ctx context.Context, subjectID string) ([]string, error)
	ItemGroups(ctx context.Context, collection, itemID string) ([]string, error)
	Grants(ctx context.Context) ([]models.PermissionGrant, error)
}

// Options tune the hub
type Options struct {
	SendBuffer  int
	IdleTimeout time.Duration
}

// Hub fans out document changes to subscribed connections
type Hub struct {
	access Access
	opts   Options

	mu            sync.RWMutex
	connections   map[string]*Conn
	subscriptions map[string]map[string]struct{} // collection -> connection ids

	done     chan struct{}
	stopOnce sync.Once
}

// NewHub creates a hub; call Start to run its cleanup loop
func NewHub(access Access, opts Options) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	return &Hub{
		access:        access,
		opts:          opts,
		connections:   make(map[string]*Conn),
		subscriptions: make(map[string]map[string]struct{}),
		done:          make(chan struct{}),
	}
}

// Start begins the idle connection cleanup loop
func (h *Hub) Start() {
	log.Println("🔄 Starting broadcast hub...")
	go h.cleanupLoop()
	log.Println("✓ Broadcast hub started")
}

// Connect registers a connection for a verified subject. ws may be nil for
// connections that are not backed by a websocket.
func (h *Hub) Connect(ctx context.Context, subjectID, clientID string, ws *websocket.Conn) (*Conn, error) {
	if subjectID == "" {
		return nil, fmt.Errorf("%w: unverified connection", models.ErrInvalidCredential)
	}

	groups, err := h.access.SubjectGroups(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subject groups: %w", err)
	}

	c := &Conn{
		Connection:  models.NewConnection(subjectID, clientID),
		ws:          ws,
		send:        make(chan []byte, h.opts.SendBuffer),
		hub:         h,
		groups:      groups,
		collections: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.connections[c.ID] = c
	total := len(h.connections)
	h.mu.Unlock()

	metrics.HubConnections.Inc()
	log.Printf("  Connection %s opened for %s (total: %d)", c.ID, subjectID, total)
	return c, nil
}

// Subscribe adds connID to collection. The subject needs view on the
// collection. Subscribing twice is a no-op.
func (h *Hub) Subscribe(ctx context.Context, connID, collection string) error {
	if collection == "" {
		return fmt.Errorf("%w: collection is required", models.ErrInvalidRequest)
	}

	h.mu.RLock()
	c, ok := h.connections[connID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("connection %s: %w", connID, models.ErrNotFound)
	}

	// refresh memberships; they may have changed since connect
	groups, err := h.access.SubjectGroups(ctx, c.SubjectID)
	if err != nil {
		return fmt.Errorf("failed to resolve subject groups: %w", err)
	}
	resourceGroups, err := h.access.ItemGroups(ctx, collection, "")
	if err != nil {
		return fmt.Errorf("failed to resolve collection groups: %w", err)
	}
	grants, err := h.access.Grants(ctx)
	if err != nil {
		return fmt.Errorf("failed to load grants: %w", err)
	}
	if d := permission.Authorize(groups, resourceGroups, grants, models.LevelView); !d.Allowed {
		return fmt.Errorf("%w: %s", models.ErrPermissionDenied, d.Reason)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// the connection may have gone away while we were resolving
	if _, ok := h.connections[connID]; !ok {
		return fmt.Errorf("connection %s: %w", connID, models.ErrNotFound)
	}
	c.setGroups(groups)

	subs := h.subscriptions[collection]
	if subs == nil {
		subs = make(map[string]struct{})
		h.subscriptions[collection] = subs
	}
	subs[connID] = struct{}{}
	c.collections[collection] = struct{}{}
	return nil
}

// Unsubscribe removes connID from collection; unknown pairs are ignored
func (h *Hub) Unsubscribe(connID, collection string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeSubscription(connID, collection)
}

// Disconnect removes connID from every collection and closes its queue
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	c, ok := h.connections[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	for collection := range c.collections {
		h.removeSubscription(connID, collection)
	}
	delete(h.connections, connID)
	remaining := len(h.connections)
	h.mu.Unlock()

	c.close()
	metrics.HubConnections.Dec()
	log.Printf("  Connection %s closed (remaining: %d)", connID, remaining)
}

// removeSubscription must be called with mu held
func (h *Hub) removeSubscription(connID, collection string) {
	if subs, ok := h.subscriptions[collection]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(h.subscriptions, collection)
		}
	}
	if c, ok := h.connections[connID]; ok {
		delete(c.collections, collection)
	}
}

// Subscribers returns the connection ids subscribed to collection, sorted
func (h *Hub) Subscribers(collection string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.subscriptions[collection]))
	for id := range h.subscriptions[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConnectionCount returns the number of live connections
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// EmitCreated broadcasts a created document and returns how many
// connections it was queued for
func (h *Hub) EmitCreated(ctx context.Context, doc *models.SyncDocument) int {
	return h.emit(ctx, &models.ChangeEvent{
		Type:       models.EventDocumentCreated,
		Collection: doc.Collection,
		DocumentID: doc.ID,
		Document:   doc,
		Timestamp:  time.Now().UTC(),
	})
}

// EmitUpdated broadcasts an updated document
func (h *Hub) EmitUpdated(ctx context.Context, doc *models.SyncDocument) int {
	return h.emit(ctx, &models.ChangeEvent{
		Type:       models.EventDocumentUpdated,
		Collection: doc.Collection,
		DocumentID: doc.ID,
		Document:   doc,
		Timestamp:  time.Now().UTC(),
	})
}

// EmitDeleted broadcasts a tombstone
func (h *Hub) EmitDeleted(ctx context.Context, rec *models.DeletionRecord) int {
	return h.emit(ctx, &models.ChangeEvent{
		Type:       models.EventDocumentDeleted,
		Collection: rec.Collection,
		DocumentID: rec.ID,
		Deletion:   rec,
		Timestamp:  time.Now().UTC(),
	})
}

func (h *Hub) emit(ctx context.Context, event *models.ChangeEvent) int {
	ctx, span := middleware.StartSpan(ctx, "Hub.Emit",
		attribute.String("event.type", string(event.Type)),
		attribute.String("event.collection", event.Collection),
		attribute.String("event.document_id", event.DocumentID),
	)
	defer span.End()

	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.subscriptions[event.Collection]))
	for id := range h.subscriptions[event.Collection] {
		if c, ok := h.connections[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	itemGroups, err := h.access.ItemGroups(ctx, event.Collection, event.DocumentID)
	if err != nil {
		log.Printf("⚠️  Broadcast of %s/%s skipped: %v", event.Collection, event.DocumentID, err)
		middleware.AddSpanError(ctx, err)
		return 0
	}
	grants, err := h.access.Grants(ctx)
	if err != nil {
		log.Printf("⚠️  Broadcast of %s/%s skipped: %v", event.Collection, event.DocumentID, err)
		middleware.AddSpanError(ctx, err)
		return 0
	}

	msg, err := json.Marshal(&models.ServerMessage{
		Type:       models.MessageSyncEvent,
		Collection: event.Collection,
		Payload:    event,
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return 0
	}

	delivered := 0
	for _, c := range targets {
		if !permission.Authorize(c.subjectGroups(), itemGroups, grants, models.LevelView).Allowed {
			continue
		}
		if c.trySend(msg) {
			delivered++
			continue
		}
		metrics.BroadcastDropped.Inc()
		log.Printf("⚠️  Connection %s buffer full, closing connection", c.ID)
		go h.Disconnect(c.ID)
	}

	metrics.BroadcastEvents.WithLabelValues(string(event.Type)).Add(float64(delivered))
	span.SetAttributes(
		attribute.Int("broadcast.targets", len(targets)),
		attribute.Int("broadcast.delivered", delivered),
	)
	return delivered
}

// cleanupLoop periodically removes idle connections
func (h *Hub) cleanupLoop() {
	interval := h.opts.IdleTimeout / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.cleanup(time.Now())
		}
	}
}

// cleanup disconnects connections idle since before now-IdleTimeout
func (h *Hub) cleanup(now time.Time) int {
	h.mu.RLock()
	var stale []string
	for id, c := range h.connections {
		if now.Sub(c.lastActive()) > h.opts.IdleTimeout {
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range stale {
		log.Printf("  Cleaning up inactive connection %s", id)
		h.Disconnect(id)
	}
	return len(stale)
}

// Shutdown disconnects every connection and stops the cleanup loop
func (h *Hub) Shutdown() {
	log.Println("🛑 Shutting down broadcast hub...")

	h.stopOnce.Do(func() { close(h.done) })

	h.mu.RLock()
	ids := make([]string, 0, len(h.connections))
	for id := range h.connections {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		h.Disconnect(id)
	}
	log.Println("✓ Broadcast hub shutdown complete")
}
