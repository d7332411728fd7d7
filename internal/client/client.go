// Package client keeps a local replica of server collections in sync.
//
// A Client drives full and incremental syncs over HTTP, applies pushed
// changes from the realtime channel, and writes everything into the local
// storage engine. Every write, pulled or pushed, goes through the store's
// version gate: a document is only replaced by a strictly newer version.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"docsync/internal/client/storage"
	"docsync/internal/metrics"
	"docsync/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// Status is the sync state of a Client
type Status string

const (
	StatusIdle    Status = "IDLE"
	StatusSyncing Status = "SYNCING"
	StatusOffline Status = "OFFLINE"
	StatusError   Status = "ERROR"
)

// Store is the part of the storage engine the client writes through
type Store interface {
	PutDocument(ctx context.Context, doc *models.SyncDocument) (bool, error)
	ApplyDeletion(ctx context.Context, rec *models.DeletionRecord) (bool, error)
	EnsureStorageSpace(ctx context.Context) (int, error)
	GetStats(ctx context.Context) (*storage.Stats, error)
}

// Options configure a Client
type Options struct {
	ServerURL        string
	Token            string
	PageSize         int
	RequestTimeout   time.Duration
	AutoSyncInterval time.Duration // 0 disables auto-sync
	EventBuffer      int
	Registry         *models.Registry
	HTTPClient       *http.Client
	Dialer           *websocket.Dialer
	ClientID         string
	NewBackOff       func() backoff.BackOff
	Now              func() time.Time
}

// Stats is a snapshot of the client
type Stats struct {
	Status       Status         `json:"status"`
	LastSyncTime *time.Time     `json:"lastSyncTime,omitempty"`
	LastError    string         `json:"lastError,omitempty"`
	Collections  []string       `json:"collections"`
	StaleWrites  int64          `json:"staleWrites"`
	Storage      *storage.Stats `json:"storage"`
}

// Client is the sync orchestrator. All of its state is owned by the
// instance and changed only through its methods.
type Client struct {
	opts     Options
	store    Store
	http     *http.Client
	dialer   *websocket.Dialer
	baseURL  string
	wsURL    string
	clientID string
	now      func() time.Time

	mu             sync.Mutex
	status         Status
	connected      bool
	lastSyncTime   *time.Time
	collectionSync map[string]time.Time // last successful sync start per collection
	subs           map[string]map[*Subscription]struct{}
	inFlight       map[string]bool
	active         int
	failed         bool
	lastErr        error
	halted         bool // credentials rejected on the realtime channel
	ws             *websocket.Conn
	started        bool
	ctx            context.Context
	cancel         context.CancelFunc

	writeMu     sync.Mutex
	staleWrites atomic.Int64
	wg          sync.WaitGroup
}

// New creates a client over store. It does not touch the network until
// Start or a sync call.
func New(store Store, opts Options) (*Client, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	baseURL := strings.TrimSuffix(opts.ServerURL, "/")
	wsURL, err := websocketURL(baseURL)
	if err != nil {
		return nil, err
	}

	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = defaultBackOff
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Client{
		opts:           opts,
		store:          store,
		http:           opts.HTTPClient,
		dialer:         opts.Dialer,
		baseURL:        baseURL,
		wsURL:          wsURL,
		clientID:       opts.ClientID,
		now:            opts.Now,
		status:         StatusOffline,
		collectionSync: make(map[string]time.Time),
		subs:           make(map[string]map[*Subscription]struct{}),
		inFlight:       make(map[string]bool),
	}, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Status returns the current sync status
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connected reports whether the realtime channel is up
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// LastSyncTime returns the start time of the last successful sync, if any
func (c *Client) LastSyncTime() *time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSyncTime == nil {
		return nil
	}
	t := *c.lastSyncTime
	return &t
}

// LastError returns the error of the last sync round that failed, or nil
// once a later round succeeded
func (c *Client) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// StaleWrites returns how many incoming documents were discarded as stale
func (c *Client) StaleWrites() int64 {
	return c.staleWrites.Load()
}

// Collections returns the subscribed collections, sorted
func (c *Client) Collections() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collectionsLocked()
}

func (c *Client) collectionsLocked() []string {
	out := make([]string, 0, len(c.subs))
	for collection := range c.subs {
		out = append(out, collection)
	}
	sort.Strings(out)
	return out
}

// Stats returns the client and storage statistics
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	st, err := c.store.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	out := &Stats{
		Status:       c.Status(),
		LastSyncTime: c.LastSyncTime(),
		Collections:  c.Collections(),
		StaleWrites:  c.StaleWrites(),
		Storage:      st,
	}
	if err := c.LastError(); err != nil {
		out.LastError = err.Error()
	}
	return out, nil
}

// Subscribe registers a local subscriber for collection. The first
// subscriber of a collection subscribes on the realtime channel and, once
// the client is started, triggers a sync of the collection.
func (c *Client) Subscribe(collection string) (*Subscription, error) {
	collection = strings.TrimSpace(collection)
	if collection == "" {
		return nil, fmt.Errorf("%w: collection is required", models.ErrInvalidRequest)
	}

	sub := newSubscription(c, collection, c.opts.EventBuffer)

	c.mu.Lock()
	first := c.subs[collection] == nil
	if first {
		c.subs[collection] = make(map[*Subscription]struct{})
	}
	c.subs[collection][sub] = struct{}{}
	started, ctx := c.started, c.ctx
	if started && ctx.Err() != nil {
		started = false
	}
	var since *time.Time
	if t, ok := c.collectionSync[collection]; ok {
		since = &t
	}
	c.mu.Unlock()

	if first {
		c.sendUpstream(models.MessageSubscribe, collection)
		if started {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				c.syncInBackground(ctx, collection, since)
			}()
		}
	}
	return sub, nil
}

func (c *Client) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	subs, ok := c.subs[sub.collection]
	if !ok {
		c.mu.Unlock()
		return
	}
	if _, ok := subs[sub]; !ok {
		c.mu.Unlock()
		return
	}
	delete(subs, sub)
	last := len(subs) == 0
	if last {
		delete(c.subs, sub.collection)
	}
	c.mu.Unlock()

	if last {
		c.sendUpstream(models.MessageUnsubscribe, sub.collection)
	}
}

func (c *Client) notify(collection string, ev SyncEvent) {
	c.mu.Lock()
	targets := make([]*Subscription, 0, len(c.subs[collection]))
	for sub := range c.subs[collection] {
		targets = append(targets, sub)
	}
	c.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(ev)
	}
}

func (c *Client) subscribed(collection string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[collection]
	return ok
}

// SyncCollection pulls collection from the server. A nil since is a full
// sync; otherwise only changes at or after since are fetched. A second
// call for a collection already syncing returns ErrSyncInFlight at once.
func (c *Client) SyncCollection(ctx context.Context, collection string, since *time.Time) error {
	start := c.now().UTC()
	if err := c.beginSync(collection); err != nil {
		return err
	}

	err := c.syncCollection(ctx, collection, since)
	c.endSync(collection, start, err)

	if err != nil {
		log.Printf("❌ Sync of %s failed: %v", collection, err)
		return err
	}
	return nil
}

func (c *Client) beginSync(collection string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight[collection] {
		return fmt.Errorf("%s: %w", collection, models.ErrSyncInFlight)
	}
	c.inFlight[collection] = true
	if c.active == 0 {
		c.failed = false
	}
	c.active++
	c.status = StatusSyncing
	return nil
}

// endSync resolves the status once no sync is active. Sync times only
// move on success.
func (c *Client) endSync(collection string, start time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, collection)
	c.active--
	if err != nil {
		c.failed = true
		c.lastErr = err
	} else {
		c.collectionSync[collection] = start
		if c.lastSyncTime == nil || start.After(*c.lastSyncTime) {
			t := start
			c.lastSyncTime = &t
		}
	}
	if c.active == 0 {
		if !c.failed {
			c.lastErr = nil
		}
		c.status = c.settledStatusLocked()
	}
}

// settledStatusLocked is the status with no sync running. Without a live
// realtime channel the client is OFFLINE whatever the outcome of the
// round; LastError still reports a failure.
func (c *Client) settledStatusLocked() Status {
	switch {
	case c.halted:
		return StatusError
	case !c.connected:
		return StatusOffline
	case c.failed:
		return StatusError
	}
	return StatusIdle
}

func (c *Client) syncCollection(ctx context.Context, collection string, since *time.Time) error {
	var docs, dels, stale int
	for offset := 0; ; offset += c.opts.PageSize {
		resp, err := c.fetchPage(ctx, collection, since, c.opts.PageSize, offset)
		if err != nil {
			return err
		}

		// tombstones first so a recreated document is not deleted again
		for _, rec := range resp.Deletions {
			changed, err := c.store.ApplyDeletion(ctx, rec)
			if err != nil {
				return err
			}
			if changed {
				dels++
				c.notify(collection, SyncEvent{Kind: EventDelete, Collection: collection, Deletion: rec})
			}
		}

		for _, doc := range resp.Documents {
			applied, err := c.applyDocument(ctx, doc)
			if err != nil {
				return err
			}
			if applied {
				docs++
			} else {
				stale++
			}
		}

		if !resp.HasMore {
			break
		}
	}

	mode := "full"
	if since != nil {
		mode = "incremental"
	}
	log.Printf("✓ Synced %s (%s): %d updated, %d deleted, %d unchanged", collection, mode, docs, dels, stale)
	return nil
}

// applyDocument writes doc through the version gate. Payloads that fail
// registry validation are reported to subscribers and skipped.
func (c *Client) applyDocument(ctx context.Context, doc *models.SyncDocument) (bool, error) {
	if err := c.opts.Registry.Validate(doc); err != nil {
		c.notify(doc.Collection, SyncEvent{Kind: EventError, Collection: doc.Collection, Err: err})
		return false, nil
	}

	now := c.now().UTC()
	doc.Metadata.LastSynced = &now

	applied, err := c.putWithRetry(ctx, doc)
	if err != nil {
		return false, err
	}
	if !applied {
		c.staleWrites.Add(1)
		metrics.ClientStaleWrites.Inc()
		return false, nil
	}
	c.notify(doc.Collection, SyncEvent{Kind: EventUpdate, Collection: doc.Collection, Document: doc})
	return true, nil
}

// putWithRetry frees space and retries once when the store is full
func (c *Client) putWithRetry(ctx context.Context, doc *models.SyncDocument) (bool, error) {
	applied, err := c.store.PutDocument(ctx, doc)
	if err == nil || !models.IsQuotaExceeded(err) {
		return applied, err
	}

	evicted, evictErr := c.store.EnsureStorageSpace(ctx)
	if evictErr != nil {
		return false, evictErr
	}
	log.Printf("⚠️  Storage full, evicted %d documents", evicted)
	return c.store.PutDocument(ctx, doc)
}

// SyncAll fully syncs every subscribed collection in parallel
func (c *Client) SyncAll(ctx context.Context) error {
	return c.syncEach(ctx, func(string) *time.Time { return nil })
}

// SyncSince incrementally syncs every subscribed collection since since
func (c *Client) SyncSince(ctx context.Context, since time.Time) error {
	return c.syncEach(ctx, func(string) *time.Time { return &since })
}

// Resync brings every subscribed collection up to date: collections that
// were never synced get a full sync, the rest an incremental one since
// their last successful sync.
func (c *Client) Resync(ctx context.Context) error {
	c.mu.Lock()
	last := make(map[string]time.Time, len(c.collectionSync))
	for k, v := range c.collectionSync {
		last[k] = v
	}
	c.mu.Unlock()

	return c.syncEach(ctx, func(collection string) *time.Time {
		if t, ok := last[collection]; ok {
			return &t
		}
		return nil
	})
}

func (c *Client) syncEach(ctx context.Context, since func(string) *time.Time) error {
	var g errgroup.Group
	for _, collection := range c.Collections() {
		collection := collection
		g.Go(func() error {
			err := c.SyncCollection(ctx, collection, since(collection))
			if errors.Is(err, models.ErrSyncInFlight) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

func (c *Client) syncInBackground(ctx context.Context, collection string, since *time.Time) {
	err := c.SyncCollection(ctx, collection, since)
	if err != nil && !errors.Is(err, models.ErrSyncInFlight) && ctx.Err() == nil {
		c.notify(collection, SyncEvent{Kind: EventError, Collection: collection, Err: err})
	}
}

// Start opens the realtime channel, reconnecting with backoff, and runs
// auto-sync. It returns immediately; Disconnect stops everything.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("client already started")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.started = true
	runCtx := c.ctx
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.connectionLoop(runCtx)
	}()

	if c.opts.AutoSyncInterval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.autoSyncLoop(runCtx)
		}()
	}

	log.Printf("✓ Sync client %s started (server: %s)", c.clientID, c.baseURL)
	return nil
}

func (c *Client) connectionLoop(ctx context.Context) {
	b := backoff.WithContext(c.opts.NewBackOff(), ctx)

	for {
		ws, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, models.ErrInvalidCredential) {
				log.Printf("❌ Realtime channel rejected credentials, not retrying")
				c.mu.Lock()
				c.halted = true
				c.status = StatusError
				c.mu.Unlock()
				return
			}
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				return
			}
			log.Printf("⚠️  Connect failed, retrying in %s: %v", wait, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		b.Reset()
		// unblocks readLoop when the client is stopped
		stop := context.AfterFunc(ctx, func() { ws.Close() })
		c.onConnected(ctx, ws)
		c.readLoop(ctx, ws)
		stop()
		c.onDisconnected(ws)

		if ctx.Err() != nil {
			return
		}
	}
}

// onConnected resubscribes every collection and catches up on what was
// missed while offline
func (c *Client) onConnected(ctx context.Context, ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.connected = true
	if c.active > 0 {
		c.status = StatusSyncing
	} else {
		c.status = StatusIdle
	}
	collections := c.collectionsLocked()
	c.mu.Unlock()

	log.Printf("✓ Realtime channel connected, resubscribing %d collections", len(collections))
	for _, collection := range collections {
		c.sendUpstream(models.MessageSubscribe, collection)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Resync(ctx); err != nil && ctx.Err() == nil {
			log.Printf("⚠️  Resync after reconnect failed: %v", err)
		}
	}()
}

func (c *Client) onDisconnected(ws *websocket.Conn) {
	ws.Close()

	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.connected = false
	c.status = StatusOffline
	c.mu.Unlock()

	log.Printf("⚠️  Realtime channel lost")
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg models.ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("⚠️  Ignoring malformed server message: %v", err)
			continue
		}

		switch msg.Type {
		case models.MessageSyncEvent:
			if msg.Payload != nil {
				c.applyEvent(ctx, msg.Payload)
			}
		case models.MessageError:
			log.Printf("⚠️  Server error for %q: %s", msg.Collection, msg.Error)
			if msg.Collection != "" {
				c.notify(msg.Collection, SyncEvent{
					Kind:       EventError,
					Collection: msg.Collection,
					Err:        errors.New(msg.Error),
				})
			}
		}
	}
}

// applyEvent applies a pushed change through the same version gate as
// HTTP sync; a stale push is counted and dropped
func (c *Client) applyEvent(ctx context.Context, ev *models.ChangeEvent) {
	if !c.subscribed(ev.Collection) {
		return
	}

	switch ev.Type {
	case models.EventDocumentCreated, models.EventDocumentUpdated:
		if ev.Document == nil {
			return
		}
		if _, err := c.applyDocument(ctx, ev.Document); err != nil {
			c.notify(ev.Collection, SyncEvent{Kind: EventError, Collection: ev.Collection, Err: err})
		}

	case models.EventDocumentDeleted:
		rec := ev.Deletion
		if rec == nil {
			rec = &models.DeletionRecord{ID: ev.DocumentID, Collection: ev.Collection, DeletedAt: ev.Timestamp}
		}
		changed, err := c.store.ApplyDeletion(ctx, rec)
		if err != nil {
			c.notify(ev.Collection, SyncEvent{Kind: EventError, Collection: ev.Collection, Err: err})
			return
		}
		if changed {
			c.notify(ev.Collection, SyncEvent{Kind: EventDelete, Collection: ev.Collection, Deletion: rec})
		}
	}
}

// sendUpstream is fire-and-forget; collections are resubscribed on reconnect
func (c *Client) sendUpstream(msgType, collection string) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := ws.WriteJSON(models.ClientMessage{Type: msgType, Collection: collection}); err != nil {
		log.Printf("⚠️  Failed to send %s for %s: %v", msgType, collection, err)
	}
}

// autoSyncLoop fires SyncAll only while idle and connected; ticks that
// arrive during a sync are skipped
func (c *Client) autoSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.AutoSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			ready := c.status == StatusIdle && c.connected
			c.mu.Unlock()
			if !ready {
				continue
			}
			if err := c.SyncAll(ctx); err != nil && ctx.Err() == nil {
				log.Printf("⚠️  Auto-sync failed: %v", err)
			}
		}
	}
}

// Disconnect stops the background loops, closes the realtime channel and
// every subscription. The client cannot be restarted.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	ws := c.ws
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		ws.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	var subs []*Subscription
	for _, set := range c.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	c.subs = make(map[string]map[*Subscription]struct{})
	c.connected = false
	c.status = StatusOffline
	c.mu.Unlock()

	for _, sub := range subs {
		sub.shut()
	}
	log.Printf("✓ Sync client %s disconnected", c.clientID)
}
