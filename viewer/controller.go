// Package viewer translates user interactions into synchronization
// operations: viewport changes, highlight creation and deletion, scroll
// tracking and follow mode.
package viewer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"courtsync/client"
	"courtsync/pkg/logger"
	"courtsync/protocol"
	"courtsync/store"
)

var (
	ErrEmptySelection = errors.New("selection is empty")
	ErrNoCurrentUser  = errors.New("no current user")
)

// Emitter is the slice of the connection manager the controller emits
// through.
type Emitter interface {
	Emit(event string, payload any) error
	EmitWithAck(ctx context.Context, event string, payload any) (protocol.AckPayload, error)
}

// Selection captures a text selection in screen coordinates: the rectangle
// of the selected text and the rectangle of the page container it sits in,
// both at the scale the page was displayed at.
type Selection struct {
	DocumentID string
	PageNumber int
	Text       string
	PageRect   store.BoundingBox
	Rect       store.BoundingBox
}

// relativeBox rebases the selection rectangle onto the page container's
// top-left origin. No scale normalization happens here; replaying the box
// at another zoom level is the consumer's problem.
func (s Selection) relativeBox() store.BoundingBox {
	return store.BoundingBox{
		X:      s.Rect.X - s.PageRect.X,
		Y:      s.Rect.Y - s.PageRect.Y,
		Width:  s.Rect.Width,
		Height: s.Rect.Height,
	}
}

type Options struct {
	// ScrollDebounce coalesces rapid scroll events into one page-tracking
	// emission; a newer scroll cancels the pending one.
	ScrollDebounce time.Duration
	// OnActivity is invoked on every interaction, for session keep-alive.
	OnActivity func()
	// AckTimeout bounds the background wait on fire-and-confirm emissions.
	AckTimeout time.Duration
}

// Controller applies user interactions optimistically to the store and
// emits them to the server, compensating where the deletion policy calls
// for it.
type Controller struct {
	store   *store.Store
	emitter Emitter
	opts    Options

	mu           sync.Mutex
	scrollTimer  *time.Timer
	pendingDoc   string
	pendingPage  int
	followUserID string
	followDoc    string
	followPage   int
	onFollow     func(docID string, page int)
}

func NewController(st *store.Store, em Emitter, opts Options) *Controller {
	if opts.ScrollDebounce == 0 {
		opts.ScrollDebounce = 150 * time.Millisecond
	}
	if opts.AckTimeout == 0 {
		opts.AckTimeout = 10 * time.Second
	}
	c := &Controller{store: st, emitter: em, opts: opts}
	st.Subscribe(c.mirrorFollowedView)
	return c
}

func (c *Controller) touch() {
	if c.opts.OnActivity != nil {
		c.opts.OnActivity()
	}
}

// SetView changes the own viewport, fire-and-confirm: the emission is sent
// and local rendering proceeds without waiting, since the authoritative
// per-user viewport lives server-side and comes back with the next room
// broadcast. There is no optimistic local mutation and no compensation on
// rejection.
func (c *Controller) SetView(docID string, page int) {
	c.touch()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.AckTimeout)
		defer cancel()
		if _, err := c.emitter.EmitWithAck(ctx, protocol.EventSetView, protocol.SetViewPayload{DocID: docID, Page: page}); err != nil {
			logger.Sugar.Warnf("set_view %s page %d not confirmed: %v", docID, page, err)
		}
	}()
}

// CreateHighlight builds a highlight from a non-empty selection, applies it
// optimistically and emits it fire-and-forget. A silently failed emission
// has no rollback path; the server echo is idempotent against the
// optimistic copy.
func (c *Controller) CreateHighlight(sel Selection) (store.Highlight, error) {
	text := strings.TrimSpace(sel.Text)
	if text == "" {
		return store.Highlight{}, ErrEmptySelection
	}
	user, ok := c.store.CurrentUser()
	if !ok {
		return store.Highlight{}, ErrNoCurrentUser
	}
	docID := sel.DocumentID
	if docID == "" {
		docID = user.CurrentDocID
	}
	if docID == "" {
		return store.Highlight{}, errors.New("no document selected")
	}

	h := store.Highlight{
		ID:           uuid.NewString(),
		DocumentID:   docID,
		PageNumber:   sel.PageNumber,
		SelectedText: text,
		BoundingBox:  sel.relativeBox(),
		UserID:       user.ID,
		Username:     user.Username,
		Timestamp:    time.Now().UnixMilli(),
	}

	c.store.AddHighlight(h)
	if err := c.emitter.Emit(protocol.EventAddHighlight, h); err != nil {
		logger.Sugar.Warnf("highlight %s not emitted: %v", h.ID, err)
	}
	c.touch()
	return h, nil
}

// DeleteHighlight removes the highlight optimistically, then asks the
// server. On a connectivity failure the removal is kept: the intent was
// clear and the next resync reconciles. On any other failure the highlight
// is re-inserted to undo the optimistic removal — server-side rejections
// must be visibly undone.
func (c *Controller) DeleteHighlight(ctx context.Context, docID, highlightID string) error {
	c.touch()
	removed, ok := c.store.RemoveHighlight(docID, highlightID)
	if !ok {
		return nil
	}

	payload := protocol.RemoveHighlightPayload{HighlightID: highlightID, DocumentID: docID}
	if _, err := c.emitter.EmitWithAck(ctx, protocol.EventRemoveHighlight, payload); err != nil {
		if errors.Is(err, client.ErrNotConnected) {
			logger.Sugar.Infof("highlight %s removed while offline, reconciling on resync", highlightID)
			return nil
		}
		c.store.AddHighlight(removed)
		logger.Sugar.Warnf("highlight %s removal rejected, restored: %v", highlightID, err)
		return err
	}
	return nil
}

// TrackScroll records the page the viewport scrolled to. Emissions are
// debounced: only the newest position within the window is sent.
func (c *Controller) TrackScroll(docID string, page int) {
	c.touch()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingDoc = docID
	c.pendingPage = page
	if c.scrollTimer != nil {
		c.scrollTimer.Stop()
	}
	c.scrollTimer = time.AfterFunc(c.opts.ScrollDebounce, func() {
		c.mu.Lock()
		docID, page := c.pendingDoc, c.pendingPage
		c.mu.Unlock()
		c.SetView(docID, page)
	})
}

// FollowUser mirrors another user's viewport: whenever a room broadcast
// moves the followed user, onView is called with their document and page.
// Following is read-only; it never emits set_view for the follower.
func (c *Controller) FollowUser(userID string, onView func(docID string, page int)) {
	c.mu.Lock()
	c.followUserID = userID
	c.followDoc = ""
	c.followPage = -1
	c.onFollow = onView
	c.mu.Unlock()
	c.mirrorFollowedView()
}

func (c *Controller) Unfollow() {
	c.mu.Lock()
	c.followUserID = ""
	c.onFollow = nil
	c.mu.Unlock()
}

func (c *Controller) mirrorFollowedView() {
	c.mu.Lock()
	userID := c.followUserID
	onView := c.onFollow
	c.mu.Unlock()
	if userID == "" || onView == nil {
		return
	}

	target, ok := c.store.Room().UserByID(userID)
	if !ok || target.CurrentDocID == "" {
		return
	}

	c.mu.Lock()
	changed := target.CurrentDocID != c.followDoc || target.CurrentPage != c.followPage
	if changed {
		c.followDoc = target.CurrentDocID
		c.followPage = target.CurrentPage
	}
	c.mu.Unlock()

	if changed {
		onView(target.CurrentDocID, target.CurrentPage)
	}
}
