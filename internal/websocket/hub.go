package websocket

import (
	"sort"

	"histeeria-chatsync/internal/models"

	"go.uber.org/zap"
)

// On registers handler for kind and returns a function that removes it.
// Handlers run on the channel's read goroutine, in registration order, and
// must not block.
func (c *Channel) On(kind models.EventKind, handler func(models.Event)) func() {
	c.handlersMux.Lock()
	c.nextHandlerID++
	id := c.nextHandlerID
	if _, ok := c.handlers[kind]; !ok {
		c.handlers[kind] = make(map[uint64]func(models.Event))
	}
	c.handlers[kind][id] = handler
	c.handlersMux.Unlock()

	return func() {
		c.handlersMux.Lock()
		defer c.handlersMux.Unlock()
		if hs, ok := c.handlers[kind]; ok {
			delete(hs, id)
			if len(hs) == 0 {
				delete(c.handlers, kind)
			}
		}
	}
}

// dispatch hands ev to every handler registered for its kind. The handler
// set is copied first so handlers may unsubscribe themselves.
func (c *Channel) dispatch(ev models.Event) {
	c.handlersMux.RLock()
	hs := c.handlers[ev.Kind]
	ids := make([]uint64, 0, len(hs))
	for id := range hs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	targets := make([]func(models.Event), 0, len(ids))
	for _, id := range ids {
		targets = append(targets, hs[id])
	}
	c.handlersMux.RUnlock()

	if len(targets) == 0 {
		c.logger.Debug("Channel: no handler for event", zap.String("type", string(ev.Kind)))
		return
	}
	for _, h := range targets {
		c.safeCall(h, ev)
	}
}

func (c *Channel) safeCall(h func(models.Event), ev models.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Channel: handler panicked", zap.String("type", string(ev.Kind)), zap.Any("panic", r))
		}
	}()
	h(ev)
}
