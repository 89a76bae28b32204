package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"histeeria-chatsync/internal/clock"
	"histeeria-chatsync/internal/e2e"
	"histeeria-chatsync/internal/logging"
	"histeeria-chatsync/internal/metrics"
	"histeeria-chatsync/internal/models"
	"histeeria-chatsync/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrEmptyMessage      = errors.New("message content is empty")
	ErrSendFailed        = errors.New("send failed")
	ErrNotRetriable      = errors.New("message is not in a retriable state")
	ErrAlreadySending    = errors.New("message is already being sent")
	ErrUploadCancelled   = errors.New("upload cancelled")
	ErrDrainInProgress   = errors.New("offline queue drain already running")
	ErrInvalidAttachment = errors.New("attachment descriptor is incomplete")
)

// SendAPI is the request/response half of the server used for sends.
type SendAPI interface {
	SendText(ctx context.Context, req models.CreateMessageRequest) (models.Message, error)
	SendAttachment(ctx context.Context, req models.CreateMessageRequest) (models.Message, error)
}

// Connectivity reports whether the network is believed to be reachable.
type Connectivity interface {
	Online() bool
}

// Uploader turns a local file into an uploaded attachment descriptor. It must
// honor ctx cancellation.
type Uploader interface {
	Upload(ctx context.Context, file models.LocalFile) (models.Attachment, error)
}

// PipelineOptions wires a Pipeline. Store, API and Connectivity are required.
type PipelineOptions struct {
	Store        store.MessageStore
	API          SendAPI
	Connectivity Connectivity
	Outbox       store.OutboxStore
	Uploader     Uploader
	Codec        e2e.Codec
	Clock        clock.Clock
	Logger       *zap.Logger
	Metrics      *metrics.Collector
	SelfID       string
	Notify       func(models.Notice)
}

// DrainResult summarizes one ProcessOfflineQueue run.
type DrainResult struct {
	Sent      int  `json:"sent"`
	Failed    int  `json:"failed"`
	Remaining int  `json:"remaining"`
	Stopped   bool `json:"stopped"`
}

type upload struct {
	cancel    context.CancelFunc
	cancelled bool
}

// Pipeline turns compose actions into optimistic store entries and reconciles
// them with the server's reply. Each temp id has at most one send in flight.
type Pipeline struct {
	store    store.MessageStore
	api      SendAPI
	conn     Connectivity
	outbox   store.OutboxStore
	uploader Uploader
	codec    e2e.Codec
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Collector
	selfID   string
	notify   func(models.Notice)

	mu       sync.Mutex
	queue    []string
	inflight map[string]struct{}
	files    map[string]models.LocalFile
	uploads  map[string]*upload
	draining bool
	rerun    bool
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	p := &Pipeline{
		store:    opts.Store,
		api:      opts.API,
		conn:     opts.Connectivity,
		outbox:   opts.Outbox,
		uploader: opts.Uploader,
		codec:    opts.Codec,
		clock:    opts.Clock,
		logger:   logging.OrNop(opts.Logger),
		metrics:  opts.Metrics,
		selfID:   opts.SelfID,
		notify:   opts.Notify,
		inflight: make(map[string]struct{}),
		files:    make(map[string]models.LocalFile),
		uploads:  make(map[string]*upload),
	}
	if p.outbox == nil {
		p.outbox = store.NewMemoryOutbox()
	}
	if p.codec == nil {
		p.codec = e2e.Plain{}
	}
	if p.clock == nil {
		p.clock = clock.Real()
	}
	if p.notify == nil {
		p.notify = func(models.Notice) {}
	}
	return p
}

// NewTempID returns a fresh provisional message id.
func NewTempID() string {
	return "tmp_" + uuid.NewString()
}

// SendMessage sends a text message.
func (p *Pipeline) SendMessage(ctx context.Context, conversationID, content, replyToID string) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, ErrEmptyMessage
	}
	msg := p.compose(conversationID, content, models.KindText, replyToID)
	return p.begin(ctx, msg)
}

// SendMessageWithAttachment sends an attachment that is already uploaded.
func (p *Pipeline) SendMessageWithAttachment(ctx context.Context, conversationID, caption string, att models.Attachment, kind models.Kind, replyToID string) (models.Message, error) {
	if att.URL == "" {
		return models.Message{}, ErrInvalidAttachment
	}
	if !kind.Valid() || kind == models.KindText {
		kind = models.KindFile
	}
	msg := p.compose(conversationID, caption, kind, replyToID)
	msg.Attachment = &att
	return p.begin(ctx, msg)
}

// SendFile uploads file and then sends it. The upload can be abandoned with
// CancelUpload until the send call starts.
func (p *Pipeline) SendFile(ctx context.Context, conversationID, caption string, file models.LocalFile, replyToID string) (models.Message, error) {
	if p.uploader == nil {
		return models.Message{}, fmt.Errorf("%w: no uploader configured", ErrInvalidAttachment)
	}
	if file.Path == "" {
		return models.Message{}, ErrInvalidAttachment
	}
	kind := file.Kind
	if !kind.Valid() || kind == models.KindText {
		kind = models.KindFile
	}
	msg := p.compose(conversationID, caption, kind, replyToID)
	p.mu.Lock()
	p.files[msg.TempID] = file
	p.mu.Unlock()
	return p.begin(ctx, msg)
}

func (p *Pipeline) compose(conversationID, content string, kind models.Kind, replyToID string) models.Message {
	return models.Message{
		TempID:         NewTempID(),
		ConversationID: conversationID,
		SenderID:       p.selfID,
		Content:        content,
		Kind:           kind,
		ReplyToID:      replyToID,
		CreatedAt:      p.clock.Now(),
		SendState:      models.StateComposing,
	}
}

// begin inserts the optimistic entry before any network call and dispatches it.
func (p *Pipeline) begin(ctx context.Context, msg models.Message) (models.Message, error) {
	msg.SendState = msg.SendState.Advance(models.StateSending)
	stored, _ := p.store.Upsert(msg)
	p.changed(stored)
	return p.dispatch(ctx, stored.TempID)
}

// Retry re-sends a failed or queued message under its original temp id.
func (p *Pipeline) Retry(ctx context.Context, tempID string) (models.Message, error) {
	msg, ok := p.store.Find(tempID)
	if !ok {
		return models.Message{}, store.ErrMessageNotFound
	}
	if msg.ID != "" || !msg.SendState.Retriable() {
		return msg, ErrNotRetriable
	}
	return p.dispatch(ctx, msg.TempID)
}

func (p *Pipeline) dispatch(ctx context.Context, tempID string) (models.Message, error) {
	p.mu.Lock()
	if _, busy := p.inflight[tempID]; busy {
		p.mu.Unlock()
		cur, _ := p.store.Find(tempID)
		return cur, ErrAlreadySending
	}
	p.inflight[tempID] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, tempID)
		p.mu.Unlock()
	}()

	if !p.conn.Online() {
		return p.enqueue(ctx, tempID)
	}

	msg, err := p.setState(tempID, models.StateSending, "")
	if err != nil {
		return msg, err
	}
	if msg.ID != "" || msg.SendState.Confirmed() {
		// An echo or receipt confirmed it while it sat in the queue.
		p.settle(ctx, tempID)
		return msg, nil
	}

	if msg.Attachment == nil && msg.Kind != "" && msg.Kind != models.KindText {
		att, err := p.upload(ctx, tempID)
		if errors.Is(err, ErrUploadCancelled) {
			p.discard(ctx, tempID)
			p.logger.Info("Pipeline: upload cancelled, entry discarded", zap.String("temp_id", tempID))
			return msg, ErrUploadCancelled
		}
		if err != nil {
			return p.fail(ctx, tempID, err)
		}
		msg, err = p.store.Apply(tempID, func(m *models.Message) { m.Attachment = &att })
		if err != nil {
			return msg, err
		}
	}

	return p.send(ctx, msg)
}

func (p *Pipeline) send(ctx context.Context, msg models.Message) (models.Message, error) {
	content, err := p.codec.Encode(msg.ConversationID, msg.Content)
	if err != nil {
		p.logger.Warn("Pipeline: encode failed, sending plaintext",
			zap.String("conversation_id", msg.ConversationID), zap.String("temp_id", msg.TempID), zap.Error(err))
		content = msg.Content
	}
	req := models.CreateMessageRequest{
		ChatID:       msg.ConversationID,
		Content:      content,
		Kind:         msg.Kind,
		Attachment:   msg.Attachment,
		ReplyToID:    msg.ReplyToID,
		ClientTempID: msg.TempID,
	}

	var resp models.Message
	if msg.Attachment != nil {
		resp, err = p.api.SendAttachment(ctx, req)
	} else {
		resp, err = p.api.SendText(ctx, req)
	}
	if err != nil {
		return p.fail(ctx, msg.TempID, err)
	}
	if resp.ID == "" {
		return p.fail(ctx, msg.TempID, errors.New("server reply carries no message id"))
	}

	// The server echoes what it stored, which may be ciphertext; the local
	// plaintext stays authoritative for our own message.
	resp.TempID = msg.TempID
	resp.Content = msg.Content
	resp.SendState = ""
	resp.SendError = ""
	if resp.ConversationID == "" {
		resp.ConversationID = msg.ConversationID
	}
	stored, _ := p.store.Upsert(resp)

	p.dequeue(msg.TempID)
	p.dropOutbox(ctx, msg.TempID)
	p.metrics.Send("sent")
	p.logger.Debug("Pipeline: message sent", zap.String("temp_id", msg.TempID), zap.String("id", stored.ID))
	p.changed(stored)
	return stored, nil
}

// enqueue marks the message queued until connectivity returns.
func (p *Pipeline) enqueue(ctx context.Context, tempID string) (models.Message, error) {
	msg, err := p.setState(tempID, models.StateQueued, "")
	if err != nil {
		return msg, err
	}
	p.mu.Lock()
	queued := false
	for _, id := range p.queue {
		if id == tempID {
			queued = true
			break
		}
	}
	if !queued {
		p.queue = append(p.queue, tempID)
	}
	n := len(p.queue)
	p.mu.Unlock()

	p.persist(ctx, msg)
	p.metrics.Send("queued")
	p.metrics.QueueLength(n)
	p.logger.Info("Pipeline: offline, message queued", zap.String("temp_id", tempID), zap.Int("queue_length", n))
	p.changed(msg)
	return msg, nil
}

func (p *Pipeline) fail(ctx context.Context, tempID string, cause error) (models.Message, error) {
	msg, err := p.setState(tempID, models.StateFailed, cause.Error())
	if err != nil {
		return msg, err
	}
	if msg.ID != "" || msg.SendState.Confirmed() {
		// The echo landed before the reply errored out: the server has it.
		p.logger.Info("Pipeline: send error after confirmation, keeping confirmed entry",
			zap.String("temp_id", tempID), zap.String("id", msg.ID), zap.Error(cause))
		p.settle(ctx, tempID)
		return msg, nil
	}
	p.dequeue(tempID)
	p.persist(ctx, msg)
	p.metrics.Send("failed")
	p.logger.Warn("Pipeline: send failed", zap.String("temp_id", tempID), zap.Error(cause))
	p.notify(models.Notice{
		Kind:           models.NoticeSendFailed,
		ConversationID: msg.ConversationID,
		MessageKey:     tempID,
		Detail:         cause.Error(),
		Message:        &msg,
	})
	return msg, fmt.Errorf("%w: %w", ErrSendFailed, cause)
}

// setState moves an unconfirmed entry. A confirmed entry is left alone since
// a receipt or echo may have beaten us to it.
func (p *Pipeline) setState(tempID string, state models.SendState, sendErr string) (models.Message, error) {
	return p.store.Apply(tempID, func(m *models.Message) {
		if m.ID != "" || m.SendState.Confirmed() {
			return
		}
		m.SendState = state
		m.SendError = sendErr
	})
}

func (p *Pipeline) upload(ctx context.Context, tempID string) (models.Attachment, error) {
	uctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	file, ok := p.files[tempID]
	if !ok {
		p.mu.Unlock()
		return models.Attachment{}, ErrUploadCancelled
	}
	u := &upload{cancel: cancel}
	p.uploads[tempID] = u
	p.mu.Unlock()

	att, err := p.uploader.Upload(uctx, file)

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.uploads, tempID)
	if u.cancelled {
		delete(p.files, tempID)
		return models.Attachment{}, ErrUploadCancelled
	}
	if err != nil {
		return models.Attachment{}, fmt.Errorf("upload %s: %w", file.Name, err)
	}
	// Committed: from here on CancelUpload has nothing left to abort.
	delete(p.files, tempID)
	if att.Name == "" {
		att.Name = file.Name
	}
	if att.MimeType == "" {
		att.MimeType = file.MimeType
	}
	if att.Size == 0 {
		att.Size = file.Size
	}
	return att, nil
}

// CancelUpload abandons a file send that has not reached the send call yet
// and discards its entry. It reports false when there was nothing to cancel.
func (p *Pipeline) CancelUpload(ctx context.Context, tempID string) bool {
	p.mu.Lock()
	if u, ok := p.uploads[tempID]; ok {
		u.cancelled = true
		u.cancel()
		p.mu.Unlock()
		return true
	}
	if _, pending := p.files[tempID]; !pending {
		p.mu.Unlock()
		return false
	}
	delete(p.files, tempID)
	p.mu.Unlock()

	// A dispatch that has not reached the upload yet finds the file gone and
	// treats it as cancelled too.
	p.discard(ctx, tempID)
	return true
}

// Remove drops a message from the store, abandoning any queued or pending work.
func (p *Pipeline) Remove(ctx context.Context, key string) (models.Message, error) {
	msg, ok := p.store.Find(key)
	if !ok {
		return models.Message{}, store.ErrMessageNotFound
	}
	if msg.TempID != "" {
		p.mu.Lock()
		if u, ok := p.uploads[msg.TempID]; ok {
			u.cancelled = true
			u.cancel()
		}
		delete(p.files, msg.TempID)
		p.mu.Unlock()
		p.dequeue(msg.TempID)
		p.dropOutbox(ctx, msg.TempID)
	}
	removed, ok := p.store.RemoveByID(msg.Key())
	if !ok {
		return msg, nil
	}
	p.changed(removed)
	return removed, nil
}

func (p *Pipeline) discard(ctx context.Context, tempID string) {
	p.dequeue(tempID)
	p.dropOutbox(ctx, tempID)
	if msg, ok := p.store.RemoveByID(tempID); ok {
		p.changed(msg)
	}
}

// settle forgets the pending work of a message the server already holds.
func (p *Pipeline) settle(ctx context.Context, tempID string) {
	p.dequeue(tempID)
	p.dropOutbox(ctx, tempID)
}

func (p *Pipeline) dropOutbox(ctx context.Context, tempID string) {
	if err := p.outbox.Delete(ctx, tempID); err != nil {
		p.logger.Warn("Pipeline: failed to drop outbox entry", zap.String("temp_id", tempID), zap.Error(err))
	}
}

// ProcessOfflineQueue re-sends queued messages one at a time in the order
// they were queued. It stops early when connectivity drops again. A call made
// while a drain is running returns ErrDrainInProgress and makes the running
// drain take another pass over the queue before it returns.
func (p *Pipeline) ProcessOfflineQueue(ctx context.Context) (DrainResult, error) {
	p.mu.Lock()
	if p.draining {
		p.rerun = true
		p.mu.Unlock()
		return DrainResult{}, ErrDrainInProgress
	}
	p.draining = true
	pending := append([]string(nil), p.queue...)
	p.mu.Unlock()

	var res DrainResult
	for {
		p.drainPass(ctx, pending, &res)

		p.mu.Lock()
		if ctx.Err() != nil || !p.rerun {
			p.draining = false
			p.rerun = false
			p.mu.Unlock()
			break
		}
		// A pass that stopped offline is retried too: the request may come
		// from connectivity returning.
		p.rerun = false
		res.Stopped = false
		pending = append(pending[:0], p.queue...)
		p.mu.Unlock()
	}

	res.Remaining = p.QueueLength()
	p.metrics.QueueLength(res.Remaining)
	p.logger.Info("Pipeline: offline queue drained",
		zap.Int("sent", res.Sent), zap.Int("failed", res.Failed),
		zap.Int("remaining", res.Remaining), zap.Bool("stopped", res.Stopped))
	return res, ctx.Err()
}

func (p *Pipeline) drainPass(ctx context.Context, pending []string, res *DrainResult) {
	for _, tempID := range pending {
		if ctx.Err() != nil || !p.conn.Online() {
			res.Stopped = true
			return
		}
		msg, err := p.dispatch(ctx, tempID)
		switch {
		case err == nil && msg.SendState == models.StateQueued:
			// Went offline between the check and the dispatch.
			res.Stopped = true
			return
		case err == nil:
			res.Sent++
		case errors.Is(err, ErrAlreadySending), errors.Is(err, store.ErrMessageNotFound):
		case errors.Is(err, ErrUploadCancelled):
		default:
			res.Failed++
		}
	}
}

// Restore reloads unsent messages persisted by a previous run. Queued ones
// rejoin the offline queue in their original order.
func (p *Pipeline) Restore(ctx context.Context) (int, error) {
	msgs, err := p.outbox.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to restore outbox: %w", err)
	}
	n := 0
	for _, m := range msgs {
		if m.TempID == "" || m.ID != "" {
			continue
		}
		if m.SendState != models.StateFailed {
			m.SendState = models.StateQueued
		}
		stored, _ := p.store.Upsert(m)
		if stored.ID != "" {
			continue
		}
		if stored.SendState == models.StateQueued {
			p.mu.Lock()
			p.queue = append(p.queue, stored.TempID)
			p.mu.Unlock()
		}
		n++
	}
	p.metrics.QueueLength(p.QueueLength())
	return n, nil
}

func (p *Pipeline) QueueLength() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pipeline) dequeue(tempID string) {
	p.mu.Lock()
	for i, id := range p.queue {
		if id == tempID {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			break
		}
	}
	n := len(p.queue)
	p.mu.Unlock()
	p.metrics.QueueLength(n)
}

func (p *Pipeline) persist(ctx context.Context, msg models.Message) {
	p.mu.Lock()
	_, hasFile := p.files[msg.TempID]
	p.mu.Unlock()
	// A local file path is meaningless after a restart.
	if hasFile {
		return
	}
	if err := p.outbox.Save(ctx, msg); err != nil {
		p.logger.Warn("Pipeline: failed to persist outbox entry", zap.String("temp_id", msg.TempID), zap.Error(err))
	}
}

func (p *Pipeline) changed(msg models.Message) {
	p.notify(models.Notice{
		Kind:           models.NoticeMessageUpdated,
		ConversationID: msg.ConversationID,
		MessageKey:     msg.Key(),
		Message:        &msg,
	})
}
