package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"histeeria-chatsync/internal/models"

	"github.com/stretchr/testify/mock"
)

// MockAPI implements SendAPI and MutationAPI.
type MockAPI struct {
	mock.Mock
}

func (m *MockAPI) SendText(ctx context.Context, req models.CreateMessageRequest) (models.Message, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *MockAPI) SendAttachment(ctx context.Context, req models.CreateMessageRequest) (models.Message, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *MockAPI) EditMessage(ctx context.Context, id, content string) (models.Message, error) {
	args := m.Called(ctx, id, content)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *MockAPI) DeleteMessage(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockAPI) React(ctx context.Context, id, emoji string) (models.ReactionResult, error) {
	args := m.Called(ctx, id, emoji)
	return args.Get(0).(models.ReactionResult), args.Error(1)
}

func (m *MockAPI) Pin(ctx context.Context, id string) error   { return m.Called(ctx, id).Error(0) }
func (m *MockAPI) Unpin(ctx context.Context, id string) error { return m.Called(ctx, id).Error(0) }
func (m *MockAPI) Star(ctx context.Context, id string) error  { return m.Called(ctx, id).Error(0) }
func (m *MockAPI) Unstar(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockAPI) Forward(ctx context.Context, id, target string) (models.Message, error) {
	args := m.Called(ctx, id, target)
	return args.Get(0).(models.Message), args.Error(1)
}

// MockUploader implements Uploader.
type MockUploader struct {
	mock.Mock
}

func (m *MockUploader) Upload(ctx context.Context, file models.LocalFile) (models.Attachment, error) {
	args := m.Called(ctx, file)
	return args.Get(0).(models.Attachment), args.Error(1)
}

type fakeConn struct {
	online atomic.Bool
}

func newConn(online bool) *fakeConn {
	c := &fakeConn{}
	c.online.Store(online)
	return c
}

func (c *fakeConn) Online() bool { return c.online.Load() }

// upperCodec stands in for encryption so tests can tell wire from local content.
type upperCodec struct{}

func (upperCodec) Encode(_, s string) (string, error) { return strings.ToUpper(s), nil }
func (upperCodec) Decode(_, s string) (string, error) { return strings.ToLower(s), nil }

type noticeLog struct {
	mu      sync.Mutex
	notices []models.Notice
}

func (n *noticeLog) add(x models.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, x)
}

func (n *noticeLog) kinds(kind models.NoticeKind) []models.Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.Notice
	for _, x := range n.notices {
		if x.Kind == kind {
			out = append(out, x)
		}
	}
	return out
}

// brokenCodec fails every encode, like an AEAD without a session key.
type brokenCodec struct{}

func (brokenCodec) Encode(_, _ string) (string, error) { return "", errors.New("no session key") }
func (brokenCodec) Decode(_, s string) (string, error) { return s, nil }
