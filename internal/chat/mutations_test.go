package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"histeeria-chatsync/internal/clock"
	"histeeria-chatsync/internal/models"
	"histeeria-chatsync/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mutatorFixture struct {
	store   *store.MemoryMessageStore
	api     *MockAPI
	notices *noticeLog
	m       *Mutator
}

func newMutatorFixture() *mutatorFixture {
	f := &mutatorFixture{
		store:   store.NewMemoryMessageStore(0),
		api:     &MockAPI{},
		notices: &noticeLog{},
	}
	f.m = NewMutator(MutatorOptions{
		Store:  f.store,
		API:    f.api,
		Clock:  clock.NewFake(t0),
		SelfID: "me",
		Notify: f.notices.add,
	})
	f.store.Upsert(models.Message{ID: "m1", ConversationID: "c1", SenderID: "me", Content: "hello", CreatedAt: t0, Status: models.StatusSent})
	return f
}

func TestReact_ToggleTwiceRestoresOriginal(t *testing.T) {
	f := newMutatorFixture()
	ctx := context.Background()
	f.api.On("React", mock.Anything, "m1", "👍").Return(models.ReactionResult{Removed: false}, nil).Once()
	f.api.On("React", mock.Anything, "m1", "👍").Return(models.ReactionResult{Removed: true}, nil).Once()

	got, err := f.m.React(ctx, "m1", "👍")
	require.NoError(t, err)
	assert.True(t, models.HasReaction(got.Reactions, "me", "👍"))

	got, err = f.m.React(ctx, "m1", "👍")
	require.NoError(t, err)
	assert.Empty(t, got.Reactions)
}

func TestReact_ServerDecidesFinalState(t *testing.T) {
	f := newMutatorFixture()
	at := t0.Add(time.Minute)
	f.api.On("React", mock.Anything, "m1", "🔥").Return(models.ReactionResult{
		Reaction: &models.Reaction{UserID: "me", Emoji: "🔥", CreatedAt: at},
	}, nil).Once()

	got, err := f.m.React(context.Background(), "m1", "🔥")
	require.NoError(t, err)
	require.Len(t, got.Reactions, 1)
	assert.Equal(t, at, got.Reactions[0].CreatedAt)
}

func TestReact_FailureRollsBack(t *testing.T) {
	f := newMutatorFixture()
	f.api.On("React", mock.Anything, "m1", "👍").Run(func(mock.Arguments) {
		cur, _ := f.store.Find("m1")
		assert.True(t, models.HasReaction(cur.Reactions, "me", "👍"), "applied optimistically")
	}).Return(models.ReactionResult{}, errors.New("403")).Once()

	got, err := f.m.React(context.Background(), "m1", "👍")
	assert.ErrorIs(t, err, ErrMutationFailed)
	assert.Empty(t, got.Reactions)

	notices := f.notices.kinds(models.NoticeMutationFailed)
	require.Len(t, notices, 1)
	assert.Equal(t, "react", notices[0].Op)
	assert.Equal(t, "m1", notices[0].MessageKey)
}

func TestEdit_EncodeErrorFallsBackToPlaintext(t *testing.T) {
	f := newMutatorFixture()
	f.m.codec = brokenCodec{}
	f.api.On("EditMessage", mock.Anything, "m1", "fixed").Return(models.Message{ID: "m1"}, nil).Once()

	got, err := f.m.Edit(context.Background(), "m1", "fixed")
	require.NoError(t, err)
	assert.Equal(t, "fixed", got.Content)
	f.api.AssertExpectations(t)
}

func TestEdit(t *testing.T) {
	f := newMutatorFixture()
	editedAt := t0.Add(time.Hour)
	f.api.On("EditMessage", mock.Anything, "m1", "fixed").Return(models.Message{ID: "m1", EditedAt: &editedAt}, nil).Once()

	got, err := f.m.Edit(context.Background(), "m1", "fixed")
	require.NoError(t, err)
	assert.Equal(t, "fixed", got.Content)
	assert.Equal(t, editedAt, *got.EditedAt)
}

func TestEdit_FailureRollsBack(t *testing.T) {
	f := newMutatorFixture()
	f.api.On("EditMessage", mock.Anything, "m1", "oops").Return(models.Message{}, errors.New("500")).Once()

	got, err := f.m.Edit(context.Background(), "m1", "oops")
	assert.ErrorIs(t, err, ErrMutationFailed)
	assert.Equal(t, "hello", got.Content)
	assert.Nil(t, got.EditedAt)

	_, err = f.m.Edit(context.Background(), "m1", " ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestDelete_RemovesOnlyAfterConfirmation(t *testing.T) {
	f := newMutatorFixture()
	f.api.On("DeleteMessage", mock.Anything, "m1").Return(errors.New("timeout")).Once()
	_, err := f.m.Delete(context.Background(), "m1")
	assert.ErrorIs(t, err, ErrMutationFailed)
	_, ok := f.store.Find("m1")
	assert.True(t, ok)

	f.api.On("DeleteMessage", mock.Anything, "m1").Return(nil).Once()
	_, err = f.m.Delete(context.Background(), "m1")
	require.NoError(t, err)
	_, ok = f.store.Find("m1")
	assert.False(t, ok)
}

func TestSetPinned(t *testing.T) {
	f := newMutatorFixture()
	f.api.On("Pin", mock.Anything, "m1").Return(nil).Once()
	got, err := f.m.SetPinned(context.Background(), "m1", true)
	require.NoError(t, err)
	assert.True(t, got.Pinned)
	require.NotNil(t, got.PinnedAt)

	f.api.On("Unpin", mock.Anything, "m1").Return(errors.New("nope")).Once()
	got, err = f.m.SetPinned(context.Background(), "m1", false)
	assert.ErrorIs(t, err, ErrMutationFailed)
	assert.True(t, got.Pinned)
	assert.NotNil(t, got.PinnedAt)
}

func TestSetStarred(t *testing.T) {
	f := newMutatorFixture()
	f.api.On("Star", mock.Anything, "m1").Return(errors.New("nope")).Once()
	got, err := f.m.SetStarred(context.Background(), "m1", true)
	assert.ErrorIs(t, err, ErrMutationFailed)
	assert.False(t, got.Starred)

	f.api.On("Star", mock.Anything, "m1").Return(nil).Once()
	got, err = f.m.SetStarred(context.Background(), "m1", true)
	require.NoError(t, err)
	assert.True(t, got.Starred)
}

func TestForward(t *testing.T) {
	f := newMutatorFixture()
	f.m.codec = upperCodec{}
	f.api.On("Forward", mock.Anything, "m1", "c2").Return(models.Message{ID: "m9", Content: "HELLO", CreatedAt: t0}, nil).Once()

	got, err := f.m.Forward(context.Background(), "m1", "c2")
	require.NoError(t, err)
	assert.Equal(t, "c2", got.ConversationID)
	assert.True(t, got.Forwarded)
	assert.Equal(t, "hello", got.Content)
	assert.Len(t, f.store.Messages("c2"), 1)
}

func TestMutations_RequireConfirmedID(t *testing.T) {
	f := newMutatorFixture()
	f.store.Upsert(models.Message{TempID: "tmp_1", ConversationID: "c1", SendState: models.StateSending})

	_, err := f.m.React(context.Background(), "tmp_1", "👍")
	assert.ErrorIs(t, err, ErrNotConfirmed)
	_, err = f.m.SetStarred(context.Background(), "missing", true)
	assert.ErrorIs(t, err, store.ErrMessageNotFound)
	f.api.AssertNotCalled(t, "React", mock.Anything, mock.Anything, mock.Anything)
}
