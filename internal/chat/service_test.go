package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-service/internal/logging"
	"chat-service/internal/mocks"
	"chat-service/internal/models"
	"chat-service/internal/policy"
	"chat-service/internal/repositories"
	"chat-service/internal/storage"
)

var (
	client   = policy.Actor{ID: 7, Role: policy.RoleClient}
	stranger = policy.Actor{ID: 8, Role: policy.RoleClient}
	admin    = policy.Actor{ID: 99, Role: policy.RoleAdmin}
	fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
)

type fixture struct {
	threads     *mocks.ThreadRepositoryMock
	messages    *mocks.MessageRepositoryMock
	requests    *mocks.RequestRepositoryMock
	media       *mocks.MediaBrokerMock
	broadcaster *mocks.BroadcasterMock
	cleanup     *mocks.DispatcherMock
	svc         *Service
}

func newFixture(enabled bool) *fixture {
	f := &fixture{
		threads:     new(mocks.ThreadRepositoryMock),
		messages:    new(mocks.MessageRepositoryMock),
		requests:    new(mocks.RequestRepositoryMock),
		media:       new(mocks.MediaBrokerMock),
		broadcaster: new(mocks.BroadcasterMock),
		cleanup:     new(mocks.DispatcherMock),
	}
	f.svc = NewService(f.threads, f.messages, f.requests, f.media, f.broadcaster, f.cleanup,
		Config{Enabled: enabled, SignedURLTTL: 5 * time.Minute}, logging.Discard())
	f.svc.now = func() time.Time { return fixedNow }
	return f
}

func openThread(id int64) models.Thread {
	return models.Thread{ID: id, RequestID: 42, ClientID: client.ID, Status: models.ThreadOpen, OpenedAt: fixedNow.Add(-time.Hour)}
}

func TestDisabledServiceTouchesNothing(t *testing.T) {
	f := newFixture(false)
	ctx := context.Background()

	_, err := f.svc.OpenThread(ctx, 42, client)
	assert.ErrorIs(t, err, ErrFeatureDisabled)
	_, err = f.svc.PostMessage(ctx, 1, client, MessageInput{Type: "text", Text: "hi"})
	assert.ErrorIs(t, err, ErrFeatureDisabled)
	_, err = f.svc.ListMessages(ctx, 1, client, nil, 0)
	assert.ErrorIs(t, err, ErrFeatureDisabled)
	_, err = f.svc.RequestUploadURL(ctx, 1, client, "a.png", "image/png")
	assert.ErrorIs(t, err, ErrFeatureDisabled)
	_, err = f.svc.CloseThread(ctx, 1, client)
	assert.ErrorIs(t, err, ErrFeatureDisabled)
	_, err = f.svc.ThreadForRequest(ctx, 42, client)
	assert.ErrorIs(t, err, ErrFeatureDisabled)

	f.threads.AssertNotCalled(t, "FindByID", mock.Anything, mock.Anything)
	f.requests.AssertNotCalled(t, "GetRequest", mock.Anything, mock.Anything)
}

func TestOpenThreadCreatesForClient(t *testing.T) {
	f := newFixture(true)
	f.requests.On("GetRequest", mock.Anything, int64(42)).Return(models.ServiceRequest{ID: 42, ClientID: client.ID}, nil)
	f.threads.On("FindByRequest", mock.Anything, int64(42)).Return(nil, repositories.ErrThreadNotFound).Once()
	f.threads.On("Create", mock.Anything, mock.MatchedBy(func(th models.Thread) bool {
		return th.RequestID == 42 && th.ClientID == client.ID && th.AdminID == nil && th.Status == models.ThreadOpen && th.OpenedAt.Equal(fixedNow)
	})).Return(openThread(5), nil).Once()

	thread, err := f.svc.OpenThread(context.Background(), 42, client)
	require.NoError(t, err)
	assert.EqualValues(t, 5, thread.ID)
	f.threads.AssertExpectations(t)
}

func TestOpenThreadByAdminRecordsAdmin(t *testing.T) {
	f := newFixture(true)
	f.requests.On("GetRequest", mock.Anything, int64(42)).Return(models.ServiceRequest{ID: 42, ClientID: client.ID}, nil)
	f.threads.On("FindByRequest", mock.Anything, int64(42)).Return(nil, repositories.ErrThreadNotFound).Once()
	f.threads.On("Create", mock.Anything, mock.MatchedBy(func(th models.Thread) bool {
		return th.AdminID != nil && *th.AdminID == admin.ID && th.ClientID == client.ID
	})).Return(openThread(6), nil).Once()

	_, err := f.svc.OpenThread(context.Background(), 42, admin)
	require.NoError(t, err)
	f.threads.AssertExpectations(t)
}

func TestOpenThreadIsIdempotent(t *testing.T) {
	f := newFixture(true)
	f.requests.On("GetRequest", mock.Anything, int64(42)).Return(models.ServiceRequest{ID: 42, ClientID: client.ID}, nil)
	f.threads.On("FindByRequest", mock.Anything, int64(42)).Return(openThread(5), nil)

	first, err := f.svc.OpenThread(context.Background(), 42, client)
	require.NoError(t, err)
	second, err := f.svc.OpenThread(context.Background(), 42, admin)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Nil(t, second.AdminID)
	f.threads.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestOpenThreadConvergesOnRaceWinner(t *testing.T) {
	f := newFixture(true)
	f.requests.On("GetRequest", mock.Anything, int64(42)).Return(models.ServiceRequest{ID: 42, ClientID: client.ID}, nil)
	f.threads.On("FindByRequest", mock.Anything, int64(42)).Return(nil, repositories.ErrThreadNotFound).Once()
	f.threads.On("Create", mock.Anything, mock.Anything).Return(nil, repositories.ErrDuplicateThread).Once()
	f.threads.On("FindByRequest", mock.Anything, int64(42)).Return(openThread(11), nil).Once()

	thread, err := f.svc.OpenThread(context.Background(), 42, client)
	require.NoError(t, err)
	assert.EqualValues(t, 11, thread.ID)
}

func TestOpenThreadErrors(t *testing.T) {
	f := newFixture(true)
	f.requests.On("GetRequest", mock.Anything, int64(1)).Return(nil, repositories.ErrRequestNotFound)
	f.requests.On("GetRequest", mock.Anything, int64(42)).Return(models.ServiceRequest{ID: 42, ClientID: client.ID}, nil)

	_, err := f.svc.OpenThread(context.Background(), 1, client)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.OpenThread(context.Background(), 42, stranger)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestPostTextMessagePublishesEvent(t *testing.T) {
	f := newFixture(true)
	f.threads.On("FindByID", mock.Anything, int64(5)).Return(openThread(5), nil)
	f.messages.On("Insert", mock.Anything, mock.MatchedBy(func(m models.Message) bool {
		return m.ThreadID == 5 && m.SenderID == client.ID && m.Type == models.MessageText && *m.Text == "hello"
	})).Return(func() models.Message {
		text := "hello"
		return models.Message{ID: 100, ThreadID: 5, SenderID: client.ID, Type: models.MessageText, Text: &text, CreatedAt: fixedNow}
	}(), nil)
	f.broadcaster.On("Publish", mock.Anything, int64(5), mock.MatchedBy(func(ev models.ChatEvent) bool {
		data, ok := ev.Data.(models.MessageCreated)
		return ev.Event == models.EventMessageCreated && ok && data.ID == 100 && data.MediaURL == nil
	})).Once()

	msg, err := f.svc.PostMessage(context.Background(), 5, client, MessageInput{Type: "text", Text: "hello"})
	require.NoError(t, err)
	assert.EqualValues(t, 100, msg.ID)
	f.broadcaster.AssertExpectations(t)
}

func TestPostLocationParsesCoordinates(t *testing.T) {
	f := newFixture(true)
	f.threads.On("FindByID", mock.Anything, int64(5)).Return(openThread(5), nil)
	f.messages.On("Insert", mock.Anything, mock.MatchedBy(func(m models.Message) bool {
		return m.Type == models.MessageLocation && *m.Latitude == 52.52 && *m.Longitude == -13.4
	})).Return(models.Message{ID: 101, ThreadID: 5, Type: models.MessageLocation}, nil)
	f.broadcaster.On("Publish", mock.Anything, int64(5), mock.Anything)

	_, err := f.svc.PostMessage(context.Background(), 5, client, MessageInput{Type: "location", Lat: "52.52", Lng: " -13.4 "})
	require.NoError(t, err)
	f.messages.AssertExpectations(t)
}

func TestPostImageSignsMediaForEvent(t *testing.T) {
	f := newFixture(true)
	path := "chats/5/abc.png"
	f.threads.On("FindByID", mock.Anything, int64(5)).Return(openThread(5), nil)
	f.media.On("ValidateThreadPath", int64(5), path).Return(true)
	f.messages.On("Insert", mock.Anything, mock.Anything).Return(models.Message{ID: 102, ThreadID: 5, Type: models.MessageImage, MediaPath: &path}, nil)
	f.media.On("SignGetURL", mock.Anything, path, 5*time.Minute).Return("https://signed/abc", nil)
	f.broadcaster.On("Publish", mock.Anything, int64(5), mock.MatchedBy(func(ev models.ChatEvent) bool {
		data := ev.Data.(models.MessageCreated)
		return data.MediaURL != nil && *data.MediaURL == "https://signed/abc"
	})).Once()

	_, err := f.svc.PostMessage(context.Background(), 5, client, MessageInput{Type: "image", MediaPath: path})
	require.NoError(t, err)
	f.broadcaster.AssertExpectations(t)
}

func TestPostMessageValidation(t *testing.T) {
	cases := []struct {
		name  string
		in    MessageInput
		field string
	}{
		{"empty text", MessageInput{Type: "text", Text: "   "}, "text"},
		{"missing lat", MessageInput{Type: "location", Lng: "1"}, "lat"},
		{"non numeric lng", MessageInput{Type: "location", Lat: "1", Lng: "east"}, "lng"},
		{"non finite lat", MessageInput{Type: "location", Lat: "NaN", Lng: "1"}, "lat"},
		{"foreign media path", MessageInput{Type: "image", MediaPath: "chats/6/x.png"}, "mediaPath"},
		{"unknown type", MessageInput{Type: "video"}, "type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(true)
			f.threads.On("FindByID", mock.Anything, int64(5)).Return(openThread(5), nil)
			f.media.On("ValidateThreadPath", int64(5), mock.Anything).Return(false)

			_, err := f.svc.PostMessage(context.Background(), 5, client, tc.in)
			require.ErrorIs(t, err, ErrValidation)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.field, verr.Field)
			f.messages.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
			f.broadcaster.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestPostMessageAuthorization(t *testing.T) {
	f := newFixture(true)
	closed := openThread(5)
	closed.Status = models.ThreadClosed
	f.threads.On("FindByID", mock.Anything, int64(5)).Return(openThread(5), nil)
	f.threads.On("FindByID", mock.Anything, int64(6)).Return(closed, nil)
	f.threads.On("FindByID", mock.Anything, int64(7)).Return(nil, repositories.ErrThreadNotFound)

	_, err := f.svc.PostMessage(context.Background(), 5, stranger, MessageInput{Type: "bogus"})
	assert.ErrorIs(t, err, ErrForbidden, "authorization precedes validation")

	for _, actor := range []policy.Actor{client, admin} {
		_, err = f.svc.PostMessage(context.Background(), 6, actor, MessageInput{Type: "text", Text: "late"})
		assert.ErrorIs(t, err, ErrForbidden)
	}

	_, err = f.svc.PostMessage(context.Background(), 7, client, MessageInput{Type: "text", Text: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListMessagesDegradesOnSigningFailure(t *testing.T) {
	f := newFixture(true)
	good, bad := "chats/5/a.png", "chats/5/b.png"
	text := "hi"
	next := int64(3)
	f.threads.On("FindByID", mock.Anything, int64(5)).Return(openThread(5), nil)
	f.messages.On("ListByThread", mock.Anything, int64(5), (*int64)(nil), repositories.DefaultPageSize).Return(models.MessagePage{
		Messages: []models.Message{
			{ID: 5, Type: models.MessageImage, MediaPath: &good},
			{ID: 4, Type: models.MessageImage, MediaPath: &bad},
			{ID: 3, Type: models.MessageText, Text: &text},
		},
		NextCursor: &next,
	}, nil)
	f.media.On("SignGetURL", mock.Anything, good, 5*time.Minute).Return("https://signed/a", nil)
	f.media.On("SignGetURL", mock.Anything, bad, 5*time.Minute).Return("", errors.New("s3 down"))

	page, err := f.svc.ListMessages(context.Background(), 5, client, nil, 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 3)
	require.NotNil(t, page.Messages[0].MediaURL)
	assert.Equal(t, "https://signed/a", *page.Messages[0].MediaURL)
	assert.Nil(t, page.Messages[1].MediaURL)
	assert.Nil(t, page.Messages[2].MediaURL)
	assert.Equal(t, &next, page.NextCursor)
}

func TestListMessagesRequiresView(t *testing.T) {
	f := newFixture(true)
	f.threads.On("FindByID", mock.Anything, int64(5)).Return(openThread(5), nil)

	_, err := f.svc.ListMessages(context.Background(), 5, stranger, nil, 0)
	assert.ErrorIs(t, err, ErrForbidden)

	closed := openThread(6)
	closed.Status = models.ThreadClosed
	f.threads.On("FindByID", mock.Anything, int64(6)).Return(closed, nil)
	f.messages.On("ListByThread", mock.Anything, int64(6), (*int64)(nil), repositories.MaxPageSize).Return(models.MessagePage{}, nil)
	_, err = f.svc.ListMessages(context.Background(), 6, client, nil, 500)
	assert.NoError(t, err, "closed threads stay readable")
}

func TestRequestUploadURL(t *testing.T) {
	f := newFixture(true)
	f.threads.On("FindByID", mock.Anything, int64(5)).Return(openThread(5), nil)
	f.media.On("AllowsContentType", "application/zip").Return(false)
	f.media.On("AllowsContentType", "image/png").Return(true)
	f.media.On("NewThreadObjectPath", int64(5), "image/png").Return("chats/5/n.png", true)
	f.media.On("SignPutURL", mock.Anything, "chats/5/n.png", "image/png", 5*time.Minute).Return(storage.UploadTicket{
		URL: "https://signed/put", MediaPath: "chats/5/n.png", Headers: map[string]string{"Content-Type": "image/png"},
	}, nil)

	_, err := f.svc.RequestUploadURL(context.Background(), 5, client, "a.zip", "application/zip")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "contentType", verr.Field)

	_, err = f.svc.RequestUploadURL(context.Background(), 5, client, "", "image/png")
	assert.ErrorIs(t, err, ErrValidation)

	ticket, err := f.svc.RequestUploadURL(context.Background(), 5, client, "a.png", "image/png")
	require.NoError(t, err)
	assert.Equal(t, "chats/5/n.png", ticket.MediaPath)

	_, err = f.svc.RequestUploadURL(context.Background(), 5, stranger, "a.png", "image/png")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRequestUploadURLStorageFailure(t *testing.T) {
	f := newFixture(true)
	f.threads.On("FindByID", mock.Anything, int64(5)).Return(openThread(5), nil)
	f.media.On("AllowsContentType", "image/png").Return(true)
	f.media.On("NewThreadObjectPath", int64(5), "image/png").Return("chats/5/n.png", true)
	f.media.On("SignPutURL", mock.Anything, "chats/5/n.png", "image/png", 5*time.Minute).Return(nil, errors.New("no creds"))

	_, err := f.svc.RequestUploadURL(context.Background(), 5, client, "a.png", "image/png")
	assert.ErrorIs(t, err, ErrStorage)
}

func TestCloseThreadTransitionsOnce(t *testing.T) {
	f := newFixture(true)
	f.threads.On("FindByID", mock.Anything, int64(5)).Return(openThread(5), nil).Once()
	f.threads.On("Close", mock.Anything, int64(5), fixedNow).Return(true, nil).Once()
	f.cleanup.On("Enqueue", mock.Anything, int64(5)).Return(nil).Once()
	f.broadcaster.On("Publish", mock.Anything, int64(5), models.ChatEvent{
		Event: models.EventThreadClosed,
		Data:  models.ThreadClosedEvent{ThreadID: 5, ClosedAt: fixedNow},
	}).Once()

	thread, err := f.svc.CloseThread(context.Background(), 5, client)
	require.NoError(t, err)
	assert.Equal(t, models.ThreadClosed, thread.Status)
	require.NotNil(t, thread.ClosedAt)
	assert.True(t, fixedNow.Equal(*thread.ClosedAt))

	closedAt := fixedNow
	closed := openThread(5)
	closed.Status = models.ThreadClosed
	closed.ClosedAt = &closedAt
	f.threads.On("FindByID", mock.Anything, int64(5)).Return(closed, nil).Once()

	again, err := f.svc.CloseThread(context.Background(), 5, admin)
	require.NoError(t, err)
	assert.Equal(t, thread.ClosedAt, again.ClosedAt)

	f.broadcaster.AssertNumberOfCalls(t, "Publish", 1)
	f.cleanup.AssertNumberOfCalls(t, "Enqueue", 1)
}

func TestCloseThreadLosingConcurrentCloseEmitsNothing(t *testing.T) {
	f := newFixture(true)
	earlier := fixedNow.Add(-time.Second)
	closed := openThread(5)
	closed.Status = models.ThreadClosed
	closed.ClosedAt = &earlier
	f.threads.On("FindByID", mock.Anything, int64(5)).Return(openThread(5), nil).Once()
	f.threads.On("Close", mock.Anything, int64(5), fixedNow).Return(false, nil).Once()
	f.threads.On("FindByID", mock.Anything, int64(5)).Return(closed, nil).Once()

	thread, err := f.svc.CloseThread(context.Background(), 5, client)
	require.NoError(t, err)
	assert.Equal(t, &earlier, thread.ClosedAt)
	f.broadcaster.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
	f.cleanup.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}

func TestCloseThreadSurvivesEnqueueFailure(t *testing.T) {
	f := newFixture(true)
	f.threads.On("FindByID", mock.Anything, int64(5)).Return(openThread(5), nil)
	f.threads.On("Close", mock.Anything, int64(5), fixedNow).Return(true, nil)
	f.cleanup.On("Enqueue", mock.Anything, int64(5)).Return(errors.New("broker down"))
	f.broadcaster.On("Publish", mock.Anything, int64(5), mock.Anything).Once()

	_, err := f.svc.CloseThread(context.Background(), 5, client)
	require.NoError(t, err)
	f.broadcaster.AssertExpectations(t)
}

func TestCloseThreadForbiddenForStranger(t *testing.T) {
	f := newFixture(true)
	f.threads.On("FindByID", mock.Anything, int64(5)).Return(openThread(5), nil)

	_, err := f.svc.CloseThread(context.Background(), 5, stranger)
	assert.ErrorIs(t, err, ErrForbidden)
	f.threads.AssertNotCalled(t, "Close", mock.Anything, mock.Anything, mock.Anything)
}
