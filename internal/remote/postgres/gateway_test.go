package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/and161185/fitsync/internal/errs"
	"github.com/and161185/fitsync/internal/model"
	"github.com/and161185/fitsync/internal/remote"
)

type fakeListener struct {
	notes  chan *pgconn.Notification
	fail   chan error
	closed chan struct{}
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		notes:  make(chan *pgconn.Notification, 8),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (l *fakeListener) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case n := <-l.notes:
		return n, nil
	case err := <-l.fail:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeListener) Close() { close(l.closed) }

func newGateway(t *testing.T) (*Gateway, pgxmock.PgxPoolIface, *fakeListener) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	l := newFakeListener()
	db := &DB{Pool: mock, Listen: func(context.Context) (Listener, error) { return l, nil }}
	g := NewGateway(db, nil)
	t.Cleanup(func() {
		g.Shutdown()
		mock.Close()
	})
	return g, mock, l
}

func TestGateway_Read(t *testing.T) {
	g, mock, _ := newGateway(t)
	ctx := context.Background()
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(`SELECT data, updated_at FROM documents WHERE collection=\$1 AND id=\$2`).
		WithArgs("users", "u1").
		WillReturnRows(pgxmock.NewRows([]string{"data", "updated_at"}).
			AddRow([]byte(`{"displayName":"Ann","role":"coach","followerCount":3}`), ts))

	doc, err := g.Read(ctx, "users", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", doc.ID)
	assert.Equal(t, ts, doc.UpdatedAt)
	assert.Equal(t, model.RoleCoach, model.ProfileFromDocument(doc).Role)
	assert.Equal(t, 3, model.Int(doc.Fields, "followerCount"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGateway_ReadErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"missing", pgx.ErrNoRows, errs.ErrNotFound},
		{"permission", &pgconn.PgError{Code: "42501"}, errs.ErrPermission},
		{"connection", errors.New("conn reset"), errs.ErrTransient},
		{"cancelled", context.Canceled, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, mock, _ := newGateway(t)
			mock.ExpectQuery(`SELECT data, updated_at FROM documents`).
				WithArgs("users", "u1").
				WillReturnError(tt.err)

			_, err := g.Read(context.Background(), "users", "u1")
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.want == errs.ErrNotFound || tt.want == errs.ErrTransient, errs.Retryable(err))
		})
	}
}

func TestGateway_WriteMerges(t *testing.T) {
	g, mock, _ := newGateway(t)

	mock.ExpectExec(`INSERT INTO documents \(collection, id, data, updated_at\)`).
		WithArgs("posts", "p1", `{"likeCount":4}`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, g.Write(context.Background(), "posts", "p1", map[string]any{"likeCount": 4}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGateway_WriteUnencodable(t *testing.T) {
	g, _, _ := newGateway(t)
	err := g.Write(context.Background(), "posts", "p1", map[string]any{"bad": make(chan int)})
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestGateway_CreateRejectsTakenID(t *testing.T) {
	g, mock, _ := newGateway(t)
	ctx := context.Background()
	fields := map[string]any{"userId": "u1"}

	mock.ExpectExec(`ON CONFLICT \(collection, id\) DO NOTHING`).
		WithArgs("credentials", "ann@example.com", `{"userId":"u1"}`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`ON CONFLICT \(collection, id\) DO NOTHING`).
		WithArgs("credentials", "ann@example.com", `{"userId":"u1"}`).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec(`ON CONFLICT \(collection, id\) DO NOTHING`).
		WithArgs("credentials", "ann@example.com", `{"userId":"u1"}`).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	require.NoError(t, g.Create(ctx, "credentials", "ann@example.com", fields))
	require.ErrorIs(t, g.Create(ctx, "credentials", "ann@example.com", fields), errs.ErrAlreadyExists)
	require.ErrorIs(t, g.Create(ctx, "credentials", "ann@example.com", fields), errs.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGateway_Delete(t *testing.T) {
	g, mock, _ := newGateway(t)
	ctx := context.Background()

	mock.ExpectExec(`DELETE FROM documents WHERE collection=\$1 AND id=\$2`).
		WithArgs("likes", "p1_u1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM documents WHERE collection=\$1 AND id=\$2`).
		WithArgs("likes", "p1_u1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, g.Delete(ctx, "likes", "p1_u1"))
	require.ErrorIs(t, g.Delete(ctx, "likes", "p1_u1"), errs.ErrNotFound)
}

func TestGateway_QueryOrdersAndLimits(t *testing.T) {
	g, mock, _ := newGateway(t)
	ts := time.Now()

	mock.ExpectQuery(`SELECT id, data, updated_at FROM documents WHERE collection=\$1 AND data @> \$2::jsonb`).
		WithArgs("comments", `{"postId":"p1"}`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "data", "updated_at"}).
			AddRow("c2", []byte(`{"postId":"p1","createdAt":"2026-01-01T10:00:02Z"}`), ts).
			AddRow("c1", []byte(`{"postId":"p1","createdAt":"2026-01-01T10:00:01Z"}`), ts).
			AddRow("c3", []byte(`{"postId":"p1","createdAt":"2026-01-01T10:00:03Z"}`), ts))

	q := remote.Where("comments", "postId", "p1")
	q.OrderBy, q.Limit = "createdAt", 2
	docs, err := g.Query(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "c1", docs[0].ID)
	assert.Equal(t, "c2", docs[1].ID)
}

func TestGateway_SubscribeRequeriesOnNotify(t *testing.T) {
	g, mock, l := newGateway(t)
	ts := time.Now()
	q := remote.Where("notifications", "recipientId", "u1")

	// initial query and the one issued once LISTEN is active
	for i := 0; i < 2; i++ {
		mock.ExpectQuery(`SELECT id, data, updated_at FROM documents`).
			WithArgs("notifications", `{"recipientId":"u1"}`).
			WillReturnRows(pgxmock.NewRows([]string{"id", "data", "updated_at"}))
	}
	mock.ExpectQuery(`SELECT id, data, updated_at FROM documents`).
		WithArgs("notifications", `{"recipientId":"u1"}`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "data", "updated_at"}).
			AddRow("n1", []byte(`{"recipientId":"u1","read":false}`), ts))

	snaps := make(chan remote.Snapshot, 8)
	h, err := g.Subscribe(context.Background(), q, func(s remote.Snapshot) { snaps <- s })
	require.NoError(t, err)

	next := func() remote.Snapshot {
		select {
		case s := <-snaps:
			return s
		case <-time.After(2 * time.Second):
			t.Fatal("no snapshot")
			return remote.Snapshot{}
		}
	}
	for i := 0; i < 2; i++ {
		s := next()
		require.NoError(t, s.Err)
		require.Empty(t, s.Docs)
	}

	l.notes <- &pgconn.Notification{Channel: Channel, Payload: "comments"}
	l.notes <- &pgconn.Notification{Channel: Channel, Payload: "notifications"}
	s := next()
	require.NoError(t, s.Err)
	require.Len(t, s.Docs, 1)
	assert.Equal(t, "n1", s.Docs[0].ID)

	g.Close(h)
	select {
	case <-l.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("listener kept open without subscriptions")
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGateway_ListenerLossIsTerminal(t *testing.T) {
	g, mock, l := newGateway(t)
	for i := 0; i < 2; i++ {
		mock.ExpectQuery(`SELECT id, data, updated_at FROM documents`).
			WithArgs("typing", `{"subjectId":"p1"}`).
			WillReturnRows(pgxmock.NewRows([]string{"id", "data", "updated_at"}))
	}

	snaps := make(chan remote.Snapshot, 8)
	_, err := g.Subscribe(context.Background(), remote.Where("typing", "subjectId", "p1"), func(s remote.Snapshot) { snaps <- s })
	require.NoError(t, err)
	<-snaps
	<-snaps

	l.fail <- errors.New("connection lost")
	select {
	case s := <-snaps:
		require.ErrorIs(t, s.Err, errs.ErrTransient)
	case <-time.After(2 * time.Second):
		t.Fatal("listener loss not reported")
	}
}

func TestGateway_RequeriesOnceListening(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	l := newFakeListener()
	listening := make(chan struct{})
	db := &DB{Pool: mock, Listen: func(ctx context.Context) (Listener, error) {
		select {
		case <-listening:
			return l, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	g := NewGateway(db, nil)
	t.Cleanup(func() {
		g.Shutdown()
		mock.Close()
	})

	mock.ExpectQuery(`SELECT id, data, updated_at FROM documents`).
		WithArgs("comments", `{"postId":"p1"}`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "data", "updated_at"}))
	mock.ExpectQuery(`SELECT id, data, updated_at FROM documents`).
		WithArgs("comments", `{"postId":"p1"}`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "data", "updated_at"}).
			AddRow("c1", []byte(`{"postId":"p1","body":"hi"}`), time.Now()))

	snaps := make(chan remote.Snapshot, 8)
	_, err = g.Subscribe(context.Background(), remote.Where("comments", "postId", "p1"), func(s remote.Snapshot) { snaps <- s })
	require.NoError(t, err)

	next := func() remote.Snapshot {
		select {
		case s := <-snaps:
			return s
		case <-time.After(2 * time.Second):
			t.Fatal("no snapshot")
			return remote.Snapshot{}
		}
	}
	s := next()
	require.NoError(t, s.Err)
	require.Empty(t, s.Docs)

	// c1 was committed before LISTEN took effect, so no notification reports it
	close(listening)
	s = next()
	require.NoError(t, s.Err)
	require.Len(t, s.Docs, 1)
	assert.Equal(t, "c1", s.Docs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
