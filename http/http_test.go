package http_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/maragudk/is"

	"maragu.dev/xrelay"
	qhttp "maragu.dev/xrelay/http"
	internaltesting "maragu.dev/xrelay/internal/testing"
	"maragu.dev/xrelay/queue"
)

type request struct {
	Command string
	Delay   time.Duration
}

type response struct {
	ID queue.ID
}

func TestHandler(t *testing.T) {
	internaltesting.Run(t, "enqueues a command", 0, func(t *testing.T, _ *sql.DB, q *queue.Queue) {
		h := qhttp.Handler(q)

		code, body := newRequest(t, h, http.MethodPost, &request{Command: "new"})
		is.Equal(t, http.StatusAccepted, code)

		var res response
		err := json.Unmarshal([]byte(body), &res)
		is.NotError(t, err)

		m, err := q.Receive(t.Context())
		is.NotError(t, err)
		is.NotNil(t, m)
		is.Equal(t, res.ID, m.ID)
		is.Equal(t, "new", string(m.Body))
	})

	internaltesting.Run(t, "enqueues a delayed command", 0, func(t *testing.T, _ *sql.DB, q *queue.Queue) {
		h := qhttp.Handler(q)

		code, _ := newRequest(t, h, http.MethodPost, &request{Command: "force", Delay: time.Minute})
		is.Equal(t, http.StatusAccepted, code)

		m, err := q.Receive(t.Context())
		is.NotError(t, err)
		is.Nil(t, m)
	})

	t.Run("errors if delay is negative", func(t *testing.T) {
		h := qhttp.Handler(&fakeQueue{})

		code, body := newRequest(t, h, http.MethodPost, &request{Command: "go", Delay: -1})
		is.Equal(t, http.StatusBadRequest, code)
		is.Equal(t, "delay cannot be negative", body)
	})

	t.Run("errors if the body is not json", func(t *testing.T) {
		h := qhttp.Handler(&fakeQueue{})

		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("go"))
		w := httptest.NewRecorder()
		h(w, r)
		is.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("errors if the queue errors", func(t *testing.T) {
		h := qhttp.Handler(&fakeQueue{err: errors.New("oh no")})

		code, body := newRequest(t, h, http.MethodPost, &request{Command: "go"})
		is.Equal(t, http.StatusInternalServerError, code)
		is.Equal(t, "error sending command: oh no", body)
	})

	t.Run("does not allow other methods", func(t *testing.T) {
		h := qhttp.Handler(&fakeQueue{})

		code, _ := newRequest(t, h, http.MethodGet, nil)
		is.Equal(t, http.StatusMethodNotAllowed, code)
	})
}

func TestStatusHandler(t *testing.T) {
	t.Run("returns the relay stats", func(t *testing.T) {
		e := internaltesting.NewEngine()
		r := xrelay.New(xrelay.NewOpts{Engine: e})
		r.Send("xboard")
		h := qhttp.StatusHandler(r)

		code, body := newRequest(t, h, http.MethodGet, nil)
		is.Equal(t, http.StatusOK, code)

		var stats xrelay.Stats
		err := json.Unmarshal([]byte(body), &stats)
		is.NotError(t, err)
		is.Equal(t, int64(1), stats.Sent)
		is.True(t, !stats.FollowUpSent)
	})

	t.Run("does not allow other methods", func(t *testing.T) {
		h := qhttp.StatusHandler(xrelay.New(xrelay.NewOpts{Engine: internaltesting.NewEngine()}))

		code, _ := newRequest(t, h, http.MethodPost, nil)
		is.Equal(t, http.StatusMethodNotAllowed, code)
	})
}

type fakeQueue struct {
	err error
}

func (f *fakeQueue) Send(ctx context.Context, m queue.Message) (queue.ID, error) {
	return "m_1", f.err
}

func newRequest(t testing.TB, h http.HandlerFunc, method string, req *request) (int, string) {
	t.Helper()

	var body io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			t.Fatal(err)
		}
		body = bytes.NewReader(b)
	}

	r := httptest.NewRequest(method, "/", body)
	w := httptest.NewRecorder()
	h(w, r)

	return w.Code, strings.TrimSpace(w.Body.String())
}
