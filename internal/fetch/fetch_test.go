package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undp-data/dfpp/internal/catalog"
	dfpphttp "github.com/undp-data/dfpp/internal/http"
)

func TestDoRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	d := DownloaderFunc(func(ctx context.Context, src catalog.Source) (Payload, error) {
		if calls.Add(1) < 5 {
			return Payload{}, fmt.Errorf("dial: %w", syscall.ECONNREFUSED)
		}
		return Payload{Data: []byte("ok")}, nil
	})

	payload, attempts, err := Do(context.Background(), d, catalog.Source{ID: "S"}, Policy{MaxRetries: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, attempts)
	assert.Equal(t, "ok", string(payload.Data))
}

func TestDoExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	d := DownloaderFunc(func(ctx context.Context, src catalog.Source) (Payload, error) {
		calls.Add(1)
		return Payload{}, context.DeadlineExceeded
	})

	_, attempts, err := Do(context.Background(), d, catalog.Source{ID: "S"}, Policy{MaxRetries: 3})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.EqualValues(t, 3, calls.Load())

	var fe *Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, KindTimeout, fe.Kind)
	assert.Equal(t, 3, fe.Attempts)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	var calls atomic.Int32
	d := DownloaderFunc(func(ctx context.Context, src catalog.Source) (Payload, error) {
		calls.Add(1)
		return Payload{}, &dfpphttp.StatusError{Code: 503, Status: "503 Service Unavailable"}
	})

	_, attempts, err := Do(context.Background(), d, catalog.Source{ID: "S"}, Policy{MaxRetries: 5})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, KindStatus, Classify(err).Kind)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	d := DownloaderFunc(func(ctx context.Context, src catalog.Source) (Payload, error) {
		calls.Add(1)
		cancel()
		return Payload{}, syscall.ECONNRESET
	})

	_, _, err := Do(ctx, d, catalog.Source{ID: "S"}, Policy{MaxRetries: 5, Backoff: time.Hour})
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load(), "no attempt may start after cancellation")
	assert.Equal(t, KindCanceled, Classify(err).Kind)
}

func TestDoAttemptTimeout(t *testing.T) {
	var calls atomic.Int32
	d := DownloaderFunc(func(ctx context.Context, src catalog.Source) (Payload, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return Payload{}, ctx.Err()
		}
		return Payload{Data: []byte("second")}, nil
	})

	payload, attempts, err := Do(context.Background(), d, catalog.Source{ID: "S"},
		Policy{MaxRetries: 2, AttemptTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, "second", string(payload.Data))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"canceled", context.Canceled, KindCanceled},
		{"refused", fmt.Errorf("x: %w", syscall.ECONNREFUSED), KindConnection},
		{"eof", io.ErrUnexpectedEOF, KindConnection},
		{"status", &dfpphttp.StatusError{Code: 404}, KindStatus},
		{"other", errors.New("boom"), KindUnknown},
		{"already classified", &Error{Kind: KindNoData}, KindNoData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err).Kind)
		})
	}
	assert.Nil(t, Classify(nil))
}

func TestHTTPDownloaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "2020", r.URL.Query().Get("year"))
			assert.Equal(t, "k", r.Header.Get("X-Key"))
			io.WriteString(w, "get-body")
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			assert.Equal(t, "text/plain", r.Header.Get("Content-Type"))
			w.Write(append([]byte("post:"), body...))
		}
	}))
	defer server.Close()

	reg := NewRegistry(dfpphttp.NewClient(dfpphttp.DefaultOptions()))
	assert.Equal(t, []string{HTTPGetName, HTTPPostName}, reg.Names())

	get, err := reg.Lookup(HTTPGetName)
	require.NoError(t, err)
	payload, err := get.Download(context.Background(), catalog.Source{
		ID:     "G",
		URL:    server.URL,
		Params: map[string]string{"query.year": "2020", "header.X-Key": "k"},
	})
	require.NoError(t, err)
	assert.Equal(t, "get-body", string(payload.Data))

	post, err := reg.Lookup(HTTPPostName)
	require.NoError(t, err)
	payload, err = post.Download(context.Background(), catalog.Source{
		ID:     "P",
		URL:    server.URL,
		Params: map[string]string{"body": "q", "content_type": "text/plain"},
	})
	require.NoError(t, err)
	assert.Equal(t, "post:q", string(payload.Data))

	_, err = get.Download(context.Background(), catalog.Source{ID: "E"})
	assert.Equal(t, KindConfig, Classify(err).Kind)
}
