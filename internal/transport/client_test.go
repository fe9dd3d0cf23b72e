package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitSendsMultipartForm(t *testing.T) {
	var got map[string]string
	var gotFile []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		got = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			got[k] = v[0]
		}
		if files := r.MultipartForm.File["file"]; len(files) == 1 {
			f, err := files[0].Open()
			require.NoError(t, err)
			gotFile, _ = io.ReadAll(f)
			f.Close()
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"result":true,"file_name":"up_123.jpg"}`)
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, Timeout: time.Second}, nil)

	name, err := c.Upload(context.Background(), "photo.jpg", []byte("jpegdata"))
	require.NoError(t, err)
	assert.Equal(t, "up_123.jpg", name)
	assert.Equal(t, OpUploadData, got["type"])
	assert.Equal(t, []byte("jpegdata"), gotFile)

	resp, err := c.Submit(context.Background(), NewForm(OpGetChat).Set("order_id", "77"))
	require.NoError(t, err)
	assert.NoError(t, resp.Err())
	assert.Equal(t, map[string]string{"type": "getchat", "order_id": "77"}, got)
}

func TestSubmitNon2xxIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL}, nil)
	_, err := c.Submit(context.Background(), NewForm(OpGetData))

	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusBadGateway, terr.StatusCode)
	assert.Equal(t, OpGetData, terr.Op)
	assert.False(t, terr.Timeout())
}

func TestSubmitTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(Config{Endpoint: srv.URL, Timeout: 50 * time.Millisecond}, nil)
	_, err := c.Submit(context.Background(), NewForm(OpGetChat))

	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.True(t, terr.Timeout())
}

func TestRejectedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"result":"false","message":"order locked"}`)
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL}, nil)
	resp, err := c.Submit(context.Background(), NewForm(OpUpdateData))
	require.NoError(t, err)

	err = resp.Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))

	var rerr *RejectedError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "order locked", rerr.Message)
	assert.Equal(t, OpUpdateData, rerr.Op)
}
