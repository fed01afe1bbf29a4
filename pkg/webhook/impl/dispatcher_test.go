package impl

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/thirdweb-dev/engine-sub001/pkg/txrecord"
	"github.com/thirdweb-dev/engine-sub001/pkg/webhook"
)

func TestDispatchPostsEvent(t *testing.T) {
	t.Parallel()

	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		bodies <- body
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL)
	onchain := txrecord.OnchainSuccess
	d.Dispatch(context.Background(), webhook.Event{
		QueueID:         "tx-1",
		Status:          txrecord.StatusMined,
		TransactionHash: "0xabc",
		OnchainStatus:   &onchain,
	})

	var e webhook.Event
	require.NoError(t, json.Unmarshal(<-bodies, &e))
	require.Equal(t, "tx-1", e.QueueID)
	require.Equal(t, txrecord.StatusMined, e.Status)
	require.Equal(t, "0xabc", e.TransactionHash)
	require.NotNil(t, e.OnchainStatus)
	require.Equal(t, txrecord.OnchainSuccess, *e.OnchainStatus)
}

func TestDispatchSwallowsServerErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewHTTPDispatcher(srv.URL)
	d.Dispatch(context.Background(), webhook.Event{
		QueueID: "tx-2",
		Status:  txrecord.StatusErrored,
	})
}
