package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestWSDialerCloseDoesNotWaitForSilentPeer(t *testing.T) {
	release := make(chan struct{})
	sids := make(chan string, 1)
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sids <- r.URL.Query().Get("SID")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Never reads, so a close frame is never answered.
		<-release
	}))
	defer srv.Close()
	defer close(release)

	d := &WSDialer{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), ReadLimit: 1 << 10}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx, "sid-1")
	require.NoError(t, err)
	require.Equal(t, "sid-1", <-sids)

	start := time.Now()
	_ = conn.Close()
	require.Less(t, time.Since(start), time.Second)
}
