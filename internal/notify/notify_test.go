package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atmx/lp-rebalancer/internal/notify"
)

type recorder struct {
	msgs []notify.Message
	err  error
}

func (r *recorder) Notify(_ context.Context, msg notify.Message) error {
	r.msgs = append(r.msgs, msg)
	return r.err
}

func TestMulti_DeliversToAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("telegram down")
	a := &recorder{err: boom}
	b := &recorder{}

	err := notify.Multi{a, b}.Notify(context.Background(), notify.Message{Kind: notify.KindHeartbeat, Text: "hi"})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, a.msgs, 1)
	assert.Len(t, b.msgs, 1)
}

func TestBest_SwallowsFailuresAndStamps(t *testing.T) {
	r := &recorder{err: errors.New("unreachable")}
	best := notify.NewBest(r, zap.NewNop())

	assert.NoError(t, best.Notify(context.Background(), notify.Message{Kind: notify.KindPositionClosed, PositionID: "7"}))
	require.Len(t, r.msgs, 1)
	assert.False(t, r.msgs[0].Time.IsZero())
}

func TestLogNotifier(t *testing.T) {
	n := notify.NewLogNotifier(zap.NewNop())
	assert.NoError(t, n.Notify(context.Background(), notify.Message{Kind: notify.KindNewPosition, Text: "New Position [1]", Fields: map[string]string{"price": "2000"}}))
}

func TestHub_DropsWhenBufferFull(t *testing.T) {
	hub := notify.NewHub(zap.NewNop())
	ctx := context.Background()

	var err error
	for i := 0; i < 300 && err == nil; i++ {
		err = hub.Notify(ctx, notify.Message{Kind: notify.KindHeartbeat})
	}
	assert.ErrorIs(t, err, notify.ErrHubBusy)
}

func TestHub_BroadcastsToClients(t *testing.T) {
	hub := notify.NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Notify(ctx, notify.Message{Kind: notify.KindRewardsCollected, PositionID: "42", Text: "Claimed rewards [42]"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got notify.Message
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, notify.KindRewardsCollected, got.Kind)
	assert.Equal(t, "42", got.PositionID)
}
