package httpapi

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/relaysoc/soc/internal/chatgateway"
	"github.com/stretchr/testify/require"
)

func TestPushSubscribeWithoutStoreConfigured(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)

	rec := doJSON(t, srv, "POST", "/push/subscriptions", chatgateway.PushSubscription{
		Endpoint: "https://push.example/abc",
	})
	require.Equal(t, 503, rec.Code)
}

func TestPushSubscribeAndUnsubscribe(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)
	store := chatgateway.NewSubscriptionStore(filepath.Join(t.TempDir(), "push"))
	srv.deps.PushStore = store
	srv.deps.VAPIDPublicKey = "test-public-key"

	rec := doJSON(t, srv, "GET", "/push/vapid-public-key", nil)
	require.Equal(t, 200, rec.Code)
	var keyResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &keyResp))
	require.Equal(t, "test-public-key", keyResp["public_key"])

	sub := chatgateway.PushSubscription{Endpoint: "https://push.example/abc"}
	sub.Keys.P256DH = "p256dh-value"
	sub.Keys.Auth = "auth-value"

	rec = doJSON(t, srv, "POST", "/push/subscriptions", sub)
	require.Equal(t, 201, rec.Code)

	subs, err := store.List()
	require.NoError(t, err)
	require.Len(t, subs, 1)

	rec = doJSON(t, srv, "DELETE", "/push/subscriptions", map[string]string{"endpoint": sub.Endpoint})
	require.Equal(t, 200, rec.Code)

	subs, err = store.List()
	require.NoError(t, err)
	require.Empty(t, subs)
}
