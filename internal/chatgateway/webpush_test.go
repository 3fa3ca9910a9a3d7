package chatgateway

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errGone = errors.New("push gateway: gone")

type fakeSender struct {
	sent    []PushSubscription
	results map[string]int
}

func (f *fakeSender) Send(payload []byte, sub PushSubscription) (int, error) {
	f.sent = append(f.sent, sub)
	if code, ok := f.results[sub.Endpoint]; ok && code >= 400 {
		return code, errGone
	}
	return 201, nil
}

func TestSubscriptionStoreUpsertAndList(t *testing.T) {
	store := NewSubscriptionStore(t.TempDir())

	sub := PushSubscription{Endpoint: "https://push.example/ep1"}
	sub.Keys.P256DH = "p256"
	sub.Keys.Auth = "auth"
	require.NoError(t, store.Upsert(sub))

	subs, err := store.List()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "https://push.example/ep1", subs[0].Endpoint)
}

func TestSubscriptionStoreRejectsIncomplete(t *testing.T) {
	store := NewSubscriptionStore(t.TempDir())
	err := store.Upsert(PushSubscription{Endpoint: "https://push.example/ep1"})
	assert.Error(t, err)
}

func TestBrowserPushChannelRemovesGoneSubscriptions(t *testing.T) {
	dir := t.TempDir()
	store := NewSubscriptionStore(dir)
	sub := PushSubscription{Endpoint: "https://push.example/gone"}
	sub.Keys.P256DH = "p256"
	sub.Keys.Auth = "auth"
	require.NoError(t, store.Upsert(sub))

	sender := &fakeSender{results: map[string]int{"https://push.example/gone": 410}}
	ch := NewBrowserPushChannel(store, sender)
	require.NoError(t, ch.Broadcast("hello"))

	subs, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestEnsureVAPIDKeysPersists(t *testing.T) {
	dir := t.TempDir()
	pub1, priv1, generated1, err := EnsureVAPIDKeys(dir, "mailto:a@example.com")
	require.NoError(t, err)
	assert.True(t, generated1)
	assert.NotEmpty(t, pub1)
	assert.NotEmpty(t, priv1)

	pub2, priv2, generated2, err := EnsureVAPIDKeys(dir, "mailto:a@example.com")
	require.NoError(t, err)
	assert.False(t, generated2)
	assert.Equal(t, pub1, pub2)
	assert.Equal(t, priv1, priv2)
}

func TestEnsureVAPIDKeysFilePath(t *testing.T) {
	dir := t.TempDir()
	_, _, _, err := EnsureVAPIDKeys(dir, "")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, vapidKeysFileName))
}
