package chatgateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// Adapted near-verbatim from the teacher's internal/web/push_service.go
// and vapid_keys.go: same atomic temp-file-then-rename subscription store
// and VAPID keypair persistence, repurposed from "browser tab watching a
// agent-deck dashboard" to "browser tab watching the SOC's control plane",
// and used as the SOC's second (best-effort, no-ack) notification channel
// alongside Telegram.

const (
	subscriptionsFileName = "web_push_subscriptions.json"
	vapidKeysFileName     = "web_push_vapid_keys.json"
)

// PushSubscription is a browser's Web Push endpoint + encryption keys.
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256DH string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

func (s PushSubscription) normalize() PushSubscription {
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	s.Keys.P256DH = strings.TrimSpace(s.Keys.P256DH)
	s.Keys.Auth = strings.TrimSpace(s.Keys.Auth)
	return s
}

func (s PushSubscription) validate() error {
	sub := s.normalize()
	if sub.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if sub.Keys.P256DH == "" {
		return fmt.Errorf("keys.p256dh is required")
	}
	if sub.Keys.Auth == "" {
		return fmt.Errorf("keys.auth is required")
	}
	return nil
}

type subscriptionFile struct {
	UpdatedAt     time.Time          `json:"updatedAt"`
	Subscriptions []PushSubscription `json:"subscriptions"`
}

// SubscriptionStore is a JSON-file-backed registry of browser push
// subscriptions, grounded on pushSubscriptionFileStore.
type SubscriptionStore struct {
	path string
	mu   sync.Mutex
}

// NewSubscriptionStore returns a store persisting to
// <appDir>/web_push_subscriptions.json.
func NewSubscriptionStore(appDir string) *SubscriptionStore {
	return &SubscriptionStore{path: filepath.Join(appDir, subscriptionsFileName)}
}

func (s *SubscriptionStore) readLocked() (*subscriptionFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &subscriptionFile{}, nil
		}
		return nil, fmt.Errorf("chatgateway: read push subscriptions: %w", err)
	}
	var f subscriptionFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("chatgateway: parse push subscriptions: %w", err)
	}
	return &f, nil
}

func (s *SubscriptionStore) writeLocked(f *subscriptionFile) error {
	f.UpdatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("chatgateway: marshal push subscriptions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("chatgateway: mkdir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("chatgateway: write temp push subscriptions: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("chatgateway: rename push subscriptions: %w", err)
	}
	return nil
}

// List returns every stored subscription.
func (s *SubscriptionStore) List() ([]PushSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	out := make([]PushSubscription, len(f.Subscriptions))
	copy(out, f.Subscriptions)
	return out, nil
}

// Upsert adds or replaces a subscription by endpoint.
func (s *SubscriptionStore) Upsert(sub PushSubscription) error {
	sub = sub.normalize()
	if err := sub.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.readLocked()
	if err != nil {
		return err
	}
	replaced := false
	for i, existing := range f.Subscriptions {
		if existing.Endpoint == sub.Endpoint {
			f.Subscriptions[i] = sub
			replaced = true
			break
		}
	}
	if !replaced {
		f.Subscriptions = append(f.Subscriptions, sub)
	}
	return s.writeLocked(f)
}

// RemoveByEndpoint removes a subscription, e.g. after the push gateway
// reports it gone (410/404).
func (s *SubscriptionStore) RemoveByEndpoint(endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.readLocked()
	if err != nil {
		return err
	}
	out := f.Subscriptions[:0]
	for _, existing := range f.Subscriptions {
		if existing.Endpoint != endpoint {
			out = append(out, existing)
		}
	}
	f.Subscriptions = out
	return s.writeLocked(f)
}

type vapidKeysFile struct {
	PublicKey  string    `json:"publicKey"`
	PrivateKey string    `json:"privateKey"`
	Subject    string    `json:"subject,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// EnsureVAPIDKeys returns a persisted VAPID keypair under appDir,
// generating one via webpush.GenerateVAPIDKeys() on first use. Grounded on
// the teacher's EnsurePushVAPIDKeys.
func EnsureVAPIDKeys(appDir, subject string) (publicKey, privateKey string, generated bool, err error) {
	path := filepath.Join(appDir, vapidKeysFileName)
	subject = strings.TrimSpace(subject)

	if file, loadErr := loadVAPIDKeysFile(path); loadErr == nil {
		changed := false
		if subject != "" && strings.TrimSpace(file.Subject) != subject {
			file.Subject = subject
			file.UpdatedAt = time.Now().UTC()
			changed = true
		}
		if changed {
			if writeErr := writeVAPIDKeysFile(path, file); writeErr != nil {
				return "", "", false, writeErr
			}
		}
		return file.PublicKey, file.PrivateKey, false, nil
	} else if !errors.Is(loadErr, os.ErrNotExist) {
		return "", "", false, loadErr
	}

	privateKey, publicKey, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", false, fmt.Errorf("chatgateway: generate vapid keypair: %w", err)
	}

	now := time.Now().UTC()
	file := &vapidKeysFile{
		PublicKey:  strings.TrimSpace(publicKey),
		PrivateKey: strings.TrimSpace(privateKey),
		Subject:    subject,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := writeVAPIDKeysFile(path, file); err != nil {
		return "", "", false, err
	}
	return file.PublicKey, file.PrivateKey, true, nil
}

func loadVAPIDKeysFile(path string) (*vapidKeysFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("chatgateway: read vapid keys file: %w", err)
	}
	var file vapidKeysFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("chatgateway: parse vapid keys file: %w", err)
	}
	return &file, nil
}

func writeVAPIDKeysFile(path string, file *vapidKeysFile) error {
	raw, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("chatgateway: marshal vapid keys file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("chatgateway: mkdir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("chatgateway: write temp vapid keys file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("chatgateway: rename vapid keys file: %w", err)
	}
	return nil
}

// PushSender abstracts webpush.SendNotification for tests.
type PushSender interface {
	Send(payload []byte, sub PushSubscription) (statusCode int, err error)
}

// VAPIDPushSender sends Web Push notifications using a VAPID keypair.
// Grounded on the teacher's vapidPushSender.Send.
type VAPIDPushSender struct {
	Subject    string
	PublicKey  string
	PrivateKey string
}

func (s *VAPIDPushSender) Send(payload []byte, sub PushSubscription) (int, error) {
	sub = sub.normalize()
	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256DH,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.Subject,
		VAPIDPublicKey:  s.PublicKey,
		VAPIDPrivateKey: s.PrivateKey,
		TTL:             3600,
	})
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, fmt.Errorf("chatgateway: push gateway status %d", status)
	}
	return status, nil
}

// BrowserPushChannel broadcasts a text notification to every stored
// subscription, dropping (and removing) subscriptions the push gateway
// reports as gone.
type BrowserPushChannel struct {
	store  *SubscriptionStore
	sender PushSender
}

// NewBrowserPushChannel wires a channel over store/sender.
func NewBrowserPushChannel(store *SubscriptionStore, sender PushSender) *BrowserPushChannel {
	return &BrowserPushChannel{store: store, sender: sender}
}

// Broadcast sends text to every registered subscription.
func (c *BrowserPushChannel) Broadcast(text string) error {
	subs, err := c.store.List()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]string{"body": text})
	if err != nil {
		return fmt.Errorf("chatgateway: marshal push payload: %w", err)
	}

	for _, sub := range subs {
		status, err := c.sender.Send(payload, sub)
		if err != nil && (status == 404 || status == 410) {
			_ = c.store.RemoveByEndpoint(sub.Endpoint)
		}
	}
	return nil
}
