package web

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// vapidMetaKey is the metadata row holding the profile's VAPID keypair.
// Keeping it in state.db next to the subscriptions it signs for means a
// copied profile keeps working push subscriptions.
const vapidMetaKey = "vapid_keys"

// MetaStore is the key/value slice of the state database.
type MetaStore interface {
	GetMeta(key string) (string, error)
	SetMetaIfAbsent(key, value string) (bool, error)
}

type vapidKeys struct {
	Public    string    `json:"public"`
	Private   string    `json:"private"`
	CreatedAt time.Time `json:"created_at"`
}

// EnsureVAPIDKeys returns the stored keypair, generating one on first use.
// generated is true only for the process whose keys were stored. A damaged
// row is an error: replacing it would orphan every browser subscription.
func EnsureVAPIDKeys(store MetaStore) (publicKey, privateKey string, generated bool, err error) {
	keys, err := loadVAPIDKeys(store)
	if err != nil {
		return "", "", false, err
	}
	if keys != nil {
		return keys.Public, keys.Private, false, nil
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return "", "", false, fmt.Errorf("generate vapid keypair: %w", err)
	}
	raw, err := json.Marshal(vapidKeys{
		Public:    strings.TrimSpace(pub),
		Private:   strings.TrimSpace(priv),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", "", false, fmt.Errorf("encode vapid keys: %w", err)
	}
	stored, err := store.SetMetaIfAbsent(vapidMetaKey, string(raw))
	if err != nil {
		return "", "", false, fmt.Errorf("store vapid keys: %w", err)
	}

	// Another process may have won the insert; its keys are the real ones.
	keys, err = loadVAPIDKeys(store)
	if err != nil {
		return "", "", false, err
	}
	if keys == nil {
		return "", "", false, fmt.Errorf("vapid keys missing after store")
	}
	return keys.Public, keys.Private, stored, nil
}

// loadVAPIDKeys returns nil, nil when no keys are stored yet.
func loadVAPIDKeys(store MetaStore) (*vapidKeys, error) {
	raw, err := store.GetMeta(vapidMetaKey)
	if err != nil {
		return nil, fmt.Errorf("read vapid keys: %w", err)
	}
	if raw == "" {
		return nil, nil
	}
	var keys vapidKeys
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("decode vapid keys: %w", err)
	}
	if strings.TrimSpace(keys.Public) == "" || strings.TrimSpace(keys.Private) == "" {
		return nil, fmt.Errorf("stored vapid keys are incomplete")
	}
	return &keys, nil
}
