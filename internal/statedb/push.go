package statedb

import "time"

// PushSubscriptionRow is a browser Web Push subscription.
type PushSubscriptionRow struct {
	Endpoint  string
	P256dh    string
	Auth      string
	CreatedAt time.Time
}

// SavePushSubscription inserts or replaces a subscription keyed by endpoint.
func (s *StateDB) SavePushSubscription(sub *PushSubscriptionRow) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO push_subscriptions (endpoint, p256dh, auth, created_at)
		VALUES (?, ?, ?, ?)
	`, sub.Endpoint, sub.P256dh, sub.Auth, sub.CreatedAt.Unix())
	return err
}

// DeletePushSubscription removes a subscription. Deleting an unknown
// endpoint is not an error.
func (s *StateDB) DeletePushSubscription(endpoint string) error {
	_, err := s.db.Exec("DELETE FROM push_subscriptions WHERE endpoint = ?", endpoint)
	return err
}

// LoadPushSubscriptions returns every stored subscription.
func (s *StateDB) LoadPushSubscriptions() ([]*PushSubscriptionRow, error) {
	rows, err := s.db.Query(`SELECT endpoint, p256dh, auth, created_at FROM push_subscriptions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*PushSubscriptionRow
	for rows.Next() {
		r := &PushSubscriptionRow{}
		var created int64
		if err := rows.Scan(&r.Endpoint, &r.P256dh, &r.Auth, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(created, 0)
		result = append(result, r)
	}
	return result, rows.Err()
}
