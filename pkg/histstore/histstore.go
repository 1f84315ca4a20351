// Package histstore persists per-player site history: every hostname a
// player has connected from, with first/last timestamps and a visit count.
package histstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/crystal-mush/mushcore/pkg/world"
)

var bucketSites = []byte("sites")

// Visit is one site's record under a player.
type Visit struct {
	Site  string    `json:"site"`
	First time.Time `json:"first"`
	Last  time.Time `json:"last"`
	Count int       `json:"count"`
}

// Store wraps a bbolt database holding site-history records.
type Store struct {
	bolt *bbolt.DB
}

// Open opens or creates the history database and ensures its bucket
// exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("histstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSites)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("histstore: create bucket: %w", err)
	}
	return &Store{bolt: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.bolt != nil {
		return s.bolt.Close()
	}
	return nil
}

// refSiteKey scopes a site record under its player: 8-byte big-endian
// player ref, then the site text. Offset keeps negative refs sorting
// sanely even though none should appear.
func refSiteKey(player world.DBRef, site string) []byte {
	buf := make([]byte, 8, 8+len(site))
	binary.BigEndian.PutUint64(buf, uint64(int64(player)+1<<32))
	return append(buf, site...)
}

// Append records one connection from site for player, creating or
// updating the visit record.
func (s *Store) Append(player world.DBRef, site string, when time.Time) error {
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSites)
		key := refSiteKey(player, site)
		v := Visit{Site: site, First: when}
		if raw := b.Get(key); raw != nil {
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("histstore: decode visit: %w", err)
			}
		}
		v.Last = when
		v.Count++
		data, err := json.Marshal(&v)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// Sites returns every visit record for player, in site order.
func (s *Store) Sites(player world.DBRef) ([]Visit, error) {
	prefix := refSiteKey(player, "")
	var visits []Visit
	err := s.bolt.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketSites).Cursor()
		for k, raw := c.Seek(prefix); k != nil && len(k) >= 8 && string(k[:8]) == string(prefix); k, raw = c.Next() {
			var v Visit
			if err := json.Unmarshal(raw, &v); err != nil {
				return fmt.Errorf("histstore: decode visit: %w", err)
			}
			visits = append(visits, v)
		}
		return nil
	})
	return visits, err
}

// Forget removes all of a player's history, for character destruction.
func (s *Store) Forget(player world.DBRef) error {
	prefix := refSiteKey(player, "")
	return s.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSites)
		c := b.Cursor()
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && len(k) >= 8 && string(k[:8]) == string(prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
