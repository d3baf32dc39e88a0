package storage

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"go.etcd.io/bbolt"
)

var (
	dataDir     = flag.String("data_dir", "./data", "Directory to store the DB data files.")
	openTimeout = flag.Duration("db_open_timeout", time.Second,
		"How long to wait for the lock on the bbolt file before giving up.")
)

const dbFileName = "memo.db"

var (
	usersBucket    = []byte("users")
	sessionsBucket = []byte("sessions")
	devicesBucket  = []byte("devices")
	allBuckets     = [][]byte{usersBucket, sessionsBucket, devicesBucket}
)

// Store keeps users, sessions and devices in a bbolt file. bbolt serializes writers and lets readers run
// concurrently, so Store is safe for concurrent use without extra locking.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

// Open opens (or creates) the store under the --data_dir flag.
func Open() (*Store, error) {
	if *dataDir == "" {
		return nil, errors.New("--data_dir flag is required")
	}
	return OpenAt(filepath.Join(*dataDir, dbFileName))
}

// OpenAt opens (or creates) the store file at `path`, creating missing parent directories and buckets.
func OpenAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory for %s: %w", path, err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: *openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open db %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, createErr := tx.CreateBucketIfNotExists(bucket); createErr != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, createErr)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying file.
func (s *Store) Close() error {
	return s.db.Close()
}

// getJSON decodes the value of `key` in `bucket` into `out`.
func (s *Store) getJSON(bucket []byte, key string, out any) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode %s/%s: %w", bucket, key, err)
		}
		return nil
	})
}

// putJSON encodes `value` and stores it under `key` in `bucket`.
func (s *Store) putJSON(bucket []byte, key string, value any) error {
	if key == "" {
		return errors.New("expected a non-empty key")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", bucket, key, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

// remove deletes `key` from `bucket`, returning ErrKeyNotFound if it wasn't there.
func (s *Store) remove(bucket []byte, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucket)
		if b.Get([]byte(key)) == nil {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}
		return b.Delete([]byte(key))
	})
}

func (s *Store) GetUser(username string) (User, error) {
	var user User
	err := s.getJSON(usersBucket, username, &user)
	return user, err
}

func (s *Store) PutUser(user User) error {
	return s.putJSON(usersBucket, user.Username, user)
}

// GetSession returns the session of `token`; expired sessions are reported as not found.
func (s *Store) GetSession(token string) (Session, error) {
	var session Session
	if err := s.getJSON(sessionsBucket, token, &session); err != nil {
		return Session{}, err
	}
	if session.Expired(s.now()) {
		return Session{}, fmt.Errorf("%w: session expired", ErrKeyNotFound)
	}
	return session, nil
}

func (s *Store) PutSession(session Session) error {
	return s.putJSON(sessionsBucket, session.Token, session)
}

func (s *Store) DeleteSession(token string) error {
	return s.remove(sessionsBucket, token)
}

// PurgeExpiredSessions deletes every expired session and returns how many were removed.
func (s *Store) PurgeExpiredSessions() (int, error) {
	now := s.now()
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		var expiredTokens [][]byte
		err := b.ForEach(func(token, data []byte) error {
			var session Session
			if err := json.Unmarshal(data, &session); err != nil {
				return fmt.Errorf("failed to decode session: %w", err)
			}
			if session.Expired(now) {
				expiredTokens = append(expiredTokens, slices.Clone(token))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, token := range expiredTokens { // Keys can't be deleted while iterating with ForEach.
			if err := b.Delete(token); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// ListDevices returns every device ordered by ID.
func (s *Store) ListDevices() ([]Device, error) {
	devices := make([]Device, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(devicesBucket).ForEach(func(id, data []byte) error {
			var device Device
			if err := json.Unmarshal(data, &device); err != nil {
				return fmt.Errorf("failed to decode device %s: %w", id, err)
			}
			devices = append(devices, device)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func (s *Store) GetDevice(id string) (Device, error) {
	var device Device
	err := s.getJSON(devicesBucket, id, &device)
	return device, err
}

// PutDevice creates or replaces the device, stamping its update time.
func (s *Store) PutDevice(device Device) (Device, error) {
	device.UpdatedAt = s.now().UTC()
	if err := s.putJSON(devicesBucket, device.ID, device); err != nil {
		return Device{}, err
	}
	return device, nil
}

func (s *Store) DeleteDevice(id string) error {
	return s.remove(devicesBucket, id)
}
