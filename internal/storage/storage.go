package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"livkit-live/internal/models"
)

// BillingConfig controls the watch-time accrual parameters shared by all
// repository implementations.
type BillingConfig struct {
	// TickQuantum is the number of seconds reserved from the wallet and added
	// to a session's active time per accepted heartbeat. Billing accrues by
	// quantum, not by measured wall time, so a slow client cannot be charged
	// for more than the agreed cadence.
	TickQuantum time.Duration
	// HeartbeatTimeout bounds the wall-time gap between viewer heartbeats
	// before a session is considered abandoned.
	HeartbeatTimeout time.Duration
}

// DefaultBillingConfig mirrors the production heartbeat cadence: clients tick
// every 30 seconds and are declared gone after 60.
func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		TickQuantum:      30 * time.Second,
		HeartbeatTimeout: 60 * time.Second,
	}
}

func (c BillingConfig) normalized() BillingConfig {
	out := c
	if out.TickQuantum <= 0 {
		out.TickQuantum = 30 * time.Second
	}
	if out.HeartbeatTimeout <= 0 {
		out.HeartbeatTimeout = 60 * time.Second
	}
	return out
}

type dataset struct {
	Users          map[string]models.User              `json:"users"`
	Wallets        map[string]models.Wallet            `json:"wallets"`
	LedgerEntries  map[string]models.LedgerEntry       `json:"ledgerEntries"`
	Streams        map[string]models.Stream            `json:"streams"`
	ViewerSessions map[string]models.ViewerSession     `json:"viewerSessions"`
	MinuteUsage    map[string]models.MinuteUsageRecord `json:"minuteUsage"`
	StreamEarnings map[string]models.StreamEarnings    `json:"streamEarnings"`
}

func newDataset() dataset {
	return dataset{
		Users:          make(map[string]models.User),
		Wallets:        make(map[string]models.Wallet),
		LedgerEntries:  make(map[string]models.LedgerEntry),
		Streams:        make(map[string]models.Stream),
		ViewerSessions: make(map[string]models.ViewerSession),
		MinuteUsage:    make(map[string]models.MinuteUsageRecord),
		StreamEarnings: make(map[string]models.StreamEarnings),
	}
}

// Storage is the JSON-file-backed repository used in development and tests.
// All mutations happen under the write lock against a cloned dataset that is
// persisted before being swapped in, so a failed persist leaves the previous
// state untouched.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	billing  BillingConfig
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// Option mutates storage configuration.
type Option func(*Storage)

// WithClock installs a custom time source. Tests use it to drive heartbeat
// timeouts deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBillingConfig overrides the accrual quantum and heartbeat timeout.
func WithBillingConfig(cfg BillingConfig) Option {
	return func(s *Storage) {
		s.billing = cfg.normalized()
	}
}

// NewStorage opens (or creates) the JSON datastore at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		billing:  DefaultBillingConfig(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Users == nil {
		s.data.Users = make(map[string]models.User)
	}
	if s.data.Wallets == nil {
		s.data.Wallets = make(map[string]models.Wallet)
	}
	if s.data.LedgerEntries == nil {
		s.data.LedgerEntries = make(map[string]models.LedgerEntry)
	}
	if s.data.Streams == nil {
		s.data.Streams = make(map[string]models.Stream)
	}
	if s.data.ViewerSessions == nil {
		s.data.ViewerSessions = make(map[string]models.ViewerSession)
	}
	if s.data.MinuteUsage == nil {
		s.data.MinuteUsage = make(map[string]models.MinuteUsageRecord)
	}
	if s.data.StreamEarnings == nil {
		s.data.StreamEarnings = make(map[string]models.StreamEarnings)
	}
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()
	for id, user := range src.Users {
		clone.Users[id] = user
	}
	for id, wallet := range src.Wallets {
		clone.Wallets[id] = wallet
	}
	for id, entry := range src.LedgerEntries {
		clone.LedgerEntries[id] = entry
	}
	for id, stream := range src.Streams {
		cloned := stream
		if stream.StartedAt != nil {
			started := *stream.StartedAt
			cloned.StartedAt = &started
		}
		if stream.EndedAt != nil {
			ended := *stream.EndedAt
			cloned.EndedAt = &ended
		}
		if stream.LastHeartbeatAt != nil {
			beat := *stream.LastHeartbeatAt
			cloned.LastHeartbeatAt = &beat
		}
		clone.Streams[id] = cloned
	}
	for id, session := range src.ViewerSessions {
		cloned := session
		if session.EndedAt != nil {
			ended := *session.EndedAt
			cloned.EndedAt = &ended
		}
		clone.ViewerSessions[id] = cloned
	}
	for id, record := range src.MinuteUsage {
		clone.MinuteUsage[id] = record
	}
	for id, earnings := range src.StreamEarnings {
		clone.StreamEarnings[id] = earnings
	}
	return clone
}

// commit persists the mutated clone and swaps it in on success.
func (s *Storage) commit(updated dataset) error {
	if err := s.persistDataset(updated); err != nil {
		return err
	}
	s.data = updated
	return nil
}

func generateID() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

func generateChannelName() (string, error) {
	bytes := make([]byte, 12)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate channel name: %w", err)
	}
	return "live-" + hex.EncodeToString(bytes), nil
}

// Ping reports datastore health. The JSON store is healthy whenever the data
// directory remains writable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := os.Stat(filepath.Dir(s.filePath))
	return err
}

// User operations

func (s *Storage) CreateUser(displayName string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return models.User{}, errors.New("displayName is required")
	}

	id, err := generateID()
	if err != nil {
		return models.User{}, err
	}

	now := s.now()
	updated := cloneDataset(s.data)
	updated.Users[id] = models.User{ID: id, DisplayName: displayName, CreatedAt: now}
	// Every user gets a wallet up front so credit and join paths never race on
	// wallet creation.
	updated.Wallets[id] = models.Wallet{UserID: id, CreatedAt: now, UpdatedAt: now}

	if err := s.commit(updated); err != nil {
		return models.User{}, err
	}
	return updated.Users[id], nil
}

func (s *Storage) GetUser(id string) (models.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.data.Users[id]
	return user, ok
}

func (s *Storage) ListUsers() []models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]models.User, 0, len(s.data.Users))
	for _, user := range s.data.Users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users
}
