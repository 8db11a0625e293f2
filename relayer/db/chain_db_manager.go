package db

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pushchain/anchor-relayer/relayer/constant"
)

// ChainDBManager hands out one database per chain so chains never share a writer.
type ChainDBManager struct {
	baseDir   string
	databases map[string]*DB // chain key -> DB instance
	mu        sync.RWMutex
	logger    zerolog.Logger
	inMemory  bool
}

// NewChainDBManager creates a manager storing databases under baseDir.
func NewChainDBManager(baseDir string, logger zerolog.Logger) *ChainDBManager {
	return &ChainDBManager{
		baseDir:   baseDir,
		databases: make(map[string]*DB),
		logger:    logger.With().Str("component", "chain_db_manager").Logger(),
	}
}

// NewInMemoryChainDBManager creates a manager with in-memory databases (for testing)
func NewInMemoryChainDBManager(logger zerolog.Logger) *ChainDBManager {
	return &ChainDBManager{
		databases: make(map[string]*DB),
		logger:    logger.With().Str("component", "chain_db_manager").Logger(),
		inMemory:  true,
	}
}

// GetChainDB returns the database of a chain, creating it on first use.
func (m *ChainDBManager) GetChainDB(chainKey string) (*DB, error) {
	m.mu.RLock()
	if db, exists := m.databases[chainKey]; exists {
		m.mu.RUnlock()
		return db, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if db, exists := m.databases[chainKey]; exists {
		return db, nil
	}

	var db *DB
	var err error

	if m.inMemory {
		db, err = OpenInMemoryDB(true)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create in-memory database for chain %s", chainKey)
		}
		m.logger.Debug().Str("chain", chainKey).Msg("created in-memory database for chain")
	} else {
		chainDir := filepath.Join(m.baseDir, "chains", sanitizeChainKey(chainKey))
		db, err = OpenFileDB(chainDir, constant.ChainDBFileName, true)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create database for chain %s", chainKey)
		}
		m.logger.Info().
			Str("chain", chainKey).
			Str("db_path", filepath.Join(chainDir, constant.ChainDBFileName)).
			Msg("opened file database for chain")
	}

	m.databases[chainKey] = db
	return db, nil
}

// Chains lists the chain keys with an open database.
func (m *ChainDBManager) Chains() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chains := make([]string, 0, len(m.databases))
	for key := range m.databases {
		chains = append(chains, key)
	}
	sort.Strings(chains)
	return chains
}

// CloseAll closes all database connections
func (m *ChainDBManager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var failed int
	for chainKey, db := range m.databases {
		if err := db.Close(); err != nil {
			failed++
			m.logger.Error().Err(err).Str("chain", chainKey).Msg("failed to close database")
		}
	}
	m.databases = make(map[string]*DB)

	if failed > 0 {
		return errors.Errorf("failed to close %d databases", failed)
	}
	return nil
}

// sanitizeChainKey converts a chain key to a filesystem-safe name, e.g. "evm:1" -> "evm_1".
func sanitizeChainKey(chainKey string) string {
	var b strings.Builder
	for _, r := range chainKey {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
