package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/anchor-relayer/relayer/constant"
	"github.com/pushchain/anchor-relayer/relayer/store"
)

func TestOpenInMemoryDB(t *testing.T) {
	database, err := OpenInMemoryDB(true)
	require.NoError(t, err)
	defer database.Close()

	item := &store.WatchedItem{Contract: "0xabc", Kind: constant.KindVAnchor, Watermark: 7}
	require.NoError(t, database.Client().Create(item).Error)

	var got store.WatchedItem
	require.NoError(t, database.Client().Where("contract = ?", "0xabc").First(&got).Error)
	assert.Equal(t, uint64(7), got.Watermark)
}

func TestOpenFileDBPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	database, err := OpenFileDB(dir, "test.db", true)
	require.NoError(t, err)
	require.NoError(t, database.Client().Create(&store.Leaf{Contract: "0x1", LeafIndex: 0, Value: "0xaa"}).Error)
	require.NoError(t, database.Close())

	_, err = os.Stat(filepath.Join(dir, "test.db"))
	require.NoError(t, err)

	reopened, err := OpenFileDB(dir, "test.db", true)
	require.NoError(t, err)
	defer reopened.Close()

	var count int64
	require.NoError(t, reopened.Client().Model(&store.Leaf{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestChainDBManager(t *testing.T) {
	log := zerolog.Nop()

	t.Run("in memory manager", func(t *testing.T) {
		manager := NewInMemoryChainDBManager(log)
		defer manager.CloseAll()

		db1, err := manager.GetChainDB("evm:1")
		require.NoError(t, err)
		db2, err := manager.GetChainDB("evm:1")
		require.NoError(t, err)
		assert.Same(t, db1, db2)

		db3, err := manager.GetChainDB("substrate:1080")
		require.NoError(t, err)
		assert.NotSame(t, db1, db3)

		assert.Equal(t, []string{"evm:1", "substrate:1080"}, manager.Chains())
	})

	t.Run("file manager", func(t *testing.T) {
		dir := t.TempDir()
		manager := NewChainDBManager(dir, log)

		_, err := manager.GetChainDB("evm:5001")
		require.NoError(t, err)
		require.NoError(t, manager.CloseAll())

		_, err = os.Stat(filepath.Join(dir, "chains", "evm_5001", constant.ChainDBFileName))
		require.NoError(t, err)
		assert.Empty(t, manager.Chains())
	})
}

func TestSanitizeChainKey(t *testing.T) {
	assert.Equal(t, "evm_1", sanitizeChainKey("evm:1"))
	assert.Equal(t, "substrate_1080", sanitizeChainKey("substrate:1080"))
	assert.Equal(t, "a_b_c", sanitizeChainKey("a/b.c"))
}
