package semantic

import (
	"encoding/binary"
	"fmt"
	"math"

	bolt "go.etcd.io/bbolt"
)

const bucketEmbeddings = "embeddings"

// BoltCache persists embeddings in a bbolt file so remote encoders are only
// paid once per description
type BoltCache struct {
	db *bolt.DB
}

// OpenBoltCache opens or creates the cache file at path
func OpenBoltCache(path string) (*BoltCache, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedding cache: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketEmbeddings)); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketEmbeddings, err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltCache{db: db}, nil
}

// Close closes the cache file
func (c *BoltCache) Close() error {
	return c.db.Close()
}

// Get implements Cache. Read errors are reported as misses.
func (c *BoltCache) Get(key string) ([]float32, bool) {
	var vec []float32
	_ = c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketEmbeddings)).Get([]byte(key))
		if data == nil || len(data)%4 != 0 {
			return nil
		}
		vec = decodeVector(data)
		return nil
	})
	return vec, vec != nil
}

// Put implements Cache
func (c *BoltCache) Put(key string, vec []float32) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketEmbeddings)).Put([]byte(key), encodeVector(vec))
	})
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, x := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

// decodeVector copies out of data, which bbolt only guarantees during the
// transaction
func decodeVector(data []byte) []float32 {
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return vec
}
