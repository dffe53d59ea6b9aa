package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/tidwall/buntdb"

	"github.com/irdest/ratman/pkg/types"
)

const (
	// seenShards splits the hot cache by the leading key byte (modulo
	// the shard count) to reduce mutex contention on the switch's fast
	// path.
	seenShards = 16
	// seenCacheSize bounds each shard of the in-memory cache.
	seenCacheSize = 65536 / seenShards
	// SeenTTL bounds how long a frame id suppresses duplicates.
	SeenTTL = 30 * time.Minute
)

// SeenFrames is the bounded set of recently observed frame ids used for
// loop suppression. A sharded in-memory cache answers the hot path; a
// TTL-expiring partition keeps the set across restarts.
type SeenFrames struct {
	shards [seenShards]*expirable.LRU[string, struct{}]
	db     *buntdb.DB
}

func openSeenFrames(dir string) (*SeenFrames, error) {
	pdir := filepath.Join(dir, "seen_frames")
	if err := os.MkdirAll(pdir, 0o700); err != nil {
		return nil, fmt.Errorf("create partition dir: %w", err)
	}
	db, err := buntdb.Open(filepath.Join(pdir, "seen_frames.db"))
	if err != nil {
		return nil, fmt.Errorf("open seen frames: %w", err)
	}
	s := &SeenFrames{db: db}
	for i := range s.shards {
		s.shards[i] = expirable.NewLRU[string, struct{}](seenCacheSize, nil, SeenTTL)
	}

	// warm the cache with whatever survived the restart
	err = db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, _ string) bool {
			s.shard(key).Add(key, struct{}{})
			return true
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("warm seen frames: %w", err)
	}
	return s, nil
}

func (s *SeenFrames) Close() error {
	return s.db.Close()
}

func (s *SeenFrames) shard(key string) *expirable.LRU[string, struct{}] {
	var b byte
	if len(key) > 0 {
		b = key[0]
	}
	return s.shards[b%seenShards]
}

// SeenKey builds the suppression key for one data fragment.
func SeenKey(sender types.Address, seq types.SequenceID) string {
	return sender.String() + ":" + seq.Hash.String() + ":" + fmt.Sprint(seq.Num)
}

// CheckAndInsert records key and reports whether it was already present.
func (s *SeenFrames) CheckAndInsert(key string) (seen bool, err error) {
	if _, ok := s.shard(key).Get(key); ok {
		return true, nil
	}
	s.shard(key).Add(key, struct{}{})

	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, replaced, err := tx.Set(key, "1", &buntdb.SetOptions{Expires: true, TTL: SeenTTL})
		if err != nil {
			return err
		}
		if replaced {
			seen = true
		}
		return nil
	})
	if err != nil {
		return seen, fmt.Errorf("record seen frame: %w", err)
	}
	return seen, nil
}

// Contains reports whether key is currently suppressed, without
// recording it.
func (s *SeenFrames) Contains(key string) bool {
	if _, ok := s.shard(key).Get(key); ok {
		return true
	}
	var found bool
	s.db.View(func(tx *buntdb.Tx) error {
		if _, err := tx.Get(key); err == nil {
			found = true
		}
		return nil
	})
	return found
}
