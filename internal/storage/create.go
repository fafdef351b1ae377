package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

var errKeyTaken = errors.New("key taken")

// maxKeySuffix bounds the suffixes tried by CreateUnique before giving up.
const maxKeySuffix = 64

// CreateUnique stores value at parent/key only if that node does not exist.
// When it does, key-1, key-2, ... are tried in turn. The key actually used is
// returned. Timestamp keyed collections rely on this so two writers in the
// same millisecond never overwrite each other.
func CreateUnique(ctx context.Context, s Store, parent, key string, value any) (string, error) {
	for n := 0; n <= maxKeySuffix; n++ {
		k := key
		if n > 0 {
			k = key + "-" + strconv.Itoa(n)
		}
		path := Join(parent, k)
		err := s.Transact(ctx, path, func(cur Snapshot) ([]Mutation, error) {
			if cur.Exists {
				return nil, errKeyTaken
			}
			return []Mutation{SetOp(path, value)}, nil
		})
		if errors.Is(err, errKeyTaken) {
			continue
		}
		if err != nil {
			return "", err
		}
		return k, nil
	}
	return "", fmt.Errorf("%s/%s: %w", parent, key, ErrConflict)
}

// TimeKey formats unix milliseconds as a collection key.
func TimeKey(ms int64) string { return strconv.FormatInt(ms, 10) }
