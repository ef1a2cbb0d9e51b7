package helper

import "path/filepath"

// ShardFilePath returns the two-level directory path of a shard file given
// the hex representation of its key, spreading shards across 65536
// directories to keep listings small.
func ShardFilePath(hexKey string) string {
	if len(hexKey) < 4 {
		return hexKey
	}

	return filepath.Join(hexKey[0:2], hexKey[2:4], hexKey)
}
