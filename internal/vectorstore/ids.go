package vectorstore

import "github.com/google/uuid"

// pointNamespace scopes the name-based point ids.
var pointNamespace = uuid.MustParse("6f1c2a8e-3d4b-5c6a-9e7f-0a1b2c3d4e5f")

// PointID maps a chunk key ("conversation#seq") to a stable UUIDv5 so that
// re-indexing the same chunk overwrites its point.
func PointID(key string) string {
	return uuid.NewSHA1(pointNamespace, []byte(key)).String()
}
