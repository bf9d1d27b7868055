package storage

import (
	"path"
	"strings"

	"askanna/internal/suuid"
)

// Clean normalises an object key: backslashes become slashes, duplicate and
// leading slashes are removed and a trailing slash, which denotes a
// directory, is kept.
func Clean(key string) string {
	key = strings.ReplaceAll(key, "\\", "/")
	dir := strings.HasSuffix(key, "/")
	key = strings.TrimPrefix(path.Clean("/"+key), "/")
	if key == "" {
		return ""
	}
	if dir {
		key += "/"
	}
	return key
}

// Dir returns key as a directory prefix with a trailing slash.
func Dir(key string) string {
	key = Clean(key)
	if key == "" || strings.HasSuffix(key, "/") {
		return key
	}
	return key + "/"
}

func sharded(root, id string) string {
	ab, cd := suuid.Shard(id)
	return path.Join(root, ab, cd, id)
}

// RunPrefix is the prefix holding a run's log, telemetry, result and payload files.
func RunPrefix(runSUUID string) string {
	return sharded("runs", runSUUID)
}

// PackagePrefix is the prefix holding a package archive.
func PackagePrefix(packageSUUID string) string {
	return sharded("packages", packageSUUID)
}

// AvatarPrefix is the prefix holding a membership's avatar images.
func AvatarPrefix(membershipSUUID string) string {
	return sharded("avatars", membershipSUUID)
}
