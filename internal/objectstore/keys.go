package objectstore

import (
	"errors"
	"path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrInvalidKey is returned when a source key cannot be mapped to an object or output location.
var ErrInvalidKey = errors.New("invalid object key")

const privateSegment = "private"

// NormalizeSourceKey turns a key taken from a queue message into a
// bucket-relative object key: NFC normalised, leading slashes and any
// "<bucket>/" qualifier removed.
func NormalizeSourceKey(raw, bucket string) (string, error) {
	key := norm.NFC.String(strings.TrimSpace(raw))
	key = strings.TrimLeft(key, "/")
	if b := strings.Trim(strings.TrimSpace(bucket), "/"); b != "" {
		key = strings.TrimPrefix(key, b+"/")
	}
	if key == "" || strings.HasSuffix(key, "/") {
		return "", ErrInvalidKey
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", ErrInvalidKey
		}
	}
	return key, nil
}

// OutputPrefix derives where renditions of a source are published: the
// source key without its "private" segment and without the file name.
// "private/users/u1/v1/tempVideo.mp4" maps to "users/u1/v1".
func OutputPrefix(sourceKey string) (string, error) {
	segments := strings.Split(strings.Trim(sourceKey, "/"), "/")
	if len(segments) < 2 {
		return "", ErrInvalidKey
	}
	dirs := segments[:len(segments)-1]
	kept := make([]string, 0, len(dirs))
	dropped := false
	for _, segment := range dirs {
		if !dropped && segment == privateSegment {
			dropped = true
			continue
		}
		kept = append(kept, segment)
	}
	if len(kept) == 0 {
		return "", ErrInvalidKey
	}
	return path.Join(kept...), nil
}

// JoinKey joins a prefix and a file name with exactly one slash.
func JoinKey(prefix, name string) string {
	prefix = strings.Trim(prefix, "/")
	name = strings.TrimLeft(name, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// ContentTypeFor maps HLS artifact extensions to their media types.
func ContentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".mp4", ".m4s":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}
