// Package checkpoint derives the storage keys for every intermediate and
// final artifact of a transcoding job. The functions are pure: identical
// inputs always yield identical keys across processes and restarts, which is
// what lets an interrupted job resume by checking "does this key already
// exist" instead of keeping separate progress records.
package checkpoint

import (
	"fmt"
	"net/url"
	"strings"
)

// ChunkManifest is the playlist written by the split stage once every source
// chunk has been uploaded. Its existence marks the split stage complete, so
// it must always be written after the chunks it references.
func ChunkManifest() string {
	return "sources/source.m3u8"
}

// SourceChunk is the i-th fixed-duration slice of the source.
func SourceChunk(i int) string {
	return fmt.Sprintf("sources/source_%05d.ts", i)
}

// TranscodedChunk is the i-th chunk transcoded to the given rendition.
func TranscodedChunk(rendition string, i int) string {
	return fmt.Sprintf("transcoded/%s/chunk_%05d.ts", rendition, i)
}

// ConcatList is the ffconcat listing consumed by the concatenate stage.
func ConcatList(rendition string) string {
	return fmt.Sprintf("transcoded/%s/concat.ffconcat", rendition)
}

// RenditionManifest is the published media playlist for one rendition,
// relative to the result root.
func RenditionManifest(rendition string) string {
	return fmt.Sprintf("%s/index.m3u8", rendition)
}

// MasterManifest is the published master playlist, relative to the result root.
func MasterManifest() string {
	return "index.m3u8"
}

// Resolve joins a storage root, a video basename and an artifact key into an
// absolute storage URI.
func Resolve(root *url.URL, basename, key string) string {
	u := *root
	u.Path = strings.TrimRight(u.Path, "/") + "/" + basename + "/" + key
	return u.String()
}
