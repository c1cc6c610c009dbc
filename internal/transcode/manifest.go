package transcode

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BuildMaster renders the master playlist for the given outputs in ladder order.
func BuildMaster(ladder Ladder, outputs []Output) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, out := range outputs {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n", ladder.Bandwidth(out.Rendition), out.Width, out.Height)
		b.WriteString(out.Playlist)
		b.WriteString("\n")
	}
	return b.String()
}

// writeMaster writes the master playlist, refusing to do so unless every
// rendition playlist and at least one of its segments exist.
func writeMaster(outputDir string, ladder Ladder, outputs []Output) (string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return "", fmt.Errorf("read output dir: %w", err)
	}
	names := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names[entry.Name()] = struct{}{}
		}
	}
	for _, out := range outputs {
		if _, ok := names[out.Playlist]; !ok {
			return "", fmt.Errorf("%w: rendition %s produced no playlist", ErrEngineFailure, out.Rendition.Label)
		}
		if !hasSegment(names, out.SegmentPrefix()) {
			return "", fmt.Errorf("%w: rendition %s produced no segments", ErrEngineFailure, out.Rendition.Label)
		}
	}

	path := filepath.Join(outputDir, MasterPlaylistName)
	tmp, err := os.CreateTemp(outputDir, ".master-*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := tmp.WriteString(BuildMaster(ladder, outputs)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return path, nil
}

func hasSegment(names map[string]struct{}, prefix string) bool {
	for name := range names {
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".ts") {
			return true
		}
	}
	return false
}
