package transcode

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultAudioKbps is the AAC bitrate shared by every rendition.
const DefaultAudioKbps = 128

// Rendition is one rung of the bitrate ladder. Target dimensions bound the
// output; the source aspect ratio is always preserved.
type Rendition struct {
	Label        string
	TargetWidth  int
	TargetHeight int
	VideoKbps    int
}

// Ladder is the ordered rendition set applied to every job, lowest quality first.
type Ladder struct {
	Renditions []Rendition
	AudioKbps  int
}

// DefaultLadder returns the four-rung 360p to 1080p ladder.
func DefaultLadder() Ladder {
	return Ladder{
		Renditions: []Rendition{
			{Label: "360p", TargetWidth: 640, TargetHeight: 360, VideoKbps: 800},
			{Label: "480p", TargetWidth: 854, TargetHeight: 480, VideoKbps: 1400},
			{Label: "720p", TargetWidth: 1280, TargetHeight: 720, VideoKbps: 2800},
			{Label: "1080p", TargetWidth: 1920, TargetHeight: 1080, VideoKbps: 5000},
		},
		AudioKbps: DefaultAudioKbps,
	}
}

// ParseLadder reads a ladder from "label:WxH:kbps" entries separated by commas.
func ParseLadder(spec string, audioKbps int) (Ladder, error) {
	entries := strings.Split(spec, ",")
	ladder := Ladder{AudioKbps: audioKbps, Renditions: make([]Rendition, 0, len(entries))}
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		parts := strings.Split(trimmed, ":")
		if len(parts) != 3 {
			return Ladder{}, fmt.Errorf("invalid rendition spec %q", trimmed)
		}
		dims := strings.SplitN(strings.ToLower(parts[1]), "x", 2)
		if len(dims) != 2 {
			return Ladder{}, fmt.Errorf("invalid dimensions for rendition %q", trimmed)
		}
		width, err := strconv.Atoi(strings.TrimSpace(dims[0]))
		if err != nil {
			return Ladder{}, fmt.Errorf("invalid width for rendition %q: %w", trimmed, err)
		}
		height, err := strconv.Atoi(strings.TrimSpace(dims[1]))
		if err != nil {
			return Ladder{}, fmt.Errorf("invalid height for rendition %q: %w", trimmed, err)
		}
		bitrate, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(parts[2]), "k"))
		if err != nil {
			return Ladder{}, fmt.Errorf("invalid bitrate for rendition %q: %w", trimmed, err)
		}
		ladder.Renditions = append(ladder.Renditions, Rendition{
			Label:        strings.TrimSpace(parts[0]),
			TargetWidth:  width,
			TargetHeight: height,
			VideoKbps:    bitrate,
		})
	}
	if err := ladder.Validate(); err != nil {
		return Ladder{}, err
	}
	return ladder, nil
}

// Validate enforces unique, file-safe labels, positive dimensions and bitrates,
// and non-decreasing video bitrate along the ladder.
func (l Ladder) Validate() error {
	if len(l.Renditions) == 0 {
		return errors.New("no rendition profiles configured")
	}
	if l.AudioKbps <= 0 {
		return fmt.Errorf("audio bitrate must be positive, got %d", l.AudioKbps)
	}
	seen := make(map[string]struct{}, len(l.Renditions))
	previous := 0
	for _, r := range l.Renditions {
		if r.Label == "" || sanitizeLabel(r.Label) != r.Label {
			return fmt.Errorf("rendition label %q must be non-empty and contain only letters, digits, '-' or '_'", r.Label)
		}
		if _, dup := seen[r.Label]; dup {
			return fmt.Errorf("duplicate rendition label %q", r.Label)
		}
		seen[r.Label] = struct{}{}
		if r.TargetWidth < 2 || r.TargetHeight < 2 {
			return fmt.Errorf("rendition %s: dimensions %dx%d are too small", r.Label, r.TargetWidth, r.TargetHeight)
		}
		if r.VideoKbps <= 0 {
			return fmt.Errorf("rendition %s: video bitrate must be positive", r.Label)
		}
		if r.VideoKbps < previous {
			return fmt.Errorf("rendition %s: ladder must be ordered from lowest to highest bitrate", r.Label)
		}
		previous = r.VideoKbps
	}
	return nil
}

// Bandwidth is the nominal bits per second a rendition advertises in the master playlist.
func (l Ladder) Bandwidth(r Rendition) int {
	return (r.VideoKbps + l.AudioKbps) * 1000
}

// ScaleToFit returns the largest even dimensions that fit inside the target
// box while keeping the source aspect ratio.
func ScaleToFit(srcWidth, srcHeight, targetWidth, targetHeight int) (int, int) {
	if srcWidth <= 0 || srcHeight <= 0 {
		return evenFloor(float64(targetWidth)), evenFloor(float64(targetHeight))
	}
	factor := math.Min(float64(targetWidth)/float64(srcWidth), float64(targetHeight)/float64(srcHeight))
	width := evenFloor(float64(srcWidth) * factor)
	height := evenFloor(float64(srcHeight) * factor)
	if width < 2 {
		width = 2
	}
	if height < 2 {
		height = 2
	}
	return width, height
}

func evenFloor(v float64) int {
	n := int(math.Floor(v + 1e-9))
	return n - n%2
}

func sanitizeLabel(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
