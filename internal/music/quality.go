package music

import (
	"fmt"
	"strconv"
)

// Quality is a vendor bitrate tier.
type Quality int

const (
	QualityStandard Quality = 1 // m4a, ~128kbps
	QualityHigh     Quality = 2 // mp3, ~320kbps
	QualityLossless Quality = 3 // flac
)

type tier struct {
	ext     string
	prefix  string
	bitrate string
}

var tiers = map[Quality]tier{
	QualityStandard: {ext: "m4a", prefix: "C400", bitrate: "128kbps"},
	QualityHigh:     {ext: "mp3", prefix: "M500", bitrate: "320kbps"},
	QualityLossless: {ext: "flac", prefix: "F000", bitrate: "lossless"},
}

// ParseQuality parses "1".."3".
func ParseQuality(s string) (Quality, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid quality %q: %w", s, err)
	}

	q := Quality(n)
	if !q.Valid() {
		return 0, fmt.Errorf("invalid quality %d: expected 1, 2 or 3", n)
	}

	return q, nil
}

func (q Quality) Valid() bool {
	_, ok := tiers[q]

	return ok
}

// Ext returns the container extension. Unknown tiers fall back to m4a.
func (q Quality) Ext() string {
	if t, ok := tiers[q]; ok {
		return t.ext
	}

	return tiers[QualityStandard].ext
}

// ServerFilename is the filename the vendor expects when resolving a URL.
func (q Quality) ServerFilename(mediaMID string) (string, bool) {
	t, ok := tiers[q]
	if !ok {
		return "", false
	}

	return t.prefix + mediaMID + "." + t.ext, true
}

// MayServeM4A reports whether the vendor is known to silently serve m4a for this tier.
func (q Quality) MayServeM4A() bool {
	return q == QualityHigh || q == QualityLossless
}

func (q Quality) String() string {
	t, ok := tiers[q]
	if !ok {
		return "unknown(" + strconv.Itoa(int(q)) + ")"
	}

	return t.ext + "/" + t.bitrate
}
