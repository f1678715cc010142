package music

import "strings"

// Placeholders used when the catalog omits a field.
const (
	UnknownSong   = "未知歌曲"
	UnknownSinger = "未知歌手"
	UnknownAlbum  = "未知专辑"
)

// SingerSeparator joins multiple artists into one display string.
const SingerSeparator = " / "

// Song is a normalized search result.
type Song struct {
	Name     string            `json:"name"`
	Singer   string            `json:"singer"`
	Album    string            `json:"album"`
	SongMID  string            `json:"songmid"`
	MediaMID string            `json:"media_mid"`
	Interval int               `json:"interval"`
	Size     map[Quality]int64 `json:"size,omitempty"`
}

// StorageID returns the media id used to build server-side filenames.
func (s Song) StorageID() string {
	if s.MediaMID != "" {
		return s.MediaMID
	}

	return s.SongMID
}

// Filename returns the display stem "Title - Artist" used for local files.
func (s Song) Filename() string {
	return strings.TrimSpace(s.Name) + " - " + strings.TrimSpace(s.Singer)
}
