package catalog

import (
	"context"
	"encoding/base64"
	"strings"
	"unicode/utf8"

	"github.com/italolelis/qqmusic_downloader/internal/auth"
	"github.com/italolelis/qqmusic_downloader/internal/logctx"
	"github.com/italolelis/qqmusic_downloader/internal/music"
	"github.com/samber/lo"
	"github.com/tidwall/gjson"
)

const (
	searchPageSize  = 20
	validationQuery = "音乐"
	defaultCDNHost  = "https://isure.stream.qqmusic.qq.com/"
	codeNoLyrics    = 24001
	songListPath    = "req_1.data.body.song.list"
	opValidate      = "validate_session"
	opSearch        = "search"
	opResolve       = "resolve_url"
	opLyrics        = "lyrics"
)

// ValidateSession reports whether the cookie is accepted by the vendor.
func (c *Client) ValidateSession(ctx context.Context) bool {
	res, ok := c.call(ctx, opValidate, c.searchPayload(validationQuery, 1))
	if !ok {
		return false
	}

	code := res.Get("req_1.code")

	return code.Exists() && code.Type == gjson.Number && code.Int() == 0
}

// Search returns up to one page of songs for keyword. A failed call or a
// vendor error code yields an empty list; a successful response without a
// song list is a *MalformedResponseError.
func (c *Client) Search(ctx context.Context, keyword string) ([]music.Song, error) {
	logger := logctx.LoggerFromContext(ctx).With("keyword", keyword)

	res, ok := c.call(logctx.WithLogger(ctx, logger), opSearch, c.searchPayload(keyword, searchPageSize))
	if !ok {
		return []music.Song{}, nil
	}

	if code := res.Get("req_1.code").Int(); code != 0 {
		logger.Error("search returned an error code", "code", code)

		return []music.Song{}, nil
	}

	list := res.Get(songListPath)
	if !list.IsArray() {
		return nil, &MalformedResponseError{Operation: opSearch, Path: songListPath}
	}

	songs := make([]music.Song, 0, len(list.Array()))

	for _, item := range list.Array() {
		song := parseSong(item)
		if song.SongMID == "" {
			logger.Warn("dropping search result without songmid", "name", song.Name)

			continue
		}

		songs = append(songs, song)
	}

	logger.Info("search finished", "results", len(songs))

	return songs, nil
}

// ResolveDownloadURL returns a signed CDN URL for the song at the requested
// quality. ok is false when the vendor offers no URL, which is expected for
// region or entitlement blocks.
func (c *Client) ResolveDownloadURL(ctx context.Context, songMID, mediaMID string, quality music.Quality) (string, bool) {
	logger := logctx.LoggerFromContext(ctx).With("songmid", songMID, "quality", quality.String())

	if mediaMID == "" {
		logger.Warn("media_mid missing, using songmid for the server filename")

		mediaMID = songMID
	}

	filename, ok := quality.ServerFilename(mediaMID)
	if !ok {
		logger.Error("unsupported quality")

		return "", false
	}

	guid := auth.NewGUID()
	payload := map[string]any{
		"comm": c.auth.Comm(guid),
		"req_0": module("vkey.GetVkeyServer", "CgiGetVkey", map[string]any{
			"guid":      guid,
			"songmid":   []string{songMID},
			"songtype":  []int{0},
			"uin":       c.auth.UIN,
			"loginflag": 1,
			"platform":  "20",
			"filename":  []string{filename},
		}),
	}

	res, ok := c.call(ctx, opResolve, payload)
	if !ok {
		return "", false
	}

	data := res.Get("req_0.data")
	msg := data.Get("msg").String()

	infos := data.Get("midurlinfo").Array()
	if len(infos) == 0 {
		logger.Error("response has no midurlinfo", "msg", msg)

		return "", false
	}

	purl := infos[0].Get("purl").String()
	if purl == "" {
		logger.Error("vendor returned an empty purl", "msg", msg)

		return "", false
	}

	if strings.Contains(msg, "404") {
		logger.Warn("cdn reported 404 but returned a purl", "msg", msg)
	}

	base := defaultCDNHost
	if sip := data.Get("sip.0").String(); sip != "" {
		base = sip
	}

	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	return base + purl, true
}

// FetchLyrics returns the time-synced lyric text. ok is false when the track
// has no lyrics or the call failed.
func (c *Client) FetchLyrics(ctx context.Context, songMID string) (string, bool) {
	logger := logctx.LoggerFromContext(ctx).With("songmid", songMID)

	payload := map[string]any{
		"comm": c.auth.Comm(auth.NewGUID()),
		"req_1": module("music.musichallSong.PlayLyricInfo", "GetPlayLyricInfo", map[string]any{
			"songMid":    songMID,
			"songId":     0,
			"songType":   0,
			"lyricsType": 0,
			"roma":       0,
			"trans":      1,
		}),
	}

	res, ok := c.call(ctx, opLyrics, payload)
	if !ok {
		return "", false
	}

	switch code := res.Get("req_1.code").Int(); code {
	case 0:
	case codeNoLyrics:
		logger.Warn("no lyrics available", "code", code)

		return "", false
	default:
		logger.Error("lyrics returned an error code", "code", code)

		return "", false
	}

	encoded := res.Get("req_1.data.lyric").String()
	if encoded == "" {
		return "", false
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || !utf8.Valid(decoded) {
		logger.Error("failed to decode lyrics", "err", err)

		return "", false
	}

	return string(decoded), true
}

func (c *Client) searchPayload(query string, perPage int) map[string]any {
	return map[string]any{
		"comm": c.auth.Comm(auth.NewGUID()),
		"req_1": module("music.search.SearchCgiService", "DoSearchForQQMusicDesktop", map[string]any{
			"query":        query,
			"num_per_page": perPage,
			"page_num":     1,
			"search_type":  0,
		}),
	}
}

func parseSong(item gjson.Result) music.Song {
	names := lo.FilterMap(item.Get("singer").Array(), func(s gjson.Result, _ int) (string, bool) {
		name := strings.TrimSpace(s.Get("name").String())

		return name, name != ""
	})

	songMID := firstString(item, "mid", "songmid")

	song := music.Song{
		Name:     orDefault(firstString(item, "title", "name"), music.UnknownSong),
		Singer:   orDefault(strings.Join(names, music.SingerSeparator), music.UnknownSinger),
		Album:    orDefault(firstString(item, "album.title", "album.name"), music.UnknownAlbum),
		SongMID:  songMID,
		MediaMID: orDefault(item.Get("file.media_mid").String(), songMID),
		Interval: int(item.Get("interval").Int()),
		Size:     map[music.Quality]int64{},
	}

	sizes := map[music.Quality]string{
		music.QualityStandard: "file.size_128mp3",
		music.QualityHigh:     "file.size_320mp3",
		music.QualityLossless: "file.size_flac",
	}

	for q, path := range sizes {
		if n := item.Get(path).Int(); n > 0 {
			song.Size[q] = n
		}
	}

	return song
}

func firstString(item gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := strings.TrimSpace(item.Get(p).String()); v != "" {
			return v
		}
	}

	return ""
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}

	return v
}
