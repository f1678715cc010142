package main

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/qqmusic_downloader/internal/music"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/schollz/progressbar/v3"
)

const statusIdle = "idle"

// barSink renders transfer progress as a terminal progress bar.
type barSink struct {
	bar *progressbar.ProgressBar
}

func newBarSink(w io.Writer) *barSink {
	return &barSink{
		bar: progressbar.NewOptions(100,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetWidth(30),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
		),
	}
}

func (s *barSink) OnProgress(percent, kbps, eta float64) {
	s.bar.Describe(fmt.Sprintf("%s/s eta %ds", humanize.Bytes(uint64(kbps*1024)), int(eta)))
	_ = s.bar.Set(int(percent))
}

func (s *barSink) OnStatus(message string) {
	if message == statusIdle {
		s.bar.Reset()

		return
	}

	s.bar.Describe(message)
}

// renderSongs prints the search results with 1-based indices.
func renderSongs(w io.Writer, songs []music.Song) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "Title", "Singer", "Album", "Duration", "M4A", "MP3", "FLAC"})
	table.SetAutoWrapText(false)

	for i, s := range songs {
		table.Append([]string{
			strconv.Itoa(i + 1),
			s.Name,
			s.Singer,
			s.Album,
			formatDuration(s.Interval),
			formatSize(s.Size[music.QualityStandard]),
			formatSize(s.Size[music.QualityHigh]),
			formatSize(s.Size[music.QualityLossless]),
		})
	}

	table.Render()
}

func formatDuration(seconds int) string {
	if seconds <= 0 {
		return "-"
	}

	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

func formatSize(n int64) string {
	if n <= 0 {
		return "-"
	}

	return humanize.Bytes(uint64(n))
}

// parsePicks turns "1,3,5-7" into sorted, unique 0-based indices.
func parsePicks(s string) ([]int, error) {
	var picks []int

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		first, last, isRange := strings.Cut(part, "-")

		from, err := parsePick(first)
		if err != nil {
			return nil, err
		}

		to := from
		if isRange {
			if to, err = parsePick(last); err != nil {
				return nil, err
			}

			if to < from {
				return nil, fmt.Errorf("invalid pick range %q", part)
			}
		}

		for n := from; n <= to; n++ {
			picks = append(picks, n-1)
		}
	}

	if len(picks) == 0 {
		return nil, fmt.Errorf("no picks in %q", s)
	}

	picks = lo.Uniq(picks)
	slices.Sort(picks)

	return picks, nil
}

func parsePick(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid pick %q: expected a positive number", s)
	}

	return n, nil
}
