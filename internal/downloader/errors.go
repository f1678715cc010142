package downloader

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrBusy is returned when a download is requested while another one runs.
var ErrBusy = errors.New("a download is already in progress")

// ErrClosed is returned when a download is requested after Close.
var ErrClosed = errors.New("downloader is closed")

// SelectionError is an index outside the current result set.
type SelectionError struct {
	Index int
	Len   int
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("index %d out of range (%d songs)", e.Index, e.Len)
}

// MissingIDError is a selected song without a songmid.
type MissingIDError struct {
	Name string
}

func (e *MissingIDError) Error() string {
	return fmt.Sprintf("song %q has no songmid", e.Name)
}

func logSelectionError(logger *slog.Logger, err error) {
	var selErr *SelectionError
	if errors.As(err, &selErr) {
		logger.Error("index out of range", "len", selErr.Len)

		return
	}

	logger.Error("song has no songmid", "err", err)
}
