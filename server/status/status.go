package status

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/marcopiovanello/engine-dispatch/server/internal"
	"github.com/shirou/gopsutil/v3/disk"
)

type Source interface {
	Counts() internal.Counts
	ConcurrencyLimit() int
}

type Status struct {
	internal.Counts
	Limit         int    `json:"concurrency_limit"`
	DownloadPath  string `json:"download_path"`
	FreeSpace     uint64 `json:"free_space"`
	FreeSpaceText string `json:"free_space_human,omitempty"`
}

// FreeSpace of the filesystem holding path.
func FreeSpace(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

func Report(src Source, downloadPath string) Status {
	s := Status{
		Counts:       src.Counts(),
		Limit:        src.ConcurrencyLimit(),
		DownloadPath: downloadPath,
	}

	free, err := FreeSpace(downloadPath)
	if err != nil {
		slog.Warn("failed to read free space", slog.String("path", downloadPath), slog.Any("err", err))
		return s
	}

	s.FreeSpace = free
	s.FreeSpaceText = humanize.IBytes(free)

	return s
}

func ApplyRouter(src Source, downloadPath string) func(chi.Router) {
	return func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := json.NewEncoder(w).Encode(Report(src, downloadPath)); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		})
	}
}
