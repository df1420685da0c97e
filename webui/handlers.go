package webui

import (
	"encoding/json"
	"html/template"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hazyhaar/veilcam/retention"
)

var indexPage = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><title>veilcam</title></head>
<body>
<h1>veilcam</h1>
<p><a href="/camera">Live camera</a></p>
<p><a href="/get_anomalies">Anomaly snapshots</a></p>
</body>
</html>
`))

var cameraPage = template.Must(template.New("camera").Parse(`<!DOCTYPE html>
<html>
<head><title>veilcam live</title></head>
<body>
<h1>Live feed</h1>
<img src="/video_feed" alt="live camera stream">
</body>
</html>
`))

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	indexPage.Execute(w, nil)
}

func (s *Server) handleCamera(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	cameraPage.Execute(w, nil)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "not found", http.StatusNotFound)
}

// handleVideoFeed streams the live feed as multipart/x-mixed-replace. Each
// viewer gets its own hub subscription, so a stalled connection never
// affects another viewer or the recording path.
func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	viewer := "viewer-" + uuid.NewString()
	sub := s.hub.Attach(viewer)
	defer s.hub.Detach(sub)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	s.logger.Info("webui: viewer connected", "viewer", viewer, "remote", r.RemoteAddr)
	defer s.logger.Info("webui: viewer disconnected", "viewer", viewer)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f, ok := sub.Poll()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.StreamWait):
			}
			continue
		}

		jpg, err := s.encode(f)
		if err != nil {
			s.logger.Warn("webui: frame encode failed", "viewer", viewer, "seq", f.Seq, "error", err)
			continue
		}

		if _, err := io.WriteString(w, "--frame\r\nContent-Type: image/jpeg\r\n\r\n"); err != nil {
			return
		}
		if _, err := w.Write(jpg); err != nil {
			return
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return
		}
		flusher.Flush()
	}
}

// handleAnomalyImage serves one snapshot by name. The name must parse as a
// snapshot file name, which doubles as path-traversal protection: anything
// outside the fixed naming scheme is rejected before touching the disk.
func (s *Server) handleAnomalyImage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "filename")
	if _, err := retention.ParseSnapshotName(name); err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.cfg.SnapshotDir, name))
}

type anomalyEntry struct {
	URL string `json:"url"`
}

type anomalyList struct {
	Images []anomalyEntry `json:"images"`
}

// handleListAnomalies returns one page of snapshot URLs, newest first.
// Pages are 1-indexed; an out-of-range page yields an empty list rather
// than an error.
func (s *Server) handleListAnomalies(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", s.cfg.PerPage)
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = s.cfg.PerPage
	}

	names, err := listSnapshots(s.cfg.SnapshotDir)
	if err != nil {
		s.logger.Warn("webui: snapshot listing failed", "dir", s.cfg.SnapshotDir, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := anomalyList{Images: []anomalyEntry{}}
	for _, name := range paginate(names, page, perPage) {
		out.Images = append(out.Images, anomalyEntry{URL: "/anomalies/" + name})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// listSnapshots returns the parseable snapshot names in dir, newest first.
// The timestamp encoding sorts lexically, so newest-first is a reverse
// string sort.
func listSnapshots(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := retention.ParseSnapshotName(e.Name()); err != nil {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// paginate slices one 1-indexed page out of names. Out-of-range pages
// return an empty slice.
func paginate(names []string, page, perPage int) []string {
	start := (page - 1) * perPage
	if start >= len(names) {
		return nil
	}
	end := start + perPage
	if end > len(names) {
		end = len(names)
	}
	return names[start:end]
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
