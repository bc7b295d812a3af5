package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/castfinder/internal/annotate"
	"github.com/andresmejia3/castfinder/internal/gallery"
	"github.com/andresmejia3/castfinder/internal/logging"
	"github.com/andresmejia3/castfinder/internal/pipeline"
	"github.com/andresmejia3/castfinder/internal/tmdb"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

var allowedExtensions = map[string]bool{".mp4": true, ".avi": true, ".mov": true}

type movieJSON struct {
	Title string `json:"title"`
}

type analyzeResponse struct {
	Run         string       `json:"run"`
	VideoID     string       `json:"video_id"`
	TotalFrames int          `json:"total_frames"`
	Identities  []string     `json:"identities"`
	Actors      []tmdb.Actor `json:"actors"`
	Movies      []movieJSON  `json:"movies"`
	Frames      []string     `json:"frames"`
	Warning     string       `json:"warning,omitempty"`
}

// respondJSON sends a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// analyze accepts either a multipart "video" file or a "videoUrl" form field, runs the
// pipeline and cross-references the recognised people on TMDB.
func (s *Server) analyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		respondError(w, http.StatusBadRequest, "failed to parse form")
		return
	}

	run := uuid.NewString()
	uploadDir := filepath.Join(s.cfg.UploadDir, run)
	outputDir := filepath.Join(s.cfg.ResultsDir, run)
	ctx := r.Context()
	defer os.RemoveAll(uploadDir)

	var videoPath string
	file, header, err := r.FormFile("video")
	switch {
	case err == nil && header.Filename != "":
		defer file.Close()
		name := filepath.Base(header.Filename)
		if !allowedExtensions[strings.ToLower(filepath.Ext(name))] {
			respondError(w, http.StatusBadRequest, "Invalid file type.")
			return
		}
		if videoPath, err = saveUpload(file, uploadDir, name); err != nil {
			s.logger.Error("failed to save upload", logging.Err(err))
			respondError(w, http.StatusInternalServerError, "failed to save upload")
			return
		}

	case strings.TrimSpace(r.FormValue("videoUrl")) != "":
		if s.deps.Fetcher == nil {
			respondError(w, http.StatusBadRequest, "URL downloads are not enabled")
			return
		}
		videoPath, err = s.deps.Fetcher.Download(ctx, r.FormValue("videoUrl"), uploadDir)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("Failed to download video: %v", err))
			return
		}

	default:
		respondError(w, http.StatusBadRequest, "No video file provided.")
		return
	}

	analysis, err := s.deps.Analyze(ctx, videoPath, outputDir)
	if err != nil {
		s.logger.Error("analysis failed", slog.String("run", run), logging.Err(err))
		msg := "analysis failed"
		if errors.Is(err, pipeline.ErrPoolFailure) {
			msg = "recognition engine failed"
		}
		respondError(w, http.StatusInternalServerError, msg)
		return
	}

	resp := analyzeResponse{
		Run:         run,
		VideoID:     analysis.VideoID,
		TotalFrames: analysis.TotalFrames,
		Identities:  analysis.Identities,
		Actors:      []tmdb.Actor{},
		Movies:      []movieJSON{},
		Frames:      []string{},
	}

	if s.deps.Movies != nil && len(analysis.Identities) > 0 {
		actors, movies, err := s.deps.Movies.SharedMovies(ctx, analysis.Identities)
		if err != nil {
			s.logger.Warn("movie lookup failed", slog.String("run", run), logging.Err(err))
			resp.Warning = "movie lookup failed"
		} else {
			resp.Actors = actors
			for _, m := range movies {
				resp.Movies = append(resp.Movies, movieJSON{Title: m})
			}
		}
	}
	if len(resp.Actors) == 0 {
		for _, id := range analysis.Identities {
			resp.Actors = append(resp.Actors, tmdb.Actor{Name: gallery.DisplayName(id)})
		}
	}

	for _, f := range analysis.Frames {
		name := annotate.FrameName(f.Index)
		if _, err := os.Stat(filepath.Join(outputDir, name)); err == nil {
			resp.Frames = append(resp.Frames, "/results/"+run+"/"+name)
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// result serves one annotated frame of a finished run.
func (s *Server) result(w http.ResponseWriter, r *http.Request) {
	run := chi.URLParam(r, "run")
	file := chi.URLParam(r, "file")

	if _, err := uuid.Parse(run); err != nil {
		respondError(w, http.StatusNotFound, "unknown run")
		return
	}
	if file != filepath.Base(file) || !strings.EqualFold(filepath.Ext(file), ".jpg") {
		respondError(w, http.StatusNotFound, "unknown file")
		return
	}

	path := filepath.Join(s.cfg.ResultsDir, run, file)
	if _, err := os.Stat(path); err != nil {
		respondError(w, http.StatusNotFound, "unknown file")
		return
	}
	http.ServeFile(w, r, path)
}

func saveUpload(src multipart.File, dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, name)
	out, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return "", err
	}
	return path, out.Close()
}
