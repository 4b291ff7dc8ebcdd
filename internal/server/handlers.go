package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"

	"motionbrush/internal/kling"
	"motionbrush/internal/layers"
	"motionbrush/internal/pathextract"
	"motionbrush/internal/pipeline"
	"motionbrush/internal/storage"
)

// extractResponse is returned by POST /extract.
type extractResponse struct {
	JobID        string                       `json:"job_id"`
	Direction    string                       `json:"direction"`
	Points       pathextract.WaypointSequence `json:"points"`
	PointsText   string                       `json:"points_text"`
	MaskURL      string                       `json:"mask_url,omitempty"`
	CompositePNG string                       `json:"composite_png,omitempty"`
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("parse form: %w", err))
		return
	}

	loaded := map[string]image.Image{}
	for _, field := range []string{layers.SurfacePath, layers.SurfaceDynamic, layers.SurfaceStatic} {
		img, err := formImage(r.MultipartForm, field)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		loaded[field] = img
	}

	upload, _ := strconv.ParseBool(r.FormValue("upload"))
	job := pipeline.Job{
		ID:   pipeline.NewJobID(string(pipeline.JobExtract)),
		Type: pipeline.JobExtract,
		Options: map[string]any{
			pipeline.OptLayers:    layers.NewSet(loaded[layers.SurfaceDynamic], loaded[layers.SurfaceStatic], loaded[layers.SurfacePath]),
			pipeline.OptDirection: r.FormValue("direction"),
			pipeline.OptUpload:    upload,
		},
	}

	res, err := pipeline.SubmitAndWait(r.Context(), s.queue, job)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	resp := extractResponse{JobID: job.ID}
	resp.Direction, _ = res.Meta["direction"].(string)
	resp.Points, _ = res.Meta["points"].(pathextract.WaypointSequence)
	resp.PointsText, _ = res.Meta["points_text"].(string)
	resp.MaskURL, _ = res.Meta["mask_url"].(string)
	if resp.Points == nil {
		resp.Points = pathextract.WaypointSequence{}
	}
	if resp.MaskURL == "" {
		if path, ok := res.Meta["composite"].(string); ok {
			data, err := os.ReadFile(path)
			if err != nil {
				writeError(w, http.StatusInternalServerError, fmt.Errorf("read composite: %w", err))
				return
			}
			resp.CompositePNG = base64.StdEncoding.EncodeToString(data)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// formImage decodes an uploaded image field. A missing field yields nil.
func formImage(form *multipart.Form, field string) (image.Image, error) {
	files := form.File[field]
	if len(files) == 0 {
		return nil, nil
	}
	f, err := files[0].Open()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	defer f.Close()
	img, _, err := layers.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return img, nil
}

// generateRequest is the body of POST /generate. Points may be given either
// as a JSON array or in the textual form accepted by the UI.
type generateRequest struct {
	Prompt         string          `json:"prompt"`
	NegativePrompt string          `json:"negative_prompt"`
	ImageURL       string          `json:"image_url"`
	ImageTailURL   string          `json:"image_tail_url"`
	MaskURL        string          `json:"mask_url"`
	Points         json.RawMessage `json:"points"`
}

func (g generateRequest) points() (pathextract.WaypointSequence, error) {
	if len(g.Points) == 0 || string(g.Points) == "null" {
		return pathextract.WaypointSequence{}, nil
	}
	var text string
	if err := json.Unmarshal(g.Points, &text); err == nil {
		return kling.ParsePoints(text)
	}
	var pts pathextract.WaypointSequence
	if err := json.Unmarshal(g.Points, &pts); err != nil {
		return nil, fmt.Errorf("points: %w", err)
	}
	if len(pts) > pathextract.MaxWaypoints {
		return nil, fmt.Errorf("points: %d points exceeds limit of %d", len(pts), pathextract.MaxWaypoints)
	}
	return pts, nil
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.ImageURL == "" || req.MaskURL == "" {
		writeError(w, http.StatusBadRequest, errors.New("image_url and mask_url are required"))
		return
	}
	pts, err := req.points()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	job := pipeline.Job{
		ID:   pipeline.NewJobID(string(pipeline.JobGenerate)),
		Type: pipeline.JobGenerate,
		Options: map[string]any{
			pipeline.OptPrompt:         req.Prompt,
			pipeline.OptNegativePrompt: req.NegativePrompt,
			pipeline.OptImageURL:       req.ImageURL,
			pipeline.OptImageTailURL:   req.ImageTailURL,
			pipeline.OptMaskURL:        req.MaskURL,
			pipeline.OptPoints:         kling.FormatPoints(pts),
		},
	}
	if err := s.queue.Submit(job); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	s.log.Info("generation queued", "id", job.ID, "points", len(pts))
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": "queued"})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var missing *layers.MissingLayerError
	var apiErr *kling.APIError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &missing),
		errors.Is(err, pathextract.ErrMissingLayer),
		errors.Is(err, pathextract.ErrInvalidDirection):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, pipeline.ErrNoPublisher), errors.Is(err, kling.ErrMissingAPIKey):
		return http.StatusServiceUnavailable
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
