package httpapi

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/bdougie/uicollage/internal/analyzer"
	"github.com/bdougie/uicollage/internal/collage"
	"github.com/bdougie/uicollage/internal/models"
)

type calculationRequest struct {
	Images []string `json:"images"`
}

// handleCalculation forwards three input images to the generation server. An
// upstream failure is reported with the upstream status.
func (s *Server) handleCalculation(w http.ResponseWriter, r *http.Request) {
	var req calculationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	refs, err := s.generator.RequestReferences(r.Context(), req.Images)
	if err != nil {
		var se *models.ServiceError
		if errors.As(err, &se) && se.Status != 0 {
			s.logger.Error("generation server error", "status", se.Status, "body", se.Body)
			writeError(w, se.Status, fmt.Sprintf("Server responded with %d", se.Status))
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": refs})
}

type uxFeedbackRequest struct {
	Images      []string        `json:"images"`
	Prompt      string          `json:"prompt"`
	Messages    []analyzer.Turn `json:"messages"`
	IsReference bool            `json:"isReference"`
	// AnalysisType is "initial", "reference" or "chat"
	AnalysisType string `json:"analysisType"`
}

// handleUXFeedback runs a single critique. Bad images are a 400, anything
// else that fails is a 500 carrying the error message.
func (s *Server) handleUXFeedback(w http.ResponseWriter, r *http.Request) {
	var req uxFeedbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Images == nil {
		writeError(w, http.StatusBadRequest, "image data is invalid")
		return
	}
	if err := analyzer.ValidateImages(req.Images); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	text, err := s.analyzer.Analyze(r.Context(), analyzer.Request{
		Images:    req.Images,
		Prompt:    req.Prompt,
		Messages:  req.Messages,
		Reference: req.IsReference || req.AnalysisType == "reference",
	})
	if err != nil {
		s.logger.Error("ux feedback failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"analysis": text})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	msg, err := s.generator.Ping(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	ws := s.workspace(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"images": ws.Images(),
		"video":  ws.Video(),
	})
}

func readUploads(headers []*multipart.FileHeader) ([]collage.Upload, error) {
	out := make([]collage.Upload, 0, len(headers))
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", h.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", h.Filename, err)
		}
		out = append(out, collage.Upload{
			Name:        h.Filename,
			ContentType: h.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return out, nil
}

func (s *Server) parseForm(w http.ResponseWriter, r *http.Request, field string) ([]collage.Upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, err
		}
		return nil, models.Invalid("invalid form data")
	}
	headers := r.MultipartForm.File[field]
	if len(headers) == 0 {
		return nil, models.Invalid("file is required (field: %s)", field)
	}
	return readUploads(headers)
}

func (s *Server) handleUploadImages(w http.ResponseWriter, r *http.Request) {
	uploads, err := s.parseForm(w, r, "images")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	added, err := s.workspace(r).AddImages(r.Context(), uploads)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"images": added})
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	if err := s.workspace(r).RemoveImage(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.previews.Open(r.Context(), r.PathValue("key"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleUploadVideo(w http.ResponseWriter, r *http.Request) {
	uploads, err := s.parseForm(w, r, "video")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	video, images, err := s.workspace(r).UploadVideo(r.Context(), uploads[0])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"video": video, "images": images})
}

func (s *Server) handleDeleteVideo(w http.ResponseWriter, r *http.Request) {
	if err := s.workspace(r).RemoveVideo(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleMarks(w http.ResponseWriter, r *http.Request) {
	state, err := s.workspace(r).Marks()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type markRequest struct {
	Time float64 `json:"time"`
}

func (s *Server) handleMark(w http.ResponseWriter, r *http.Request) {
	slot, err := strconv.Atoi(r.PathValue("slot"))
	if err != nil {
		s.fail(w, r, models.Invalid("slot must be a number"))
		return
	}
	var req markRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	marked, err := s.workspace(r).Mark(r.Context(), slot, req.Time)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, marked)
}

func (s *Server) handleSaveMarks(w http.ResponseWriter, r *http.Request) {
	images, saved, err := s.workspace(r).SaveMarks(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"saved": saved, "images": images})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	res, err := s.workspace(r).Submit(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type ratingRequest struct {
	Score   int    `json:"score"`
	Comment string `json:"comment"`
}

func (s *Server) handleRating(w http.ResponseWriter, r *http.Request) {
	var req ratingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rating, err := s.workspace(r).Rate(r.Context(), req.Score, req.Comment)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rating)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.workspace(r).Chat())
}

type chatRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	ws := s.workspace(r)
	msgs, err := ws.SendChat(r.Context(), req.Text)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []models.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "state": ws.Chat().State})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	h, err := s.workspace(r).History(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	limit := 5
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(w, r, models.Invalid("limit must be a positive number"))
			return
		}
		limit = n
	}
	similar, err := s.workspace(r).Similar(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if similar == nil {
		similar = []models.SimilarSet{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": similar, "count": len(similar)})
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, userID(r))
}
