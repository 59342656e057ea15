package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dj-oyu/pose-coach/scoring-server/internal/detector"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/events"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/library"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/live"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/logger"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/media"
	"github.com/dj-oyu/pose-coach/scoring-server/internal/pipeline"
	"github.com/google/uuid"
)

const multipartMemory = 32 << 20

// handleCompareStream accepts the user video plus a reference video or
// reference id and streams the run as server-sent events.
func (s *Server) handleCompareStream(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "batch comparison is not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload: %v", err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	job, err := s.buildJob(r)
	if err != nil {
		removeAll(job.Cleanup)
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	em := events.NewEmitter(s.cfg.EventBuffer)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_, _ = s.runner.Run(ctx, job, em)
	}()

	logger.Info("HTTP", "streaming run %s", job.ID)
	if err := events.StreamSSE(ctx, w, em.Events(), events.WantsProtobuf(r.Header.Get("Accept")), s.cfg.Keepalive); err != nil {
		logger.Info("HTTP", "run %s stream ended early: %v", job.ID, err)
		cancel()
		em.Abandon()
	}
	<-finished
}

func (s *Server) buildJob(r *http.Request) (pipeline.Job, error) {
	job := pipeline.Job{ID: uuid.NewString()}

	user := formFile(r, "user_video")
	if user == nil {
		return job, errors.New("user_video is required")
	}
	ref := formFile(r, "reference_video")
	job.ReferenceID = r.FormValue("reference_id")
	if (ref == nil) == (job.ReferenceID == "") {
		return job, errors.New("exactly one of reference_video or reference_id is required")
	}

	if v := r.FormValue("tolerance"); v != "" {
		tol, err := strconv.ParseFloat(v, 64)
		if err != nil || tol <= 0 {
			return job, errors.New("tolerance must be a positive number")
		}
		job.Tolerance = tol
	}
	if v := r.FormValue("reference_start"); v != "" {
		start, err := strconv.Atoi(v)
		if err != nil || start < 0 {
			return job, errors.New("reference_start must be a non-negative integer")
		}
		job.ReferenceStart = start
	}

	path, err := saveUpload(user, s.cfg.UploadDir)
	if err != nil {
		return job, err
	}
	job.UserVideoPath = path
	job.Cleanup = append(job.Cleanup, path)

	if ref != nil {
		path, err := saveUpload(ref, s.cfg.UploadDir)
		if err != nil {
			return job, err
		}
		job.ReferenceVideoPath = path
		job.Cleanup = append(job.Cleanup, path)
	}
	return job, nil
}

type comparePoseRequest struct {
	UserImage           string `json:"user_image"`
	ReferenceID         string `json:"reference_id"`
	ReferenceFrameIndex int    `json:"reference_frame_index"`
}

type comparePoseResponse struct {
	Score          float64 `json:"score"`
	WrongKeypoints []int   `json:"wrong_keypoints"`
	TotalKeypoints int     `json:"total_keypoints"`
}

// handleComparePose scores one still image against one reference frame.
func (s *Server) handleComparePose(w http.ResponseWriter, r *http.Request) {
	if s.live == nil {
		writeError(w, http.StatusServiceUnavailable, "pose comparison is not configured")
		return
	}
	var req comparePoseRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: %v", err)
		return
	}
	if req.UserImage == "" || req.ReferenceID == "" {
		writeError(w, http.StatusBadRequest, "user_image and reference_id are required")
		return
	}
	img, err := media.DecodeBase64(req.UserImage)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	msg, err := s.live.CompareOnce(r.Context(), req.ReferenceID, img, req.ReferenceFrameIndex)
	if err != nil {
		writeError(w, compareStatus(err), "%v", err)
		return
	}
	writeJSON(w, comparePoseResponse{
		Score:          msg.Score,
		WrongKeypoints: msg.WrongKeypoints,
		TotalKeypoints: msg.TotalKeypoints,
	})
}

func compareStatus(err error) int {
	switch {
	case errors.Is(err, library.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, library.ErrNotIndexed):
		return http.StatusConflict
	case errors.Is(err, media.ErrDecodeFailure):
		return http.StatusBadRequest
	case errors.Is(err, live.ErrNoUserPose), errors.Is(err, live.ErrNotComparable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, detector.ErrAdapterUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

type liveOfferRequest struct {
	SDP         string `json:"sdp"`
	Type        string `json:"type"`
	ReferenceID string `json:"reference_id"`
}

// handleLiveOffer opens a live session over WebRTC. The reference id comes
// from the query string or the offer body.
func (s *Server) handleLiveOffer(w http.ResponseWriter, r *http.Request) {
	if s.webrtc == nil {
		writeError(w, http.StatusServiceUnavailable, "live sessions are not configured")
		return
	}
	var req liveOfferRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil || req.SDP == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "Invalid offer data")
		return
	}
	refID := r.URL.Query().Get("reference_id")
	if refID == "" {
		refID = req.ReferenceID
	}
	if refID == "" {
		writeError(w, http.StatusBadRequest, "reference_id is required")
		return
	}

	offer, _ := json.Marshal(map[string]string{"type": req.Type, "sdp": req.SDP})
	answer, err := s.webrtc.HandleOffer(r.Context(), refID, offer)
	if err != nil {
		logger.Warn("HTTP", "live offer for %s failed: %v", refID, err)
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, library.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, library.ErrNotIndexed):
			status = http.StatusConflict
		case errors.Is(err, live.ErrTooManySessions), errors.Is(err, live.ErrManagerClosed):
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, "Failed to handle offer: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}
