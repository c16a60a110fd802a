package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/galleryspider/internal/gallery"
	"github.com/JakeFAU/galleryspider/internal/spider"
)

type acquireRequest struct {
	GID   int64  `json:"gid"`
	Token string `json:"token"`
	Mode  string `json:"mode"`
}

// acquireGallery handles POST /v1/galleries. It adds one holder of the
// requested mode and answers 201 with the engine snapshot, 400 for a bad
// body, or 409 when download mode is already held.
func (s *Server) acquireGallery(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	mode, err := spider.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ref := gallery.Ref{ID: req.GID, Token: req.Token}
	if err := ref.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e, err := s.galleries.Acquire(r.Context(), ref, mode)
	if err != nil {
		if errors.Is(err, spider.ErrDownloadModeHeld) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("acquire gallery failed", zap.Int64("gid", ref.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to open gallery")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"gallery": toSnapshotDTO(e.Snapshot())})
}

// getGallery handles GET /v1/galleries/{gid}.
func (s *Server) getGallery(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"gallery": toSnapshotDTO(e.Snapshot())})
}

// releaseGallery handles DELETE /v1/galleries/{gid}?mode=. Releasing a mode
// without holders answers 409 and changes nothing.
func (s *Server) releaseGallery(w http.ResponseWriter, r *http.Request) {
	mode, err := spider.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	if err := s.galleries.Release(e, mode); err != nil {
		if errors.Is(err, spider.ErrReferenceUnderflow) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"gallery": toSnapshotDTO(e.Snapshot())})
}

// requestPage handles GET /v1/galleries/{gid}/pages/{index}?neighbors=true.
func (s *Server) requestPage(w http.ResponseWriter, r *http.Request) {
	neighbors := false
	if v := r.URL.Query().Get("neighbors"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid neighbors")
			return
		}
		neighbors = b
	}
	s.page(w, r, func(e *spider.Engine, index int) spider.Status {
		return e.Request(index, neighbors)
	})
}

// forcePage handles POST /v1/galleries/{gid}/pages/{index}/force.
func (s *Server) forcePage(w http.ResponseWriter, r *http.Request) {
	s.page(w, r, func(e *spider.Engine, index int) spider.Status {
		return e.ForceRequest(index)
	})
}

func (s *Server) page(w http.ResponseWriter, r *http.Request, call func(*spider.Engine, int) spider.Status) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "invalid page index")
		return
	}
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	st := call(e, index)
	switch {
	case errors.Is(st.Err, spider.ErrOutOfRange):
		writeError(w, http.StatusNotFound, st.Err.Error())
	case errors.Is(st.Err, spider.ErrStopped):
		writeError(w, http.StatusGone, st.Err.Error())
	case errors.Is(st.Err, spider.ErrMetadataUnavailable):
		writeError(w, http.StatusBadGateway, st.Err.Error())
	default:
		status := http.StatusOK
		if st.Pending() {
			status = http.StatusAccepted
		}
		writeJSON(w, status, map[string]any{"page": toPageDTO(index, st)})
	}
}

func (s *Server) engine(w http.ResponseWriter, r *http.Request) (*spider.Engine, bool) {
	gid, err := strconv.ParseInt(chi.URLParam(r, "gid"), 10, 64)
	if err != nil || gid <= 0 {
		writeError(w, http.StatusBadRequest, "invalid gid")
		return nil, false
	}
	e, ok := s.galleries.Get(gid)
	if !ok {
		writeError(w, http.StatusNotFound, "gallery not open")
		return nil, false
	}
	return e, true
}

type snapshotDTO struct {
	GID          int64          `json:"gid"`
	Token        string         `json:"token"`
	Session      string         `json:"session"`
	Pages        int            `json:"pages"`
	Finished     int            `json:"finished"`
	Downloaded   int            `json:"downloaded"`
	Downloading  int            `json:"downloading"`
	Failed       map[int]string `json:"failed,omitempty"`
	ReadRefs     int            `json:"read_refs"`
	DownloadRefs int            `json:"download_refs"`
	Stopped      bool           `json:"stopped"`
	Error        string         `json:"error,omitempty"`
}

func toSnapshotDTO(s spider.Snapshot) snapshotDTO {
	dto := snapshotDTO{
		GID:          s.Ref.ID,
		Token:        s.Ref.Token,
		Session:      s.Session.String(),
		Pages:        s.PageCount,
		Finished:     s.Finished,
		Downloaded:   s.Downloaded,
		Downloading:  s.Downloading,
		ReadRefs:     s.ReadRefs,
		DownloadRefs: s.DownloadRefs,
		Stopped:      s.Stopped,
	}
	if len(s.Failed) > 0 {
		dto.Failed = s.Failed
	}
	if s.Err != nil {
		dto.Error = s.Err.Error()
	}
	return dto
}

type pageDTO struct {
	Index   int     `json:"index"`
	State   string  `json:"state"`
	Percent float64 `json:"percent"`
	Error   string  `json:"error,omitempty"`
}

func toPageDTO(index int, st spider.Status) pageDTO {
	dto := pageDTO{Index: index, State: st.State.String(), Percent: st.Percent}
	if st.Err != nil {
		dto.Error = st.Err.Error()
	}
	return dto
}
