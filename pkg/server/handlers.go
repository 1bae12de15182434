package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orneryd/assetcore/pkg/asset"
	"github.com/orneryd/assetcore/pkg/manager"
)

const (
	codeBadRequest = "bad_request"
	codeNotFound   = "not_found"
	codeConflict   = "in_progress"
	codeLoadFailed = "load_failed"
	codeInternal   = "internal"
)

var errInternal = errors.New("internal server error")

// APIError is the body of an error response.
type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// ErrorEnvelope wraps APIError.
type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func respondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.AbortWithStatusJSON(status, ErrorEnvelope{Error: APIError{Message: msg, Code: code}})
}

// AssetView is the JSON form of an asset.
type AssetView struct {
	ID           string      `json:"id"`
	Path         string      `json:"path"`
	Type         asset.Type  `json:"type"`
	State        asset.State `json:"state"`
	FileSize     int64       `json:"file_size"`
	RefCount     int         `json:"ref_count"`
	LoadSeq      uint64      `json:"load_seq,omitempty"`
	LoadTime     *time.Time  `json:"load_time,omitempty"`
	LastError    string      `json:"last_error,omitempty"`
	Dependencies []string    `json:"dependencies,omitempty"`
	Dependents   []string    `json:"dependents,omitempty"`
}

func viewOf(m *asset.Metadata) AssetView {
	v := AssetView{
		ID:        m.ID.String(),
		Path:      m.Path,
		Type:      m.Type,
		State:     m.State,
		FileSize:  m.FileSize,
		RefCount:  m.RefCount,
		LoadSeq:   m.LoadSeq,
		LastError: m.LastError,
	}
	if !m.LoadTime.IsZero() {
		t := m.LoadTime
		v.LoadTime = &t
	}
	for _, d := range m.Dependencies {
		v.Dependencies = append(v.Dependencies, d.String())
	}
	for _, d := range m.Dependents {
		v.Dependents = append(v.Dependents, d.String())
	}
	return v
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

type statsResponse struct {
	Assets manager.Stats `json:"assets"`
	Server ServerStats   `json:"server"`
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, statsResponse{Assets: s.backend.Stats(), Server: s.Stats()})
}

func (s *Server) handleListAssets(c *gin.Context) {
	var metas []*asset.Metadata
	if t := c.Query("type"); t != "" {
		typ, err := asset.ParseType(t)
		if err != nil {
			respondError(c, http.StatusBadRequest, codeBadRequest, err)
			return
		}
		metas = s.backend.AssetsByType(typ)
	} else {
		metas = s.backend.Assets()
	}

	state := c.Query("state")
	views := make([]AssetView, 0, len(metas))
	for _, m := range metas {
		if state != "" && m.State.String() != state {
			continue
		}
		views = append(views, viewOf(m))
	}
	c.JSON(http.StatusOK, gin.H{"assets": views, "count": len(views)})
}

func (s *Server) handleGetAsset(c *gin.Context) {
	meta, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewOf(meta))
}

func (s *Server) handleLoad(c *gin.Context) {
	meta, ok := s.lookup(c)
	if !ok {
		return
	}
	priority, err := asset.ParsePriority(c.Query("priority"))
	if err != nil {
		respondError(c, http.StatusBadRequest, codeBadRequest, err)
		return
	}
	wait, _ := strconv.ParseBool(c.DefaultQuery("wait", "false"))

	if wait {
		ctx, cancel := s.loadContext(c)
		defer cancel()
		if err := s.backend.Load(ctx, meta.ID); err != nil {
			s.respondLoadError(c, err)
			return
		}
		s.respondAsset(c, http.StatusOK, meta.ID)
		return
	}

	// Queued requests must outlive the HTTP request.
	if err := s.backend.Request(context.WithoutCancel(c.Request.Context()), meta.ID, priority); err != nil {
		s.respondLoadError(c, err)
		return
	}
	s.respondAsset(c, http.StatusAccepted, meta.ID)
}

func (s *Server) handleReload(c *gin.Context) {
	meta, ok := s.lookup(c)
	if !ok {
		return
	}
	ctx, cancel := s.loadContext(c)
	defer cancel()
	if err := s.backend.Reload(ctx, meta.ID); err != nil {
		s.respondLoadError(c, err)
		return
	}
	s.respondAsset(c, http.StatusOK, meta.ID)
}

func (s *Server) lookup(c *gin.Context) (*asset.Metadata, bool) {
	id, err := asset.ParseID(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, codeBadRequest, err)
		return nil, false
	}
	meta, ok := s.backend.Asset(id)
	if !ok {
		respondError(c, http.StatusNotFound, codeNotFound, asset.ErrNotRegistered)
		return nil, false
	}
	return meta, true
}

func (s *Server) loadContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if s.config.LoadTimeout > 0 {
		return context.WithTimeout(c.Request.Context(), s.config.LoadTimeout)
	}
	return context.WithCancel(c.Request.Context())
}

func (s *Server) respondAsset(c *gin.Context, status int, id asset.ID) {
	meta, ok := s.backend.Asset(id)
	if !ok {
		respondError(c, http.StatusNotFound, codeNotFound, asset.ErrNotRegistered)
		return
	}
	c.JSON(status, viewOf(meta))
}

func (s *Server) respondLoadError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, asset.ErrAlreadyInProgress):
		respondError(c, http.StatusConflict, codeConflict, err)
	case errors.Is(err, asset.ErrNotRegistered):
		respondError(c, http.StatusNotFound, codeNotFound, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		respondError(c, http.StatusGatewayTimeout, codeLoadFailed, err)
	default:
		respondError(c, http.StatusUnprocessableEntity, codeLoadFailed, err)
	}
}
