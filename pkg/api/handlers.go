package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ventisec/ventiscan/pkg/events"
	"github.com/ventisec/ventiscan/pkg/ratelimit"
	"github.com/ventisec/ventiscan/pkg/specstore"
	"github.com/ventisec/ventiscan/pkg/types"
)

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if ok, retryAfter := s.limiter.Allow(ratelimit.BucketLogin, ip); !ok {
		s.publishRateLimited(ratelimit.BucketLogin, "", r)
		writeRateLimited(w, retryAfter)
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("decode login request: %w", types.ErrBadRequest))
		return
	}

	token, p, expiresAt, err := s.auth.Authenticate(req.Login, req.Password)
	if err != nil {
		s.broker.Publish(&events.Event{
			Type:     events.EventLoginFailure,
			Message:  "login failed",
			Metadata: map[string]string{"login": req.Login, "remote": ip},
		})
		writeError(w, err)
		return
	}

	s.broker.Publish(&events.Event{
		Type:      events.EventLoginSuccess,
		Principal: p.Login,
		Message:   "login succeeded",
		Metadata:  map[string]string{"remote": ip},
	})
	writeJSON(w, http.StatusOK, loginResponse{Token: token, Role: string(p.Role), ExpiresAt: expiresAt})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	depth, scans := s.queue.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"queue_depth":  depth,
		"queued_scans": scans,
	})
}

type startScanRequest struct {
	TargetURL    string            `json:"target_url"`
	SpecURL      string            `json:"spec_url,omitempty"`
	SpecInline   string            `json:"spec,omitempty"`        // raw YAML or JSON document
	SpecBase64   string            `json:"spec_base64,omitempty"` // base64, optionally gzipped
	SpecFilename string            `json:"spec_filename,omitempty"`
	Options      types.ScanOptions `json:"options"`
}

// chunkView is the client-facing chunk projection.
type chunkView struct {
	ChunkIndex      int      `json:"chunk_index"`
	State           string   `json:"state"`
	Progress        int      `json:"progress"`
	CurrentEndpoint string   `json:"current_endpoint,omitempty"`
	Paths           []string `json:"paths"`
	ExitKind        string   `json:"exit_kind,omitempty"`
	Error           string   `json:"error,omitempty"`
}

type scanView struct {
	ScanID        string            `json:"scan_id"`
	TargetURL     string            `json:"target_url"`
	State         string            `json:"state"`
	Progress      int               `json:"progress"`
	CurrentPhase  string            `json:"current_phase"`
	FindingsCount int               `json:"findings_count"`
	ParallelMode  bool              `json:"parallel_mode"`
	TotalChunks   int               `json:"total_chunks"`
	Options       types.ScanOptions `json:"options"`
	Error         string            `json:"error,omitempty"`
	ChunkStatus   []chunkView       `json:"chunk_status"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

func viewOf(sc *types.Scan) scanView {
	v := scanView{
		ScanID:        sc.ID,
		TargetURL:     sc.TargetURL,
		State:         string(sc.State),
		Progress:      sc.Progress,
		CurrentPhase:  string(sc.CurrentPhase),
		FindingsCount: sc.FindingsCount,
		ParallelMode:  sc.ParallelMode,
		TotalChunks:   sc.TotalChunks(),
		Options:       sc.Options,
		Error:         sc.Error,
		CreatedAt:     sc.CreatedAt,
	}
	if !sc.StartedAt.IsZero() {
		t := sc.StartedAt
		v.StartedAt = &t
	}
	if !sc.CompletedAt.IsZero() {
		t := sc.CompletedAt
		v.CompletedAt = &t
	}
	for _, c := range sc.Chunks {
		v.ChunkStatus = append(v.ChunkStatus, chunkView{
			ChunkIndex:      c.Index,
			State:           string(c.State),
			Progress:        c.Progress,
			CurrentEndpoint: c.CurrentEndpoint,
			Paths:           c.Paths,
			ExitKind:        string(c.ExitKind),
			Error:           c.Error,
		})
	}
	return v
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)

	if ok, retryAfter := s.limiter.Allow(ratelimit.BucketStartScan, p.ID); !ok {
		s.publishRateLimited(ratelimit.BucketStartScan, p.Login, r)
		writeRateLimited(w, retryAfter)
		return
	}

	var req startScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("decode scan request: %w", types.ErrBadRequest))
		return
	}

	sources := 0
	for _, src := range []string{req.SpecURL, req.SpecInline, req.SpecBase64} {
		if src != "" {
			sources++
		}
	}
	if req.TargetURL == "" || sources != 1 {
		writeError(w, fmt.Errorf("target_url and exactly one spec source required: %w", types.ErrBadRequest))
		return
	}

	// Inline uploads have their own, tighter budget.
	if req.SpecInline != "" || req.SpecBase64 != "" {
		if ok, retryAfter := s.limiter.Allow(ratelimit.BucketUpload, p.ID); !ok {
			s.publishRateLimited(ratelimit.BucketUpload, p.Login, r)
			writeRateLimited(w, retryAfter)
			return
		}
	}

	opts := req.Options
	if opts.ChunkSize == 0 {
		opts.ChunkSize = s.cfg.DefaultChunkSize
	}
	opts.ApplyDefaults()

	// Privileged options require a live admin role, not just the claim.
	if opts.DangerousMode || opts.AllowInternal {
		if err := s.auth.RequireAdmin(p); err != nil {
			s.broker.Publish(&events.Event{
				Type:      events.EventAuthDenied,
				Principal: p.Login,
				Message:   "privileged scan options denied",
			})
			writeError(w, err)
			return
		}
	}

	for _, scanner := range opts.Scanners {
		if _, err := s.profiles.Get(scanner); err != nil {
			s.rejectInput(w, p, err)
			return
		}
	}

	// allow_internal waives only the host vetting; scheme, credential
	// and port checks still run.
	if err := s.validator.CheckTarget(r.Context(), req.TargetURL, opts.AllowInternal); err != nil {
		s.rejectInput(w, p, err)
		return
	}

	scanID := uuid.New().String()
	doc, err := s.ingestSpec(r, scanID, &req)
	if err != nil {
		s.rejectInput(w, p, err)
		return
	}

	chunks, err := s.planner.Plan(scanID, doc, opts)
	if err != nil {
		_ = s.specs.Remove(scanID)
		s.rejectInput(w, p, err)
		return
	}

	sc := &types.Scan{
		ID:           scanID,
		Owner:        p.ID,
		TargetURL:    req.TargetURL,
		SpecRef:      doc.RelPath,
		Options:      opts,
		ParallelMode: len(chunks) > 1,
		Chunks:       chunks,
	}
	if err := s.scans.Admit(sc); err != nil {
		_ = s.specs.Remove(scanID)
		writeError(w, err)
		return
	}

	admitted, err := s.scans.Get(scanID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(admitted))
}

func (s *Server) ingestSpec(r *http.Request, scanID string, req *startScanRequest) (*specstore.Document, error) {
	switch {
	case req.SpecURL != "":
		return s.specs.IngestURL(r.Context(), scanID, req.SpecURL)
	case req.SpecInline != "":
		return s.specs.IngestUpload(scanID, req.SpecFilename, []byte(req.SpecInline))
	default:
		data, err := base64.StdEncoding.DecodeString(req.SpecBase64)
		if err != nil {
			return nil, fmt.Errorf("spec_base64 is not valid base64: %w", types.ErrBadRequest)
		}
		return s.specs.IngestUpload(scanID, req.SpecFilename, data)
	}
}

// rejectInput maps a validation failure to the client and the audit
// stream in one place.
func (s *Server) rejectInput(w http.ResponseWriter, p *types.Principal, err error) {
	s.broker.Publish(&events.Event{
		Type:      events.EventInputRejected,
		Principal: p.Login,
		Message:   err.Error(),
	})
	writeError(w, err)
}

func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)

	owner := p.ID
	if p.Role == types.RoleAdmin {
		owner = "" // admins see every scan
	}

	scans := s.scans.List(owner)
	views := make([]scanView, 0, len(scans))
	for _, sc := range scans {
		views = append(views, viewOf(sc))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"scans": views})
}

// ownedScan fetches a scan the caller may act on. Non-admins get
// not-found for other owners' scans, so scan IDs do not leak existence.
func (s *Server) ownedScan(r *http.Request) (*types.Scan, error) {
	p := principalFrom(r)
	id := chi.URLParam(r, "id")

	sc, err := s.scans.Get(id)
	if err != nil {
		return nil, err
	}
	if p.Role != types.RoleAdmin && sc.Owner != p.ID {
		return nil, fmt.Errorf("scan %s: %w", id, types.ErrNotFound)
	}
	return sc, nil
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	sc, err := s.ownedScan(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sc))
}

func (s *Server) handleGetFindings(w http.ResponseWriter, r *http.Request) {
	sc, err := s.ownedScan(r)
	if err != nil {
		writeError(w, err)
		return
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	res, err := s.merger.Query(sc, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCancelScan(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	sc, err := s.ownedScan(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.scans.Cancel(sc.ID, p.Login); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.scans.Get(sc.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(updated))
}

func (s *Server) handleDeleteScan(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	sc, err := s.ownedScan(r)
	if err != nil {
		writeError(w, err)
		return
	}
	// Deleting an active scan cancels its workers first.
	if !sc.Terminal() {
		if err := s.scans.Cancel(sc.ID, p.Login); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := s.scans.Delete(sc.ID); err != nil {
		writeError(w, err)
		return
	}
	_ = s.specs.Remove(sc.ID)
	_ = s.merger.RemoveArtifacts(sc.ID)
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleListScanners(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"scanners": s.profiles.List()})
}

type createPrincipalRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (s *Server) handleCreatePrincipal(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if err := s.auth.RequireAdmin(p); err != nil {
		writeError(w, err)
		return
	}

	var req createPrincipalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("decode principal request: %w", types.ErrBadRequest))
		return
	}
	role := types.Role(req.Role)
	if role == "" {
		role = types.RoleUser
	}

	created, err := s.auth.CreatePrincipal(req.Login, req.Password, role)
	if err != nil {
		writeError(w, err)
		return
	}

	s.broker.Publish(&events.Event{
		Type:      events.EventAdminAction,
		Principal: p.Login,
		Message:   fmt.Sprintf("principal %s created with role %s", created.Login, created.Role),
	})
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":    created.ID,
		"login": created.Login,
		"role":  string(created.Role),
	})
}

func (s *Server) handleDeletePrincipal(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	if err := s.auth.RequireAdmin(p); err != nil {
		writeError(w, err)
		return
	}

	login := chi.URLParam(r, "login")
	if login == p.Login {
		writeError(w, fmt.Errorf("cannot deactivate own account: %w", types.ErrConflict))
		return
	}
	if err := s.auth.DeactivatePrincipal(login); err != nil {
		writeError(w, err)
		return
	}

	s.broker.Publish(&events.Event{
		Type:      events.EventAdminAction,
		Principal: p.Login,
		Message:   fmt.Sprintf("principal %s deactivated", login),
	})
	w.WriteHeader(http.StatusNoContent)
}
