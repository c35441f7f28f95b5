package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/SimplyPrint/srix-agent/internal/config"
	"github.com/SimplyPrint/srix-agent/internal/core"
	"github.com/SimplyPrint/srix-agent/internal/logging"
	"github.com/SimplyPrint/srix-agent/internal/reader"
	"github.com/SimplyPrint/srix-agent/internal/settings"
	"github.com/SimplyPrint/srix-agent/internal/snapshot"
)

// Version information (set via ldflags in production builds)
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

func init() {
	// If version wasn't set via ldflags, this is a dev build
	// Try to get VCS info from Go's build info
	if Version == "" {
		Version = "dev"
		if info, ok := debug.ReadBuildInfo(); ok {
			var vcsRevision, vcsTime string
			var vcsModified bool
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs.revision":
					vcsRevision = setting.Value
				case "vcs.time":
					vcsTime = setting.Value
				case "vcs.modified":
					vcsModified = setting.Value == "true"
				}
			}
			if vcsRevision != "" {
				shortCommit := vcsRevision
				if len(shortCommit) > 7 {
					shortCommit = shortCommit[:7]
				}
				GitCommit = vcsRevision
				Version = "dev-" + shortCommit
				if vcsModified {
					Version += "-dirty"
				}
			}
			if vcsTime != "" {
				BuildTime = vcsTime
			}
		}
	}
}

const (
	// maxDumpBody bounds uploaded dumps (a snapshot of the largest profile is well below it).
	maxDumpBody = 64 * 1024

	defaultTagWait        = 10 * time.Second
	defaultConfirmTimeout = 60 * time.Second
)

// ErrBusy is returned when another tag operation holds the reader.
var ErrBusy = errors.New("reader busy")

// Opener connects to the reader and waits for a tag.
type Opener func(ctx context.Context) (reader.Handle, error)

// Server exposes tag operations over HTTP and WebSocket.
type Server struct {
	cfg     *config.Config
	profile core.TagProfile
	open    Opener

	busy sync.Mutex // one tag operation at a time

	hub       *WSHub
	hubOnce   sync.Once
	hubCancel context.CancelFunc

	tagWait        time.Duration
	confirmTimeout time.Duration
	shutdown       func()
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithShutdownHandler enables POST /v1/shutdown.
func WithShutdownHandler(fn func()) ServerOption {
	return func(s *Server) {
		s.shutdown = fn
	}
}

// WithTagWait bounds how long a request waits for a tag to be presented.
func WithTagWait(d time.Duration) ServerOption {
	return func(s *Server) {
		s.tagWait = d
	}
}

// WithConfirmTimeout bounds how long a remote confirmation prompt stays open. An unanswered
// prompt is declined.
func WithConfirmTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.confirmTimeout = d
	}
}

// NewServer creates a Server for the configured tag type.
func NewServer(cfg *config.Config, open Opener, opts ...ServerOption) (*Server, error) {
	if open == nil {
		return nil, errors.New("opener cannot be nil")
	}
	profile, err := cfg.Profile()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:            cfg,
		profile:        profile,
		open:           open,
		hub:            NewWSHub(),
		tagWait:        defaultTagWait,
		confirmTimeout: defaultConfirmTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler constructs and returns the HTTP mux for the API.
func (s *Server) Handler() http.Handler {
	s.startHub()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/version", corsMiddleware(s.handleVersion))
	mux.HandleFunc("/v1/health", corsMiddleware(s.handleHealth))
	mux.HandleFunc("/v1/devices", corsMiddleware(s.handleDevices))
	mux.HandleFunc("/v1/logs", corsMiddleware(handleLogs))
	mux.HandleFunc("/v1/crashes", corsMiddleware(handleCrashes))
	mux.HandleFunc("/v1/settings", corsMiddleware(handleSettings))
	mux.HandleFunc("/v1/shutdown", corsMiddleware(s.handleShutdown))
	mux.HandleFunc("/v1/tag/info", corsMiddleware(s.handleTagInfo))
	mux.HandleFunc("/v1/tag/dump", corsMiddleware(s.handleTagDump))
	mux.HandleFunc("/v1/tag/diff", corsMiddleware(s.handleTagDiff))
	mux.HandleFunc("/v1/ws", s.handleWebSocket)
	return mux
}

// ListenAndServe serves the API on the configured address until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.cfg.Address()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves the API on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.Close()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	logging.Info(logging.CatHTTP, "API listening", map[string]any{
		"address": ln.Addr().String(),
	})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) startHub() {
	s.hubOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.hubCancel = cancel
		go s.hub.Run(ctx)
	})
}

// Close stops the WebSocket hub and disconnects its clients.
func (s *Server) Close() {
	s.startHub()
	s.hubCancel()
}

// withSession opens the reader, waits for a tag and runs fn on a fresh Session. It fails with
// ErrBusy instead of queueing when another operation is running.
func (s *Server) withSession(ctx context.Context, fn func(*core.Session) error, opts ...core.Option) error {
	if !s.busy.TryLock() {
		return ErrBusy
	}
	defer s.busy.Unlock()

	openCtx, cancel := context.WithTimeout(ctx, s.tagWait)
	h, err := s.open(openCtx)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Close(); err != nil {
			logging.Warn(logging.CatReader, "Failed to close reader", map[string]any{
				"reader": h.Name(),
				"error":  err.Error(),
			})
		}
	}()

	sess, err := core.NewSession(h, s.profile, opts...)
	if err != nil {
		return err
	}
	return fn(sess)
}

// recoveryMiddleware catches panics and logs them to crash files.
func recoveryMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				where := fmt.Sprintf("HTTP %s %s", r.Method, r.URL.Path)
				crashFile := logging.ReportPanic(where, rec, debug.Stack())

				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error":     "internal server error",
					"crashFile": crashFile,
				})
			}
		}()
		next(w, r)
	}
}

// corsMiddleware adds CORS headers to allow browser access from any origin.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		recoveryMiddleware(next)(w, r)
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data) // Error logged but not returned (header already sent)
}

// respondError maps engine and reader errors to HTTP statuses.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var (
		sizeErr    *core.SizeMismatchError
		profileErr *core.ProfileMismatchError
		rangeErr   *core.AddressOutOfRangeError
		reachErr   *core.UnreachableBlocksError
	)
	switch {
	case errors.Is(err, ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, reader.ErrNoDevice):
		status = http.StatusServiceUnavailable
	case errors.Is(err, reader.ErrNoTag), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusNotFound
	case errors.As(err, &sizeErr), errors.As(err, &profileErr), errors.As(err, &rangeErr),
		errors.As(err, &reachErr):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logging.Error(logging.CatHTTP, "Tag operation failed", map[string]any{
			"error": err.Error(),
		})
		logging.CaptureError(err, "http", nil)
	}
	respondJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, http.StatusOK, versionInfo())
}

func versionInfo() map[string]interface{} {
	return map[string]interface{}{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	respondJSON(w, http.StatusOK, s.healthInfo())
}

func (s *Server) healthInfo() map[string]interface{} {
	// Listing devices is the basic health check
	info := map[string]interface{}{
		"status":  "ok",
		"driver":  s.cfg.Driver,
		"tagType": s.profile.Name,
	}
	devices, err := reader.ListDevices(s.cfg.Driver)
	if err != nil {
		info["status"] = "degraded"
		info["error"] = err.Error()
	}
	info["readerCount"] = len(devices)
	return info
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	devices, err := reader.ListDevices(s.cfg.Driver)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, devices)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	if s.shutdown == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "shutdown not available",
		})
		return
	}

	logging.Info(logging.CatSystem, "Shutdown requested via API", nil)
	respondJSON(w, http.StatusOK, map[string]string{
		"success": "shutting down",
	})

	// Trigger shutdown after response is sent
	go s.shutdown()
}

// TagInfoResponse is the JSON form of core.TagInfo.
type TagInfoResponse struct {
	UID          string        `json:"uid"`
	Manufacturer string        `json:"manufacturer"`
	Details      *core.TagInfo `json:"details"`
}

func newTagInfoResponse(info *core.TagInfo) TagInfoResponse {
	return TagInfoResponse{
		UID:          info.UID.Hex(),
		Manufacturer: info.UID.ManufacturerName(),
		Details:      info,
	}
}

func (s *Server) handleTagInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	var info *core.TagInfo
	err := s.withSession(r.Context(), func(sess *core.Session) error {
		var err error
		info, err = sess.ReadTagInfo(r.Context())
		return err
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newTagInfoResponse(info))
}

// BlockJSON is one block of a dump.
type BlockJSON struct {
	Address uint16 `json:"address"`
	Data    string `json:"data"`
	Label   string `json:"label"`
}

// DumpResponse is the JSON form of a tag dump.
type DumpResponse struct {
	Profile string      `json:"profile"`
	Blocks  []BlockJSON `json:"blocks"`
	Data    []byte      `json:"data,omitempty"` // Raw image, base64 in JSON
}

func newDumpResponse(img *core.Image) DumpResponse {
	resp := DumpResponse{
		Profile: img.Profile().Name,
		Blocks:  make([]BlockJSON, img.Profile().BlockCount),
	}
	for i := range resp.Blocks {
		addr := core.Address(i)
		resp.Blocks[i] = BlockJSON{
			Address: uint16(addr),
			Data:    fmt.Sprintf("%08X", img.Word(addr)),
			Label:   core.Label(addr),
		}
	}
	return resp
}

func (s *Server) handleTagDump(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	format := strings.ToLower(r.URL.Query().Get("format"))
	switch format {
	case "", "json", "raw", "snapshot":
	default:
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "unknown format: " + format,
		})
		return
	}

	var img *core.Image
	var info *core.TagInfo
	err := s.withSession(r.Context(), func(sess *core.Session) error {
		var err error
		if format == "snapshot" {
			if info, err = sess.ReadTagInfo(r.Context()); err != nil {
				return err
			}
		}
		img, err = sess.ReadImage(r.Context())
		return err
	})
	if err != nil {
		respondError(w, err)
		return
	}

	switch format {
	case "raw":
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(img.Profile().EEPROMSize))
		w.WriteHeader(http.StatusOK)
		_, _ = img.WriteTo(w)
	case "snapshot":
		snap := snapshot.New(img, info.UID.Raw[:], &info.System.Raw)
		snap.Note = r.URL.Query().Get("note")
		data, err := snap.Encode()
		if err != nil {
			respondError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/cbor")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", info.UID.Hex()+snapshot.Extension))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	default:
		respondJSON(w, http.StatusOK, newDumpResponse(img))
	}
}

// PlanResponse describes the writes needed to program a dump.
type PlanResponse struct {
	Empty      bool           `json:"empty"`
	TouchesOTP bool           `json:"touchesOtp"`
	Plan       []core.WriteOp `json:"plan"`
	Preview    []core.WriteOp `json:"preview"`
}

func newPlanResponse(plan *core.WritePlan) PlanResponse {
	resp := PlanResponse{
		Empty:      plan.Empty(),
		TouchesOTP: plan.TouchesOTPRegion(),
		Plan:       plan.Ops,
		Preview:    plan.Preview(),
	}
	if resp.Plan == nil {
		resp.Plan = []core.WriteOp{}
	}
	if resp.Preview == nil {
		resp.Preview = []core.WriteOp{}
	}
	return resp
}

// decodeDump parses an uploaded dump, raw bytes or a snapshot.
func decodeDump(data []byte, format string, profile core.TagProfile) (*core.Image, error) {
	if format != "snapshot" {
		return core.LoadImage(data, profile)
	}
	snap, err := snapshot.Decode(data)
	if err != nil {
		return nil, err
	}
	if snap.Profile() != profile {
		return nil, &core.ProfileMismatchError{Current: profile, Desired: snap.Profile()}
	}
	return snap.Image, nil
}

func (s *Server) handleTagDiff(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxDumpBody))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": "failed to read body: " + err.Error(),
		})
		return
	}
	format := strings.ToLower(r.URL.Query().Get("format"))
	if r.Header.Get("Content-Type") == "application/cbor" {
		format = "snapshot"
	}
	desired, err := decodeDump(body, format, s.profile)
	if err != nil {
		respondError(w, err)
		return
	}

	var plan *core.WritePlan
	err = s.withSession(r.Context(), func(sess *core.Session) error {
		var err error
		plan, err = sess.PlanWrite(r.Context(), desired)
		return err
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newPlanResponse(plan))
}

func handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		query := r.URL.Query()

		// Limit (default 100, max 1000)
		limit := 100
		if limitStr := query.Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
				limit = l
				if limit > 1000 {
					limit = 1000
				}
			}
		}

		var minLevel *logging.Level
		if levelStr := query.Get("level"); levelStr != "" {
			if l, ok := logging.ParseLevel(levelStr); ok {
				minLevel = &l
			}
		}

		var category *logging.Category
		if catStr := query.Get("category"); catStr != "" {
			c := logging.Category(catStr)
			category = &c
		}

		entries := logging.Get().GetEntries(limit, minLevel, category)
		stats := logging.Get().Stats()

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"entries": entries,
			"stats":   stats,
		})

	case http.MethodDelete:
		logging.Get().Clear()
		respondJSON(w, http.StatusOK, map[string]string{
			"success": "logs cleared",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func handleCrashes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()

	// Check if requesting a specific crash log
	if filename := query.Get("file"); filename != "" {
		content, err := logging.ReadCrashLog(filename)
		if err != nil {
			respondJSON(w, http.StatusNotFound, map[string]string{
				"error": "crash log not found: " + err.Error(),
			})
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"filename": filename,
			"content":  content,
		})
		return
	}

	limit := 20
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
			if limit > 100 {
				limit = 100
			}
		}
	}

	logs, err := logging.GetCrashLogs(limit)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list crash logs: " + err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"crashes":  logs,
		"crashDir": logging.CrashLogDir(),
	})
}

// handleSettings handles GET and POST requests for user settings.
func handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s := settings.Get()
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"crashReporting": s.CrashReporting,
			"lastDevice":     s.LastDevice,
			"recentDumps":    s.RecentDumps,
		})

	case http.MethodPost:
		var req struct {
			CrashReporting *bool `json:"crashReporting"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid request body: " + err.Error(),
			})
			return
		}

		if req.CrashReporting != nil {
			if err := settings.SetCrashReporting(*req.CrashReporting); err != nil {
				respondJSON(w, http.StatusInternalServerError, map[string]string{
					"error": "failed to save settings: " + err.Error(),
				})
				return
			}
		}

		s := settings.Get()
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"crashReporting": s.CrashReporting,
			"lastDevice":     s.LastDevice,
			"message":        "Settings updated. Restart may be required for some changes to take effect.",
		})

	default:
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}
