// Package api 操作者 HTTP 接口: 状态查询, 模式选择, 弹出, 外接设备浏览, 黑名单维护
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/Hara602/dualusb/internal/host"
	"github.com/Hara602/dualusb/internal/mode"
	"github.com/Hara602/dualusb/internal/policy"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type ModeControl interface {
	Status(out *mode.Status) error
	StatusString() string
	SetMode(m mode.Mode) error
	SelectRole(r mode.Role) error
}

// DeviceRole 设备角色 (块 I/O 适配器)
type DeviceRole interface {
	Eject()
	Mounted() bool
}

// HostRole 主机角色 (外接设备适配器)
type HostRole interface {
	Eject() error
	DeviceInfo() (host.DeviceInfo, error)
	ListFiles(dir string, maxEntries int) ([]host.FileEntry, error)
}

// Rules 设备黑名单
type Rules interface {
	Rules() ([]policy.Rule, error)
	Block(vid, pid uint16, serial, reason string) error
	Unblock(vid, pid uint16, serial string) (bool, error)
}

const defaultMaxEntries = 64

type Server struct {
	ctrl   ModeControl
	device DeviceRole
	host   HostRole
	rules  Rules
	log    *zap.Logger
	router *mux.Router
}

type Option func(*Server)

func WithRules(r Rules) Option {
	return func(s *Server) { s.rules = r }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

func New(ctrl ModeControl, device DeviceRole, hostRole HostRole, opts ...Option) *Server {
	s := &Server{
		ctrl:   ctrl,
		device: device,
		host:   hostRole,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.getStatus).Methods(http.MethodGet)
	r.HandleFunc("/mode", s.putMode).Methods(http.MethodPut)
	r.HandleFunc("/role", s.putRole).Methods(http.MethodPut)
	r.HandleFunc("/device/eject", s.ejectDevice).Methods(http.MethodPost)
	r.HandleFunc("/host/eject", s.ejectHost).Methods(http.MethodPost)
	r.HandleFunc("/host/info", s.hostInfo).Methods(http.MethodGet)
	r.HandleFunc("/host/files", s.hostFiles).Methods(http.MethodGet)
	if s.rules != nil {
		r.HandleFunc("/policy", s.listRules).Methods(http.MethodGet)
		r.HandleFunc("/policy", s.addRule).Methods(http.MethodPost)
		r.HandleFunc("/policy/{vid}/{pid}/{serial}", s.deleteRule).Methods(http.MethodDelete)
	}
	r.Use(s.logRequests)
	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe 阻塞直到 ctx 结束或监听失败
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("🌐 Operator API listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("api request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

type statusResponse struct {
	mode.Status
	Label         string `json:"label"`
	DeviceMounted bool   `json:"device_mounted"`
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	var st mode.Status
	if err := s.ctrl.Status(&st); err != nil {
		jsonError(w, err.Error(), statusCode(err))
		return
	}
	jsonResponse(w, statusResponse{
		Status:        st,
		Label:         st.State.String(),
		DeviceMounted: s.device.Mounted(),
	})
}

func (s *Server) putMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	m, err := mode.ParseMode(req.Mode)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.ctrl.SetMode(m); err != nil {
		jsonError(w, err.Error(), statusCode(err))
		return
	}
	s.log.Info("Mode changed by operator", zap.Stringer("mode", m))
	s.getStatus(w, r)
}

func (s *Server) putRole(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	role, err := mode.ParseRole(req.Role)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.ctrl.SelectRole(role); err != nil {
		jsonError(w, err.Error(), statusCode(err))
		return
	}
	s.getStatus(w, r)
}

func (s *Server) ejectDevice(w http.ResponseWriter, r *http.Request) {
	s.device.Eject()
	s.log.Info("⏏️ Device medium ejected by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ejectHost(w http.ResponseWriter, r *http.Request) {
	if err := s.host.Eject(); err != nil {
		jsonError(w, err.Error(), statusCode(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) hostInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.host.DeviceInfo()
	if err != nil {
		jsonError(w, err.Error(), statusCode(err))
		return
	}
	jsonResponse(w, info)
}

func (s *Server) hostFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dir := q.Get("path")
	if dir == "" {
		dir = "/"
	}
	maxEntries := defaultMaxEntries
	if v := q.Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			jsonError(w, "max must be an integer", http.StatusBadRequest)
			return
		}
		maxEntries = n
	}
	entries, err := s.host.ListFiles(dir, maxEntries)
	if err != nil {
		jsonError(w, err.Error(), statusCode(err))
		return
	}
	jsonResponse(w, entries)
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.rules.Rules()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rules == nil {
		rules = []policy.Rule{}
	}
	jsonResponse(w, rules)
}

func (s *Server) addRule(w http.ResponseWriter, r *http.Request) {
	var req policy.Rule
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	vid, pid, err := parseIDs(req.VID, req.PID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.rules.Block(vid, pid, req.Serial, req.Reason); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	vid, pid, err := parseIDs(vars["vid"], vars["pid"])
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	found, err := s.rules.Unblock(vid, pid, vars["serial"])
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !found {
		jsonError(w, "rule not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseIDs(vid, pid string) (uint16, uint16, error) {
	v, err := strconv.ParseUint(vid, 16, 16)
	if err != nil {
		return 0, 0, errors.New("vid must be 4 hex digits")
	}
	p, err := strconv.ParseUint(pid, 16, 16)
	if err != nil {
		return 0, 0, errors.New("pid must be 4 hex digits")
	}
	return uint16(v), uint16(p), nil
}

// statusCode 把领域错误映射为 HTTP 状态码
func statusCode(err error) int {
	switch {
	case errors.Is(err, host.ErrInvalidArgument),
		errors.Is(err, mode.ErrInvalidMode),
		errors.Is(err, mode.ErrInvalidRole):
		return http.StatusBadRequest
	case errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, host.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, mode.ErrUnavailable),
		errors.Is(err, mode.ErrNotInitialized):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
