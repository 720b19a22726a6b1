package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（避免引入第三方路由依赖）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterDeviceRoutes 设备固件对接的路由（与 MQTT 边共享处理逻辑）
func (r *Router) RegisterDeviceRoutes(h *DeviceHandler) {
	r.Handle("/api/esp/data", requireMethod(http.MethodPost, h.Data))
	r.Handle("/api/esp/alert", requireMethod(http.MethodPost, h.Alert))
	r.Handle("/api/esp/ping", requireMethod(http.MethodPost, h.Ping))
	r.Handle("/api/esp/init", requireMethod(http.MethodGet, h.Init))
	r.Handle("/api/esp/test", requireMethod(http.MethodGet, h.Test))
}

// RegisterSessionRoutes 会话生命周期路由
func (r *Router) RegisterSessionRoutes(h *SessionHandler) {
	r.Handle("/api/sessions", func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case http.MethodPost:
			h.Create(w, req)
		case http.MethodGet:
			h.ListActive(w, req)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	// /api/sessions/{id} 与 /api/sessions/{id}/{action}
	r.Handle("/api/sessions/", func(w http.ResponseWriter, req *http.Request) {
		rest := strings.TrimPrefix(req.URL.Path, "/api/sessions/")
		id, action, _ := strings.Cut(rest, "/")
		if id == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		switch {
		case action == "" && req.Method == http.MethodGet:
			h.Get(w, req, id)
		case action == "pause" && req.Method == http.MethodPost:
			h.Pause(w, req, id)
		case action == "resume" && req.Method == http.MethodPost:
			h.Resume(w, req, id)
		case action == "end" && req.Method == http.MethodPost:
			h.End(w, req, id)
		case action == "volume" && req.Method == http.MethodPut:
			h.UpdateVolume(w, req, id)
		case action == "alerts" && req.Method == http.MethodGet:
			h.ListAlerts(w, req, id)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

// RegisterAlertRoutes 报警查询/确认路由
func (r *Router) RegisterAlertRoutes(h *AlertHandler) {
	r.Handle("/api/alerts/unacknowledged", requireMethod(http.MethodGet, h.ListUnacknowledged))
	r.Handle("/api/alerts/acknowledge-all", requireMethod(http.MethodPost, h.AcknowledgeAll))
	r.Handle("/api/nurse-call", requireMethod(http.MethodPost, h.NurseCall))

	r.Handle("/api/alerts/", func(w http.ResponseWriter, req *http.Request) {
		rest := strings.TrimPrefix(req.URL.Path, "/api/alerts/")
		id, action, _ := strings.Cut(rest, "/")
		if id == "" || action != "acknowledge" || req.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.Acknowledge(w, req, id)
	})
}

// RegisterPoleRoutes 设备管理路由
func (r *Router) RegisterPoleRoutes(h *PoleHandler) {
	r.Handle("/api/poles", requireMethod(http.MethodGet, h.List))
	r.Handle("/api/poles/stats", requireMethod(http.MethodGet, h.Stats))

	r.Handle("/api/poles/", func(w http.ResponseWriter, req *http.Request) {
		rest := strings.TrimPrefix(req.URL.Path, "/api/poles/")
		id, action, _ := strings.Cut(rest, "/")
		if id == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		switch {
		case action == "" && req.Method == http.MethodGet:
			h.Get(w, req, id)
		case action == "realtime" && req.Method == http.MethodGet:
			h.Realtime(w, req, id)
		case action == "assign" && req.Method == http.MethodPost:
			h.Assign(w, req, id)
		case action == "unassign" && req.Method == http.MethodPost:
			h.Unassign(w, req, id)
		case action == "status" && req.Method == http.MethodPut:
			h.UpdateStatus(w, req, id)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func requireMethod(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != method {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(w, req)
	}
}
