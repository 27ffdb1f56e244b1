// Package dashboard 本机调试仪表盘：HTTP API + 实时日志流，
// 暴露桥接客户端的状态、统计与控制入口，方便脱离宿主应用排查问题。
package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"SutuBridge/internal/bridge"
	"SutuBridge/internal/logger"
	"SutuBridge/internal/source"
)

// Server 仪表盘HTTP服务器
type Server struct {
	router *mux.Router
	server *http.Server
	client *bridge.Client
	wsLog  *logger.WebSocketLogger

	startTime time.Time
}

// APIResponse 统一API响应结构
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// NewServer 创建仪表盘服务器
func NewServer(addr string, client *bridge.Client, wsLog *logger.WebSocketLogger) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		client:    client,
		wsLog:     wsLog,
		startTime: time.Now(),
	}

	s.setupRoutes()

	// 设置CORS
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	s.server = &http.Server{
		Addr:         addr,
		Handler:      c.Handler(s.router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes 设置路由
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// 状态与统计
	api.HandleFunc("/status", s.statusHandler).Methods("GET")
	api.HandleFunc("/stats", s.statsHandler).Methods("GET")
	api.HandleFunc("/health", s.healthHandler).Methods("GET")

	// 连接控制
	api.HandleFunc("/connect", s.connectHandler).Methods("POST")
	api.HandleFunc("/disconnect", s.disconnectHandler).Methods("POST")

	// 推流控制
	api.HandleFunc("/stream/start", s.startStreamHandler).Methods("POST")
	api.HandleFunc("/stream/stop", s.stopStreamHandler).Methods("POST")
	api.HandleFunc("/frame", s.singleFrameHandler).Methods("POST")

	// 实时日志流
	if s.wsLog != nil {
		s.router.HandleFunc("/ws/logs", s.wsLog.HandleWebSocket)
	}

	s.router.HandleFunc("/", s.indexHandler).Methods("GET")
}

// 中间件
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)
		log.Printf("%s %s %s %v", r.Method, r.RequestURI, r.RemoteAddr, duration)
	})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	state := s.client.CurrentState()
	data := map[string]interface{}{
		"state":       state.String(),
		"state_label": state.Label(),
		"connected":   state.Connected(),
		"uptime_sec":  int(time.Since(s.startTime).Seconds()),
	}
	if lastErr := s.client.LastError(); lastErr != nil {
		data["last_error_code"] = string(lastErr.Code)
		data["last_error"] = lastErr.Error()
	}
	s.writeJSON(w, http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, APIResponse{
		Success:   true,
		Data:      s.client.Stats(),
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, APIResponse{
		Success:   true,
		Message:   "ok",
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) connectHandler(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.client.Connect())
}

func (s *Server) disconnectHandler(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.client.Disconnect())
}

func (s *Server) startStreamHandler(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.client.StartStream())
}

func (s *Server) stopStreamHandler(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.client.StopStream())
}

// singleFrameHandler 触发一次单帧发送。
// origin=viewport|render，use_existing_render=true 时复用已有渲染结果。
func (s *Server) singleFrameHandler(w http.ResponseWriter, r *http.Request) {
	origin := source.OriginViewport
	if r.URL.Query().Get("origin") == string(source.OriginRender) {
		origin = source.OriginRender
	}
	useExisting := r.URL.Query().Get("use_existing_render") == "true"

	s.writeResult(w, s.client.SendSingleFrame(origin, useExisting))
}

func (s *Server) indexHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(indexHTML))
}

func (s *Server) writeResult(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeJSON(w, http.StatusConflict, APIResponse{
			Success:   false,
			Message:   err.Error(),
			Code:      string(bridge.CodeOf(err)),
			Timestamp: time.Now().UnixMilli(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, APIResponse{
		Success:   true,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("write response failed: %v", err)
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	log.Printf("Starting dashboard server on %s", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop 停止服务器
func (s *Server) Stop() error {
	log.Printf("Stopping dashboard server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
