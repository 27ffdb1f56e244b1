package logger

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// LogMessage 日志消息结构，推送给仪表盘日志流
type LogMessage struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Module    string    `json:"module"`
	FrameSeq  *uint64   `json:"frame_seq,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WebSocketLogger WebSocket日志广播器，把桥接运行日志实时推给仪表盘
type WebSocketLogger struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan LogMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex
}

// NewWebSocketLogger 创建新的WebSocket日志器
func NewWebSocketLogger() *WebSocketLogger {
	return &WebSocketLogger{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan LogMessage, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run 启动WebSocket日志器
func (wsl *WebSocketLogger) Run() {
	for {
		select {
		case client := <-wsl.register:
			wsl.mu.Lock()
			wsl.clients[client] = true
			count := len(wsl.clients)
			wsl.mu.Unlock()
			log.Printf("仪表盘日志客户端已连接，当前连接数: %d", count)

		case client := <-wsl.unregister:
			wsl.mu.Lock()
			if _, ok := wsl.clients[client]; ok {
				delete(wsl.clients, client)
				client.Close()
			}
			count := len(wsl.clients)
			wsl.mu.Unlock()
			log.Printf("仪表盘日志客户端已断开，当前连接数: %d", count)

		case message := <-wsl.broadcast:
			wsl.mu.Lock()
			for client := range wsl.clients {
				client.SetWriteDeadline(time.Now().Add(time.Second))
				if err := client.WriteJSON(message); err != nil {
					// 写失败的客户端直接剔除，广播不能被慢客户端拖住
					delete(wsl.clients, client)
					client.Close()
				}
			}
			wsl.mu.Unlock()
		}
	}
}

// emit 输出到控制台并广播；广播通道满时丢弃，日志不能阻塞桥接
func (wsl *WebSocketLogger) emit(level, module, message string, frameSeq *uint64) {
	logMsg := LogMessage{
		Level:     level,
		Message:   message,
		Module:    module,
		FrameSeq:  frameSeq,
		Timestamp: time.Now(),
	}

	if frameSeq != nil {
		log.Printf("[%s] [Frame-%d] %s: %s", level, *frameSeq, module, message)
	} else {
		log.Printf("[%s] %s: %s", level, module, message)
	}

	select {
	case wsl.broadcast <- logMsg:
	default:
	}
}

// LogInfo 记录信息日志
func (wsl *WebSocketLogger) LogInfo(module, message string, frameSeq *uint64) {
	wsl.emit("INFO", module, message, frameSeq)
}

// LogError 记录错误日志
func (wsl *WebSocketLogger) LogError(module, message string, frameSeq *uint64) {
	wsl.emit("ERROR", module, message, frameSeq)
}

// LogSuccess 记录成功日志
func (wsl *WebSocketLogger) LogSuccess(module, message string, frameSeq *uint64) {
	wsl.emit("SUCCESS", module, message, frameSeq)
}

// LogWarning 记录警告日志
func (wsl *WebSocketLogger) LogWarning(module, message string, frameSeq *uint64) {
	wsl.emit("WARNING", module, message, frameSeq)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 仅本机调试，允许所有来源
	},
}

// HandleWebSocket 处理WebSocket连接
func (wsl *WebSocketLogger) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket升级失败: %v", err)
		return
	}

	wsl.register <- conn

	welcomeMsg := LogMessage{
		Level:     "INFO",
		Message:   "已连接到 Sutu 桥接日志流",
		Module:    "WebSocket",
		Timestamp: time.Now(),
	}
	conn.WriteJSON(welcomeMsg)

	defer func() {
		wsl.unregister <- conn
		conn.Close()
	}()

	// 保持连接活跃，忽略客户端发来的内容
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket连接错误: %v", err)
			}
			break
		}
	}
}

// 全局日志器实例
var GlobalLogger *WebSocketLogger

// InitGlobalLogger 初始化全局日志器
func InitGlobalLogger() {
	GlobalLogger = NewWebSocketLogger()
	go GlobalLogger.Run()
}

// 便捷函数
func LogInfo(module, message string, frameSeq *uint64) {
	if GlobalLogger != nil {
		GlobalLogger.LogInfo(module, message, frameSeq)
	}
}

func LogError(module, message string, frameSeq *uint64) {
	if GlobalLogger != nil {
		GlobalLogger.LogError(module, message, frameSeq)
	}
}

func LogWarning(module, message string, frameSeq *uint64) {
	if GlobalLogger != nil {
		GlobalLogger.LogWarning(module, message, frameSeq)
	}
}
