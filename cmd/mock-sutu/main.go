// mock-sutu 独立运行的模拟 Sutu 消费端，供桥接进程联调
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"SutuBridge/internal/logger"
	"SutuBridge/internal/testserver"
)

func main() {
	var (
		addr          = flag.String("addr", "127.0.0.1:30121", "监听地址")
		serverVersion = flag.String("server-version", "", "对外宣告的协议版本（默认当前版本）")
		reject        = flag.Bool("reject", false, "拒绝所有握手（联调错误路径）")
		targetWidth   = flag.Int("target-width", 0, "心跳携带的目标宽度提示")
		targetHeight  = flag.Int("target-height", 0, "心跳携带的目标高度提示")
	)
	flag.Parse()

	logger.InitLogger()

	cfg := testserver.DefaultServerConfig(*addr)
	if *serverVersion != "" {
		cfg.ServerVersion = *serverVersion
	}
	if *reject {
		cfg.AcceptHandshake = false
		cfg.RejectReason = "rejected by operator flag"
	}
	cfg.TargetWidth = *targetWidth
	cfg.TargetHeight = *targetHeight

	server := testserver.New(cfg)
	if err := server.Start(); err != nil {
		log.Fatalf("启动模拟服务器失败: %v", err)
	}
	fmt.Printf("✅ 模拟 Sutu 已启动，监听地址: %s\n", server.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("\n🔄 正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(ctx)

	stats := server.GetStats()
	fmt.Printf("📊 收到帧: %v, 累计连接: %v\n", stats["frames_received"], stats["total_connections"])
}
