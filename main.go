package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"SutuBridge/internal/bridge"
	"SutuBridge/internal/config"
	"SutuBridge/internal/dashboard"
	"SutuBridge/internal/logger"
	"SutuBridge/internal/source"
)

// 桥接进程入口：配置驱动，带可选调试仪表盘，Ctrl+C 退出。
// 联调用的演示与模拟服务端见 cmd/bridge-demo 和 cmd/mock-sutu。
func main() {
	logger.InitLogger()
	logger.InitGlobalLogger()

	cfg, err := config.GetGlobalConfig()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	client := bridge.New(cfg.ClientConfig())
	client.SetSource(source.NewSynthetic(1280, 720))
	client.SetStateChangeHandler(func(oldState, newState bridge.State) {
		logger.LogInfo("bridge", fmt.Sprintf("状态变化: %s -> %s", oldState, newState), nil)
	})

	if cfg.Bridge.Enable {
		if err := client.Connect(); err != nil {
			log.Fatalf("连接失败: %v", err)
		}
	}

	if cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(cfg.Dashboard.Addr, client, logger.GlobalLogger)
		go func() {
			if err := srv.Start(); err != nil {
				log.Printf("仪表盘退出: %v", err)
			}
		}()
		defer srv.Stop()
		fmt.Printf("📊 调试面板: http://localhost%s/\n", cfg.Dashboard.Addr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("收到退出信号")

	client.Disconnect()
}
