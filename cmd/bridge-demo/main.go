// bridge-demo 端到端演示：本进程内同时跑模拟 Sutu 服务器和桥接客户端，
// 以固定帧率推送合成帧并打印统计
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"SutuBridge/internal/bridge"
	"SutuBridge/internal/logger"
	"SutuBridge/internal/source"
	"SutuBridge/internal/testserver"
)

func main() {
	var (
		fps      = flag.Int("fps", 10, "合成帧率")
		duration = flag.Duration("duration", 15*time.Second, "运行时长")
		width    = flag.Int("width", 640, "合成帧宽度")
		height   = flag.Int("height", 360, "合成帧高度")
	)
	flag.Parse()

	logger.InitLogger()

	fmt.Println("🎯 Sutu 桥接端到端演示")
	fmt.Println("========================")

	server := testserver.New(testserver.DefaultServerConfig("127.0.0.1:0"))
	if err := server.Start(); err != nil {
		log.Fatalf("启动模拟服务器失败: %v", err)
	}
	defer server.Shutdown(context.Background())
	fmt.Printf("✅ 模拟 Sutu 已启动: %s\n", server.Addr())

	clientCfg := bridge.DefaultConfig()
	clientCfg.Port = server.Port()

	client := bridge.New(clientCfg)
	client.SetSource(source.NewSynthetic(*width, *height))
	client.SetStateChangeHandler(func(oldState, newState bridge.State) {
		fmt.Printf("   状态: %s -> %s\n", oldState, newState)
	})

	if err := client.Connect(); err != nil {
		log.Fatalf("连接失败: %v", err)
	}
	defer client.Disconnect()

	// 等连接建立
	deadline := time.Now().Add(5 * time.Second)
	for !client.CurrentState().Connected() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if !client.CurrentState().Connected() {
		log.Fatalf("连接超时，当前状态: %s", client.CurrentState())
	}

	if err := client.StartStream(); err != nil {
		log.Fatalf("开始推流失败: %v", err)
	}
	fmt.Printf("✅ 推流中，帧率 %d fps，时长 %v\n", *fps, *duration)

	ticker := time.NewTicker(time.Second / time.Duration(*fps))
	defer ticker.Stop()
	stop := time.After(*duration)

loop:
	for {
		select {
		case <-ticker.C:
			client.CaptureFrame(source.OriginViewport)
		case <-stop:
			break loop
		}
	}

	client.StopStream()
	time.Sleep(200 * time.Millisecond)

	stats := client.StreamStats()
	fmt.Println("\n📊 结果:")
	fmt.Printf("   捕获: %d 帧, 发送: %d 帧, 丢弃: %d 帧\n",
		stats.FramesCaptured, stats.FramesSent, stats.FramesDropped)
	fmt.Printf("   发送字节: %d, 压缩率: %.3f\n", stats.BytesSent, stats.CompressionRatio)
	fmt.Printf("   服务端收到: %d 帧\n", server.FrameCount())
}
