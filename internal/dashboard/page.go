package dashboard

// 内嵌的单页仪表盘，轮询状态接口并订阅日志流
const indexHTML = `<!DOCTYPE html>
<html lang="zh-CN">
<head>
<meta charset="utf-8">
<title>Sutu 桥接调试面板</title>
<style>
  body { font-family: "Segoe UI", sans-serif; margin: 0; background: #1e1e2e; color: #cdd6f4; }
  header { padding: 16px 24px; background: #181825; border-bottom: 1px solid #313244; }
  h1 { font-size: 18px; margin: 0; }
  main { padding: 24px; display: grid; gap: 16px; grid-template-columns: 320px 1fr; }
  .card { background: #181825; border: 1px solid #313244; border-radius: 8px; padding: 16px; }
  .state { font-size: 22px; font-weight: bold; }
  .state.STREAMING { color: #a6e3a1; }
  .state.ERROR { color: #f38ba8; }
  .state.RECOVERING { color: #f9e2af; }
  button { background: #313244; color: #cdd6f4; border: none; border-radius: 4px;
           padding: 8px 14px; margin: 4px 4px 0 0; cursor: pointer; }
  button:hover { background: #45475a; }
  #logs { height: 420px; overflow-y: auto; font-family: monospace; font-size: 12px; }
  .log-ERROR { color: #f38ba8; }
  .log-WARNING { color: #f9e2af; }
  .log-SUCCESS { color: #a6e3a1; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  td { padding: 4px 0; border-bottom: 1px solid #313244; }
  td:last-child { text-align: right; }
</style>
</head>
<body>
<header><h1>Sutu 桥接调试面板</h1></header>
<main>
  <div>
    <div class="card">
      <div>连接状态</div>
      <div id="state" class="state">-</div>
      <div id="state-label"></div>
      <div id="last-error" style="color:#f38ba8;font-size:12px"></div>
      <div>
        <button onclick="post('/api/v1/connect')">连接</button>
        <button onclick="post('/api/v1/disconnect')">断开</button>
        <button onclick="post('/api/v1/stream/start')">开始推流</button>
        <button onclick="post('/api/v1/stream/stop')">停止推流</button>
        <button onclick="post('/api/v1/frame?origin=viewport')">发送单帧</button>
      </div>
    </div>
    <div class="card" style="margin-top:16px">
      <div>推流统计</div>
      <table id="stats"></table>
    </div>
  </div>
  <div class="card">
    <div>实时日志</div>
    <div id="logs"></div>
  </div>
</main>
<script>
async function post(path) { await fetch(path, {method: "POST"}); refresh(); }

async function refresh() {
  try {
    const status = await (await fetch("/api/v1/status")).json();
    const el = document.getElementById("state");
    el.textContent = status.data.state;
    el.className = "state " + status.data.state;
    document.getElementById("state-label").textContent = status.data.state_label;
    document.getElementById("last-error").textContent = status.data.last_error || "";

    const stats = await (await fetch("/api/v1/stats")).json();
    const s = stats.data.stream || {};
    const rows = {
      "已捕获": s.frames_captured, "已发送": s.frames_sent, "已丢弃": s.frames_dropped,
      "已发送字节": s.bytes_sent, "压缩率": (s.compression_ratio || 0).toFixed(3),
      "压缩退化": s.compression_fallback ? "是" : "否",
      "重连次数": stats.data.reconnects, "在途帧": stats.data.inflight_frames,
    };
    document.getElementById("stats").innerHTML =
      Object.entries(rows).map(([k, v]) => "<tr><td>" + k + "</td><td>" + v + "</td></tr>").join("");
  } catch (e) { /* 桥接进程可能尚未就绪 */ }
}

function connectLogs() {
  const ws = new WebSocket("ws://" + location.host + "/ws/logs");
  ws.onmessage = (ev) => {
    const msg = JSON.parse(ev.data);
    const line = document.createElement("div");
    line.className = "log-" + msg.level;
    line.textContent = msg.timestamp.substring(11, 19) + " [" + msg.module + "] " + msg.message;
    const logs = document.getElementById("logs");
    logs.appendChild(line);
    logs.scrollTop = logs.scrollHeight;
  };
  ws.onclose = () => setTimeout(connectLogs, 2000);
}

setInterval(refresh, 1000);
refresh();
connectLogs();
</script>
</body>
</html>`
