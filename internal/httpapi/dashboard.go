package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>ListSync Control Surface</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --accent-2: #e88a3d;
      --danger: #c2483f;
      --muted: #6f7d7d;
      --shadow: 0 18px 36px rgba(16, 34, 35, 0.16);
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Space Grotesk", "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(140deg, #fff9ef 0%, #f1f8f7 45%, #fffdf9 100%);
      min-height: 100vh;
      padding: 20px;
    }

    .shell { max-width: 960px; margin: 0 auto; display: grid; gap: 14px; }

    .bar {
      background: linear-gradient(140deg, #fffefc, #fcf6eb);
      border: 1px solid var(--line);
      border-radius: 18px;
      padding: 16px;
      box-shadow: var(--shadow);
    }

    h1 { margin: 0; font-size: 1.4rem; letter-spacing: 0.02em; }
    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }

    .controls { display: flex; gap: 10px; margin-top: 12px; }
    .controls input {
      flex: 1;
      border-radius: 10px;
      border: 1px solid var(--line);
      background: #ffffff;
      padding: 8px 10px;
      font: inherit;
    }
    .controls button {
      border-radius: 10px;
      border: 1px solid var(--line);
      background: var(--accent);
      color: #fff;
      padding: 8px 16px;
      font: inherit;
      cursor: pointer;
    }

    .cards { display: grid; gap: 10px; grid-template-columns: repeat(4, 1fr); }
    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 12px;
    }
    .card .label { color: var(--muted); font-size: 0.8rem; }
    .card .value { font-size: 1.5rem; margin-top: 4px; }

    table { width: 100%; border-collapse: collapse; font-size: 0.88rem; }
    th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); }
    .outcome-synced { color: var(--accent); }
    .outcome-failed, .outcome-rejected { color: var(--danger); }
    .outcome-suppressed { color: var(--muted); }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>ListSync Control Surface</h1>
      <div class="sub">Queue, counters, and the live reconciliation feed.</div>
      <div class="controls">
        <input id="token" type="password" placeholder="admin token" />
        <button id="connect">Connect</button>
      </div>
    </div>
    <div class="cards">
      <div class="card"><div class="label">Queue depth</div><div class="value" id="depth">-</div></div>
      <div class="card"><div class="label">Synced</div><div class="value" id="synced">-</div></div>
      <div class="card"><div class="label">Suppressed</div><div class="value" id="suppressed">-</div></div>
      <div class="card"><div class="label">Dead letters</div><div class="value" id="deadletters">-</div></div>
    </div>
    <div class="bar">
      <table>
        <thead><tr><th>Time</th><th>User</th><th>Source</th><th>Event</th><th>Outcome</th></tr></thead>
        <tbody id="feed"></tbody>
      </table>
    </div>
  </div>
  <script>
    let socket = null;
    let pollTimer = null;

    function token() { return document.getElementById('token').value.trim(); }

    async function refreshStatus() {
      const resp = await fetch('/v1/status', { headers: { 'Authorization': 'Bearer ' + token() } });
      if (!resp.ok) return;
      const status = await resp.json();
      document.getElementById('depth').textContent = status.queueDepth;
      document.getElementById('synced').textContent = status.counters.syncedTotal || 0;
      document.getElementById('suppressed').textContent = status.counters.suppressedTotal || 0;
      document.getElementById('deadletters').textContent = status.deadLetterCount;
    }

    function appendActivity(activity) {
      const row = document.createElement('tr');
      const outcomeClass = 'outcome-' + activity.outcome;
      row.innerHTML =
        '<td>' + new Date(activity.time).toLocaleTimeString() + '</td>' +
        '<td>' + (activity.username || '') + '</td>' +
        '<td>' + (activity.source || '') + '</td>' +
        '<td>' + (activity.eventId || '') + '</td>' +
        '<td class="' + outcomeClass + '">' + activity.outcome + '</td>';
      const feed = document.getElementById('feed');
      feed.prepend(row);
      while (feed.children.length > 50) feed.removeChild(feed.lastChild);
    }

    document.getElementById('connect').addEventListener('click', () => {
      if (socket) socket.close();
      if (pollTimer) clearInterval(pollTimer);
      const scheme = location.protocol === 'https:' ? 'wss' : 'ws';
      socket = new WebSocket(scheme + '://' + location.host + '/v1/activity/ws?token=' + encodeURIComponent(token()));
      socket.onmessage = (msg) => appendActivity(JSON.parse(msg.data));
      refreshStatus();
      pollTimer = setInterval(refreshStatus, 5000);
    });
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
