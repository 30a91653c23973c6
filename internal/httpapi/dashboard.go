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
  <title>Billbridge Operations</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --warn: #e88a3d;
      --danger: #c2483f;
      --muted: #6f7d7d;
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
    .shell { max-width: 1100px; margin: 0 auto; display: grid; gap: 14px; }
    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 14px;
    }
    h1 { margin: 0 0 8px; font-size: 1.5rem; }
    h2 { margin: 0 0 8px; font-size: 1.05rem; }
    .controls { display: flex; gap: 8px; flex-wrap: wrap; }
    input { padding: 8px; border: 1px solid var(--line); border-radius: 8px; min-width: 220px; }
    button { padding: 8px 12px; border: 0; border-radius: 8px; background: var(--accent); color: #fff; cursor: pointer; }
    .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(150px, 1fr)); gap: 10px; }
    .stat { font-size: 1.6rem; font-weight: 700; }
    .label { color: var(--muted); font-size: 0.8rem; }
    ul { list-style: none; margin: 0; padding: 0; max-height: 340px; overflow: auto; }
    li { padding: 6px 0; border-bottom: 1px dashed var(--line); font-size: 0.9rem; }
    .mono { font-family: "JetBrains Mono", Menlo, monospace; }
    .failed { color: var(--danger); }
    .skipped { color: var(--warn); }
    .success { color: var(--accent); }
    #status { color: var(--muted); }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1>Billbridge Operations</h1>
      <div class="controls">
        <input id="token" type="password" placeholder="operator token" />
        <input id="tenant" placeholder="tenant id" />
        <button id="refresh" type="button">Refresh</button>
        <button id="stream" type="button">Live Stream</button>
      </div>
      <p id="status">enter token to start</p>
    </div>
    <div class="card">
      <h2>Webhooks</h2>
      <div class="grid">
        <div><div class="stat" id="received">-</div><div class="label">received</div></div>
        <div><div class="stat" id="rejected">-</div><div class="label">rejected</div></div>
        <div><div class="stat" id="ignored">-</div><div class="label">ignored</div></div>
        <div><div class="stat" id="deduped">-</div><div class="label">deduped</div></div>
        <div><div class="stat" id="dispatched">-</div><div class="label">dispatched</div></div>
        <div><div class="stat" id="failedTotal">-</div><div class="label">failed</div></div>
      </div>
    </div>
    <div class="card">
      <h2>Sync Outcomes</h2>
      <ul id="outcomes"></ul>
    </div>
    <div class="card">
      <h2>Undelivered Notifications</h2>
      <ul id="fallback"></ul>
    </div>
  </div>
  <script>
    (function () {
      const dom = {
        token: document.getElementById("token"),
        tenant: document.getElementById("tenant"),
        status: document.getElementById("status"),
        outcomes: document.getElementById("outcomes"),
        fallback: document.getElementById("fallback"),
      };
      let socket = null;

      function setStatus(text) {
        dom.status.textContent = text;
      }

      async function request(path) {
        const resp = await fetch(path, { headers: { Authorization: "Bearer " + dom.token.value.trim() } });
        const body = await resp.json().catch(() => ({}));
        if (!resp.ok) {
          throw new Error(body.message || ("HTTP " + resp.status));
        }
        return body;
      }

      function addLine(list, text, cls) {
        const li = document.createElement("li");
        li.className = "mono " + (cls || "");
        li.textContent = text;
        list.insertBefore(li, list.firstChild);
        while (list.children.length > 200) {
          list.removeChild(list.lastChild);
        }
      }

      async function refresh() {
        setStatus("refreshing...");
        try {
          const stats = await request("/v1/admin/webhooks");
          ["received", "rejected", "ignored", "deduped", "dispatched"].forEach(function (key) {
            document.getElementById(key).textContent = String(stats[key + "Total"] || 0);
          });
          document.getElementById("failedTotal").textContent = String(stats.failedTotal || 0);
          const tenant = dom.tenant.value.trim();
          dom.fallback.innerHTML = "";
          if (tenant) {
            const fb = await request("/v1/tenants/" + encodeURIComponent(tenant) + "/fallback?limit=50");
            (fb.entries || []).slice().reverse().forEach(function (entry) {
              addLine(dom.fallback, entry.createdAt + " " + entry.recipient + " | " + entry.subject, "failed");
            });
          }
          window.localStorage.setItem("billbridge_dashboard_token", dom.token.value);
          window.localStorage.setItem("billbridge_dashboard_tenant", tenant);
          setStatus("ok " + new Date().toLocaleTimeString());
        } catch (err) {
          setStatus(String(err && err.message ? err.message : err));
        }
      }

      function connect() {
        if (socket) {
          socket.close();
        }
        const proto = window.location.protocol === "https:" ? "wss:" : "ws:";
        let url = proto + "//" + window.location.host + "/v1/events/stream?access_token=" + encodeURIComponent(dom.token.value.trim());
        const tenant = dom.tenant.value.trim();
        if (tenant) {
          url += "&tenant=" + encodeURIComponent(tenant);
        }
        socket = new WebSocket(url);
        socket.onmessage = function (msg) {
          try {
            const o = JSON.parse(msg.data);
            addLine(dom.outcomes, o.at + " " + o.tenantId + " " + o.kind + " " + o.billingId + " " + o.outcome + (o.error ? " " + o.error : ""), o.outcome);
          } catch (err) {
            addLine(dom.outcomes, String(msg.data), "");
          }
        };
        socket.onclose = function () {
          setStatus("stream closed");
        };
      }

      document.getElementById("refresh").addEventListener("click", refresh);
      document.getElementById("stream").addEventListener("click", connect);
      dom.token.value = window.localStorage.getItem("billbridge_dashboard_token") || "";
      dom.tenant.value = window.localStorage.getItem("billbridge_dashboard_tenant") || "";
      if (dom.token.value) {
        refresh();
      }
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
