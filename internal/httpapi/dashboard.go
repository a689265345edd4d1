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
  <title>notifytrack</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --card: #fffdf9;
      --line: #d7cbb3;
      --accent: #1f9d88;
      --danger: #c2483f;
      --muted: #6f7d7d;
    }
    * { box-sizing: border-box; }
    body { margin: 0; font-family: "IBM Plex Sans", system-ui, sans-serif; color: var(--ink); background: var(--paper); }
    main { max-width: 880px; margin: 0 auto; padding: 24px; }
    .card { background: var(--card); border: 1px solid var(--line); border-radius: 12px; padding: 16px; margin-bottom: 16px; }
    .good { color: var(--accent); }
    .corrupt { color: var(--danger); }
    table { width: 100%; border-collapse: collapse; }
    td, th { text-align: left; padding: 6px 8px; border-bottom: 1px solid var(--line); font-size: 14px; }
    input { width: 100%; padding: 8px; border: 1px solid var(--line); border-radius: 8px; }
    small { color: var(--muted); }
  </style>
</head>
<body>
  <main>
    <h1>notifytrack</h1>
    <div class="card">
      <label>Token (changes:read) <input id="token" type="password" /></label>
    </div>
    <div class="card">
      <h2>Tracking <span id="tracking">…</span></h2>
      <div id="fault"></div>
      <small id="readers"></small>
    </div>
    <div class="card">
      <h2>Pending changes</h2>
      <table>
        <thead><tr><th>Type</th><th>Tag</th><th>Group</th><th>Added</th><th>Removed</th></tr></thead>
        <tbody id="changes"></tbody>
      </table>
      <small>Peeking opens and closes a reader without accepting.</small>
    </div>
  </main>
  <script>
    (() => {
      const dom = {
        token: document.getElementById("token"),
        tracking: document.getElementById("tracking"),
        fault: document.getElementById("fault"),
        readers: document.getElementById("readers"),
        changes: document.getElementById("changes"),
      };
      const headers = () => ({
        "Authorization": "Bearer " + dom.token.value.trim(),
        "X-Correlation-Id": "dash_" + Date.now(),
      });
      const cell = (text) => {
        const td = document.createElement("td");
        td.textContent = text || "";
        return td;
      };
      async function refresh() {
        const health = await fetch("/health").then((r) => r.json());
        dom.tracking.textContent = health.tracking;
        dom.tracking.className = health.tracking;
        if (!dom.token.value.trim()) {
          return;
        }
        const status = await fetch("/v1/status", { headers: headers() }).then((r) => r.json());
        dom.readers.textContent = (status.openReaders || 0) + " open readers";
        dom.fault.textContent = status.lastFault ? status.lastFault.op + ": " + status.lastFault.error : "";
        const reader = await fetch("/v1/readers", { method: "POST", headers: headers() }).then((r) => r.json());
        dom.changes.replaceChildren();
        for (const change of reader.changes || []) {
          const tr = document.createElement("tr");
          tr.append(cell(change.type), cell(change.tag), cell(change.group), cell(change.dateAdded), cell(change.dateRemoved));
          dom.changes.append(tr);
        }
        if (reader.readerId) {
          await fetch("/v1/readers/" + reader.readerId, { method: "DELETE", headers: headers() });
        }
      }
      dom.token.value = window.localStorage.getItem("notifytrack_dashboard_token") || "";
      dom.token.addEventListener("change", () => {
        window.localStorage.setItem("notifytrack_dashboard_token", dom.token.value.trim());
        refresh();
      });
      refresh();
      setInterval(refresh, 5000);
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
