package agent

import (
	"regexp"

	"go.olrik.dev/inspectd/internal/model"
)

var frontendSocketParam = regexp.MustCompile(`wss?=(.*)`)

// RemoteDebuggerURL rewrites the devtools frontend URL of a tunneled process
// so it connects through the control plane proxy
func RemoteDebuggerURL(proxyHost, connectionID string, rec model.ProcessRecord) (string, bool) {
	if rec.Debugger == nil || rec.Debugger.DevtoolsFrontendURL == "" {
		return "", false
	}
	if rec.TunnelSocket == "" || connectionID == "" || proxyHost == "" {
		return "", false
	}
	if !frontendSocketParam.MatchString(rec.Debugger.DevtoolsFrontendURL) {
		return "", false
	}

	target := "wss=" + proxyHost + "/ws/" + connectionID + "/" + rec.Debugger.ID
	if rec.Runtime == model.RuntimeDeno {
		target += "?runtime=deno"
	}
	return frontendSocketParam.ReplaceAllLiteralString(rec.Debugger.DevtoolsFrontendURL, target), true
}
