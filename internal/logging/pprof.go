package logging

import (
	"log/slog"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
)

// defaultPprofAddr is used when Config.PprofAddr is unset.
const defaultPprofAddr = "localhost:6060"

// startPprof starts a pprof HTTP server on loopback. Only called when
// PprofEnabled is true in config, since the control plane itself already
// binds loopback-only per spec.md and pprof should never be exposed wider.
func startPprof(addr string) {
	if addr == "" {
		addr = defaultPprofAddr
	}
	go func() {
		Logger().Info("pprof_server_start", slog.String("addr", addr))
		if err := http.ListenAndServe(addr, nil); err != nil {
			Logger().Error("pprof_server_error", slog.String("error", err.Error()))
		}
	}()
}
