package csms

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler returns the CSMS HTTP handler serving /ocpp/{stationId}.
func (b *Backend) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ocpp/", b.HandleWS)
	return mux
}

// HandleWS upgrades a station connection. A duplicate station id is refused
// with 409 before the upgrade unless replacement is allowed, in which case
// the old session is closed with 1008 and the new one takes over.
func (b *Backend) HandleWS(w http.ResponseWriter, r *http.Request) {
	stationID := strings.TrimPrefix(r.URL.Path, "/ocpp/")
	if stationID == "" || strings.Contains(stationID, "/") {
		http.Error(w, "station id is required", http.StatusBadRequest)
		return
	}

	if existing := b.registry.Get(stationID); existing != nil && !b.cfg.AllowReplace {
		b.logger.Warn("duplicate station refused", zap.String("station_id", stationID))
		http.Error(w, "station already connected", http.StatusConflict)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("websocket upgrade failed",
			zap.String("station_id", stationID), zap.Error(err))
		return
	}

	s := newSession(b, stationID, conn)
	if displaced := b.registry.Add(s); displaced != nil {
		b.logger.Info("station replaced", zap.String("station_id", stationID))
		displaced.closeWithCode(websocket.ClosePolicyViolation, "replaced by new connection")
	}

	b.logger.Info("station connected", zap.String("station_id", stationID))
	go s.run()
}
