package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flemzord/lanlink/internal/connmgr"
	"github.com/flemzord/lanlink/internal/pairing"
	"github.com/flemzord/lanlink/internal/trust"
)

func (g *Gateway) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
			"uptime": time.Since(g.startedAt).Round(time.Second).String(),
		})
	}
}

func (g *Gateway) handleIdentity() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		ident := g.holder.Current()
		writeJSON(w, http.StatusOK, map[string]any{
			"deviceId":        ident.DeviceID,
			"deviceName":      ident.Name,
			"deviceType":      string(ident.Type),
			"protocolVersion": ident.ProtocolVersion,
			"tcpPort":         ident.TCPPort,
			"incoming":        ident.Incoming,
			"outgoing":        ident.Outgoing,
		})
	}
}

func (g *Gateway) handlePeers() http.HandlerFunc {
	type peerView struct {
		DeviceID   string    `json:"deviceId"`
		DeviceName string    `json:"deviceName"`
		DeviceType string    `json:"deviceType"`
		Host       string    `json:"host"`
		TCPPort    int       `json:"tcpPort"`
		LastSeen   time.Time `json:"lastSeen"`
		Paired     bool      `json:"paired"`
		Connected  bool      `json:"connected"`
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		peers := g.disc.Peers()
		out := make([]peerView, 0, len(peers))
		for _, p := range peers {
			_, trusted := g.lookupTrusted(p.Identity.DeviceID)
			_, connected := g.manager.SessionFor(p.Identity.DeviceID)
			out = append(out, peerView{
				DeviceID:   p.Identity.DeviceID,
				DeviceName: p.Identity.Name,
				DeviceType: string(p.Identity.Type),
				Host:       p.Host,
				TCPPort:    p.Identity.TCPPort,
				LastSeen:   p.LastSeen,
				Paired:     trusted,
				Connected:  connected,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (g *Gateway) handleSessions() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, g.manager.Sessions())
	}
}

func (g *Gateway) handlePendingPairings() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, g.pairings.Pending())
	}
}

func (g *Gateway) handleDevices() http.HandlerFunc {
	type deviceView struct {
		DeviceID        string    `json:"deviceId"`
		DeviceName      string    `json:"deviceName"`
		DeviceType      string    `json:"deviceType"`
		Fingerprint     string    `json:"fingerprint"`
		PairedAt        time.Time `json:"pairedAt"`
		Connected       bool      `json:"connected"`
		Visible         bool      `json:"visible"`
		DisabledPlugins []string  `json:"disabledPlugins"`
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		devices, err := g.store.List()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		out := make([]deviceView, 0, len(devices))
		for _, d := range devices {
			_, connected := g.manager.SessionFor(d.DeviceID)
			_, visible := g.disc.Lookup(d.DeviceID)
			disabled, err := g.store.DisabledPlugins(d.DeviceID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			out = append(out, deviceView{
				DeviceID:        d.DeviceID,
				DeviceName:      d.Name,
				DeviceType:      d.DeviceType,
				Fingerprint:     d.Fingerprint,
				PairedAt:        d.PairedAt,
				Connected:       connected,
				Visible:         visible,
				DisabledPlugins: disabled,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (g *Gateway) handleSecurityEvents() http.HandlerFunc {
	type eventView struct {
		ID        int64           `json:"id"`
		EventType string          `json:"eventType"`
		DeviceID  string          `json:"deviceId,omitempty"`
		Severity  string          `json:"severity"`
		Details   json.RawMessage `json:"details"`
		CreatedAt time.Time       `json:"createdAt"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
				return
			}
			limit = parsed
		}

		events, err := g.store.Events(limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		out := make([]eventView, 0, len(events))
		for _, e := range events {
			out = append(out, eventView{
				ID:        e.ID,
				EventType: e.EventType,
				DeviceID:  e.DeviceID,
				Severity:  e.Severity,
				Details:   json.RawMessage(e.Details),
				CreatedAt: e.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (g *Gateway) handleDecidePairing() http.HandlerFunc {
	type decision struct {
		Accept bool `json:"accept"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := chi.URLParam(r, "deviceID")

		var body decision
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
			return
		}

		err := g.pairings.Decide(deviceID, body.Accept)
		switch {
		case errors.Is(err, pairing.ErrNoAttempt):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, trust.ErrFingerprintMismatch):
			writeError(w, http.StatusConflict, err)
		case err != nil:
			writeError(w, http.StatusInternalServerError, err)
		default:
			writeJSON(w, http.StatusOK, map[string]any{"accepted": body.Accept})
		}
	}
}

func (g *Gateway) handleRequestPairing() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := chi.URLParam(r, "deviceID")

		err := g.manager.RequestPairing(r.Context(), deviceID)
		switch {
		case errors.Is(err, connmgr.ErrPeerNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, pairing.ErrAlreadyPaired):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, pairing.ErrAlreadyPending):
			writeError(w, http.StatusConflict, err)
		case errors.Is(err, trust.ErrFingerprintMismatch):
			writeError(w, http.StatusConflict, err)
		case err != nil:
			writeError(w, http.StatusBadGateway, err)
		default:
			writeJSON(w, http.StatusAccepted, map[string]any{"requested": true})
		}
	}
}

func (g *Gateway) handleConnect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := chi.URLParam(r, "deviceID")

		err := g.manager.Connect(r.Context(), deviceID)
		switch {
		case errors.Is(err, connmgr.ErrPeerNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, trust.ErrFingerprintMismatch):
			writeError(w, http.StatusConflict, err)
		case err != nil:
			writeError(w, http.StatusBadGateway, err)
		default:
			writeJSON(w, http.StatusOK, map[string]any{"connected": true})
		}
	}
}

func (g *Gateway) handleDisconnect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := chi.URLParam(r, "deviceID")

		err := g.manager.Disconnect(deviceID)
		switch {
		case errors.Is(err, connmgr.ErrNoSession):
			writeError(w, http.StatusNotFound, err)
		case err != nil:
			writeError(w, http.StatusInternalServerError, err)
		default:
			writeJSON(w, http.StatusOK, map[string]any{"disconnected": true})
		}
	}
}

func (g *Gateway) handleUnpair() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := chi.URLParam(r, "deviceID")

		if err := g.manager.Unpair(deviceID); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"unpaired": true})
	}
}

func (g *Gateway) handleSetPlugin() http.HandlerFunc {
	type flag struct {
		Enabled bool `json:"enabled"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		deviceID := chi.URLParam(r, "deviceID")
		plugin := chi.URLParam(r, "plugin")

		var body flag
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
			return
		}

		if _, err := g.lookupTrustedErr(deviceID); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}

		if err := g.store.SetPluginEnabled(deviceID, plugin, body.Enabled); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"plugin": plugin, "enabled": body.Enabled})
	}
}

func (g *Gateway) lookupTrusted(deviceID string) (*trust.TrustedDevice, bool) {
	d, err := g.store.Lookup(deviceID)
	return d, err == nil
}

func (g *Gateway) lookupTrustedErr(deviceID string) (*trust.TrustedDevice, error) {
	return g.store.Lookup(deviceID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
