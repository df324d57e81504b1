package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tickstream/metrics"
	"tickstream/models"
	"tickstream/trades"
	"tickstream/utils"
)

const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Source is the read and control surface of the market data facade.
type Source interface {
	State() models.ConnectionState
	Instruments() []string
	Timeframe() models.Timeframe
	Candles(key string) (models.CandleUpdate, bool)
	Trades() (models.TradeUpdate, bool)
	Notice() (trades.Notice, bool)
	Stats(key string) (models.InstrumentStats, bool)
	AllStats() []models.InstrumentStats

	SetInstruments(keys []string) error
	SetTimeframe(tf models.Timeframe) error
	SetTradeSide(side models.Side) error

	SubscribeStates() <-chan models.ConnectionState
	SubscribeCandles() <-chan models.CandleUpdate
	SubscribeTrades() <-chan models.TradeUpdate
	SubscribeNotices() <-chan trades.Notice
	UnsubscribeStates(ch <-chan models.ConnectionState)
	UnsubscribeCandles(ch <-chan models.CandleUpdate)
	UnsubscribeTrades(ch <-chan models.TradeUpdate)
	UnsubscribeNotices(ch <-chan trades.Notice)
}

type stateResponse struct {
	State       models.ConnectionState `json:"state"`
	Instruments []string               `json:"instrumentKeys"`
	Timeframe   models.Timeframe       `json:"timeframe"`
	Notice      *trades.Notice         `json:"notice,omitempty"`
}

type subscriptionRequest struct {
	InstrumentKeys *[]string `json:"instrumentKeys"`
	Timeframe      string    `json:"timeframe"`
	Side           string    `json:"side"`
}

type pushMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// RegisterRoutes registers the UI-facing endpoints on mux.
func RegisterRoutes(mux *http.ServeMux, src Source) {
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		resp := stateResponse{
			State:       src.State(),
			Instruments: src.Instruments(),
			Timeframe:   src.Timeframe(),
		}
		if n, ok := src.Notice(); ok {
			resp.Notice = &n
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("/api/candles", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		key := strings.TrimSpace(r.URL.Query().Get("instrumentKey"))
		if key == "" {
			writeError(w, http.StatusBadRequest, "instrumentKey is required")
			return
		}
		u, ok := src.Candles(key)
		if !ok {
			writeError(w, http.StatusNotFound, "instrument not subscribed")
			return
		}
		writeJSON(w, http.StatusOK, u)
	})

	mux.HandleFunc("/api/trades", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		u, ok := src.Trades()
		if !ok {
			writeError(w, http.StatusNotFound, "trade feed disabled")
			return
		}
		writeJSON(w, http.StatusOK, u)
	})

	mux.HandleFunc("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		if key := r.URL.Query().Get("instrumentKey"); key != "" {
			s, ok := src.Stats(key)
			if !ok {
				writeError(w, http.StatusNotFound, "instrument not subscribed")
				return
			}
			writeJSON(w, http.StatusOK, s)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"pipeline":    metrics.GetStats(),
			"instruments": src.AllStats(),
		})
	})

	mux.HandleFunc("/api/subscription", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodPost:
		default:
			writeError(w, http.StatusMethodNotAllowed, "use POST")
			return
		}

		var req subscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
			return
		}
		if req.Timeframe != "" {
			tf, err := models.ParseTimeframe(req.Timeframe)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			if err := src.SetTimeframe(tf); err != nil {
				writeError(w, http.StatusServiceUnavailable, err.Error())
				return
			}
		}
		if req.Side != "" {
			side, err := models.ParseSide(req.Side)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			if err := src.SetTradeSide(side); err != nil {
				writeError(w, http.StatusServiceUnavailable, err.Error())
				return
			}
		}
		if req.InstrumentKeys != nil {
			if err := src.SetInstruments(*req.InstrumentKeys); err != nil {
				writeError(w, http.StatusServiceUnavailable, err.Error())
				return
			}
		}
		writeJSON(w, http.StatusOK, stateResponse{
			State:       src.State(),
			Instruments: src.Instruments(),
			Timeframe:   src.Timeframe(),
		})
	})

	mux.HandleFunc("/ws/updates", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			utils.Logger.Warnw("Update socket upgrade failed", "error", err)
			return
		}
		serveUpdates(conn, src, utils.RequestID(r.Context()))
	})
}

// serveUpdates pushes state, candle, trade and notice updates to one UI
// client until it disconnects.
func serveUpdates(conn *websocket.Conn, src Source, requestID string) {
	defer conn.Close()

	states := src.SubscribeStates()
	candles := src.SubscribeCandles()
	tradeUpdates := src.SubscribeTrades()
	notices := src.SubscribeNotices()
	defer src.UnsubscribeStates(states)
	defer src.UnsubscribeCandles(candles)
	defer src.UnsubscribeTrades(tradeUpdates)
	defer src.UnsubscribeNotices(notices)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(typ string, data interface{}) bool {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(pushMessage{Type: typ, Data: data}); err != nil {
			utils.Logger.Debugw("Update socket write failed", "request_id", requestID, "error", err)
			return false
		}
		return true
	}

	if !send("state", src.State()) {
		return
	}
	for {
		var ok bool
		select {
		case <-closed:
			return
		case s, open := <-states:
			if !open {
				return
			}
			ok = send("state", s)
		case u, open := <-candles:
			if !open {
				return
			}
			ok = send("candles", u)
		case u, open := <-tradeUpdates:
			if !open {
				return
			}
			ok = send("trades", u)
		case n, open := <-notices:
			if !open {
				return
			}
			ok = send("notice", n)
		}
		if !ok {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
