// Package public maintains the group of handlers for public access.
package public

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/askcoin/askcoin/foundation/blockchain/state"
	"github.com/askcoin/askcoin/foundation/events"
	"github.com/dimfeld/httptreemux/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Log   *zap.SugaredLogger
	State *state.State
	Evts  *events.Events
}

// Handlers manages the set of public endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	State *state.State
	WS    websocket.Upgrader
	Evts  *events.Events
}

// Routes binds all the public routes.
func Routes(mux *httptreemux.ContextMux, cfg Config) {
	pbl := Handlers{
		Log:   cfg.Log,
		State: cfg.State,
		WS:    websocket.Upgrader{},
		Evts:  cfg.Evts,
	}

	mux.GET("/v1/events", pbl.Events)
	mux.GET("/v1/node/status", pbl.Status)
	mux.GET("/v1/accounts/rich", pbl.RichList)
	mux.GET("/v1/accounts/name/:name", pbl.AccountByName)
	mux.GET("/v1/topics", pbl.Topics)
	mux.GET("/v1/topics/key/:key", pbl.TopicByKey)
}

// Events handles a web socket to provide events to a client.
func (h Handlers) Events(w http.ResponseWriter, r *http.Request) {
	h.WS.CheckOrigin = func(r *http.Request) bool { return true }

	c, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Errorw("events", "ERROR", err)
		return
	}
	defer c.Close()

	traceID := uuid.NewString()
	ch := h.Evts.Acquire(traceID)
	defer h.Evts.Release(traceID)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, wd := <-ch:
			if !wd {
				return
			}

			if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return
			}
		}
	}
}

// Status returns a snapshot of the node: tip, supply, pools, and peers.
func (h Handlers) Status(w http.ResponseWriter, r *http.Request) {
	tip := h.State.LatestBlock()
	verified, deferred := h.State.MempoolCounts()

	status := nodeStatus{
		TipID:       tip.ID,
		TipHash:     tip.Hash,
		TipUTC:      tip.UTC,
		ZeroBits:    tip.ZeroBits,
		TotalCoin:   h.State.TotalCoin(),
		MempoolV:    verified,
		MempoolD:    deferred,
		Peers:       h.State.RegisteredPeerCount(),
		IsSwitching: h.State.IsSwitching(),
	}

	respond(w, h.Log, status)
}

// RichList returns the top 100 accounts by balance.
func (h Handlers) RichList(w http.ResponseWriter, r *http.Request) {
	accounts := h.State.RichList(100)

	resp := make([]accountInfo, 0, len(accounts))
	for _, acct := range accounts {
		resp = append(resp, toAccountInfo(acct))
	}

	respond(w, h.Log, resp)
}

// AccountByName returns one account looked up by its base64 name.
func (h Handlers) AccountByName(w http.ResponseWriter, r *http.Request) {
	name := httptreemux.ContextParams(r.Context())["name"]

	account, exists := h.State.AccountByName(name)
	if !exists {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}

	respond(w, h.Log, toAccountInfo(account))
}

// Topics returns the open topics in creation order.
func (h Handlers) Topics(w http.ResponseWriter, r *http.Request) {
	topics := h.State.Topics()

	resp := make([]topicInfo, 0, len(topics))
	for _, topic := range topics {
		resp = append(resp, toTopicInfo(topic, false))
	}

	respond(w, h.Log, resp)
}

// TopicByKey returns one topic with its replies.
func (h Handlers) TopicByKey(w http.ResponseWriter, r *http.Request) {
	key := httptreemux.ContextParams(r.Context())["key"]

	topic, exists := h.State.Topic(key)
	if !exists {
		http.Error(w, "topic not found", http.StatusNotFound)
		return
	}

	respond(w, h.Log, toTopicInfo(topic, true))
}

// =============================================================================

func respond(w http.ResponseWriter, log *zap.SugaredLogger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorw("respond", "ERROR", err)
	}
}
