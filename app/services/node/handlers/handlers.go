// Package handlers manages the client-facing API surface of the node.
package handlers

import (
	"net/http"

	"github.com/askcoin/askcoin/app/services/node/handlers/public"
	"github.com/askcoin/askcoin/foundation/blockchain/state"
	"github.com/askcoin/askcoin/foundation/events"
	"github.com/dimfeld/httptreemux/v5"
	"go.uber.org/zap"
)

// MuxConfig contains all the mandatory systems required by handlers.
type MuxConfig struct {
	Log   *zap.SugaredLogger
	State *state.State
	Evts  *events.Events
}

// PublicMux constructs a http.Handler with all application routes defined.
func PublicMux(cfg MuxConfig) http.Handler {
	mux := httptreemux.NewContextMux()

	public.Routes(mux, public.Config{
		Log:   cfg.Log,
		State: cfg.State,
		Evts:  cfg.Evts,
	})

	return mux
}
