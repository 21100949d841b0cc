package feeder

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/fetchoracle/twapfeed/app/feeder/controller"
	"github.com/fetchoracle/twapfeed/app/feeder/types"
)

// NewServer builds the HTTP server for app on the configured address.
func NewServer(app *types.App) error {
	ctler := controller.NewController(app)
	router, err := ctler.NewRouter()
	if err != nil {
		return err
	}

	// use <ip>:<port> to bind to a specific interface or :<port> to bind to all interfaces
	addr := app.Config.Addr

	app.Server = &http.Server{Addr: addr, Handler: controller.WithCORS(router)}
	app.Logger.Info("Starting server", zap.String("addr", addr))

	return nil
}
