package controller

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fetchoracle/twapfeed/pkg/aggregate"
)

type priceResponse struct {
	Currency string  `json:"currency"`
	Asset    string  `json:"asset"`
	Pair     string  `json:"pair"`
	Price    float64 `json:"price"`
	Weight   float64 `json:"weight"`
	// Unix seconds, UTC.
	Timestamp int64 `json:"timestamp"`
}

// HandlePrice serves the TWAP of one currency.
func (c *Controller) HandlePrice(w http.ResponseWriter, r *http.Request) {
	currency := strings.ToLower(mux.Vars(r)["currency"])
	pair, ok := c.App.Engine.Pair(currency)
	if !ok {
		writeError(w, http.StatusNotFound, "currency not supported")
		return
	}

	res, ok := c.App.Engine.Price(r.Context(), currency)
	if !ok {
		// the engine has already logged the reason
		writeError(w, http.StatusServiceUnavailable, "price unavailable")
		return
	}

	writeJSON(w, http.StatusOK, priceResponse{
		Currency:  currency,
		Asset:     c.App.Config.Asset,
		Pair:      pair.Key(),
		Price:     res.Price,
		Weight:    res.Weight,
		Timestamp: res.Timestamp.Unix(),
	})
}

// HandleAggregate combines every configured currency into one price.
func (c *Controller) HandleAggregate(w http.ResponseWriter, r *http.Request) {
	alg, err := aggregate.ParseAlgorithm(r.URL.Query().Get("algorithm"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	agg, err := c.App.Aggregator.Aggregate(r.Context(), alg)
	switch {
	case errors.Is(err, aggregate.ErrNoQuotes), errors.Is(err, aggregate.ErrZeroWeight):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		c.App.Logger.Error("Aggregation failed", zap.String("algorithm", string(alg)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "aggregation failed")
		return
	}

	writeJSON(w, http.StatusOK, agg)
}
