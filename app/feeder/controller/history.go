package controller

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// HandleHistory lists the newest stored computations of a currency.
func (c *Controller) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if c.App.History == nil {
		writeError(w, http.StatusNotFound, "price history disabled")
		return
	}
	currency := strings.ToLower(mux.Vars(r)["currency"])
	if _, ok := c.App.Engine.Pair(currency); !ok {
		writeError(w, http.StatusNotFound, "currency not supported")
		return
	}

	limit := defaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	rows, err := c.App.History.Recent(r.Context(), currency, limit)
	if err != nil {
		c.App.Logger.Error("History query failed", zap.String("currency", currency), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"currency": currency, "rows": rows})
}
