package controller

import (
	"net/http"
	"sort"

	"go.uber.org/zap"
)

func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	names := make([]string, 0, len(c.App.Checks))
	for name := range c.App.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := c.App.Checks[name](ctx); err != nil {
			c.App.Logger.Warn("Health check failed", zap.String("dependency", name), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "errored", "error": name + " unavailable"})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
