package controller

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fetchoracle/twapfeed/pkg/checkpoint"
)

type checkpointResponse struct {
	Pair string `json:"pair"`
	checkpoint.Record
}

// HandleCheckpoint shows the stored accumulators of a pair, e.g. /v1/checkpoints/wpls/dai.
func (c *Controller) HandleCheckpoint(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := strings.ToUpper(vars["token0"] + "/" + vars["token1"])

	snap, ok, err := c.App.Engine.Checkpoint(r.Context(), key)
	switch {
	case errors.Is(err, checkpoint.ErrCorruptCheckpoint):
		writeError(w, http.StatusInternalServerError, "checkpoint is corrupt")
		return
	case err != nil:
		c.App.Logger.Error("Checkpoint read failed", zap.String("pair", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "checkpoint unavailable")
		return
	case !ok:
		writeError(w, http.StatusNotFound, "no checkpoint for pair")
		return
	}

	writeJSON(w, http.StatusOK, checkpointResponse{Pair: key, Record: checkpoint.ToRecord(snap)})
}
