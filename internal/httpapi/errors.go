package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lattice-mesh/meshnet/internal/mixrelay"
	"github.com/lattice-mesh/meshnet/internal/peerdir"
	"github.com/lattice-mesh/meshnet/internal/replication"
	"github.com/lattice-mesh/meshnet/internal/sealedstore"
)

// errForbidden is returned by the loopback middleware for a non-local
// caller; it has no package of its own since it never crosses an
// engine boundary.
var errForbidden = errors.New("httpapi: loopback endpoint accessed remotely")

// statusFor maps an engine error to the HTTP status taxonomy in spec
// §7. Every surface funnels its handler errors through this one
// function rather than repeating the mapping at each call site.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, replication.ErrChainMismatch):
		return http.StatusConflict
	case errors.Is(err, replication.ErrHashMismatch), errors.Is(err, replication.ErrBadCipher):
		return http.StatusBadRequest
	case errors.Is(err, replication.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, peerdir.ErrNotConfigured):
		return http.StatusBadRequest
	case errors.Is(err, sealedstore.ErrWrongPassphrase), errors.Is(err, sealedstore.ErrBadFormat):
		return http.StatusBadRequest
	case errors.Is(err, mixrelay.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, mixrelay.ErrTtlExpired):
		return http.StatusBadRequest
	case errors.Is(err, mixrelay.ErrBadGateway):
		return http.StatusBadGateway
	case errors.Is(err, mixrelay.ErrUnknownDestination):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"status": "error", "error": err.Error()})
}

// writeChainMismatch reports a rejected block alongside both the
// node's current tip and the prev-hash the caller built against, so
// the caller can diagnose a fork without a second round trip, per
// spec §7's chain-mismatch diagnostics requirement. rejectedPrevHash
// is omitted when the rejection came from an internal race rather
// than a caller-supplied prev-hash.
func writeChainMismatch(w http.ResponseWriter, localTip, rejectedPrevHash string) {
	body := map[string]string{
		"status":    "error",
		"error":     replication.ErrChainMismatch.Error(),
		"local_tip": localTip,
	}
	if rejectedPrevHash != "" {
		body["rejected_prev_hash"] = rejectedPrevHash
	}
	writeJSON(w, http.StatusConflict, body)
}
