package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polychain/internal/domain"
)

// MarketResolver records market outcomes. It is declared locally so the
// handler package does not depend on the concrete service implementation.
type MarketResolver interface {
	Resolve(ctx context.Context, conditionID string, outcome domain.Side) (domain.Market, error)
}

// MarketHandler serves the resolution intake endpoint.
type MarketHandler struct {
	markets MarketResolver
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketResolver, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, logger: logger.With(slog.String("handler", "market"))}
}

type resolveRequest struct {
	Outcome domain.Side `json:"outcome"`
}

// Resolve records the outcome of a market.
// POST /api/markets/{id}/resolve
func (h *MarketHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	var req resolveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !req.Outcome.Valid() {
		writeError(w, http.StatusBadRequest, "outcome must be YES or NO")
		return
	}

	m, err := h.markets.Resolve(r.Context(), id, req.Outcome)
	if err != nil {
		writeDomainError(w, r, h.logger, "resolve market", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
