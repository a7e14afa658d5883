package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polychain/internal/domain"
	"github.com/alanyoungcy/polychain/internal/service"
)

// ChainService is the subset of the chain service the handler needs.
type ChainService interface {
	CreateChain(ctx context.Context, c domain.Chain) error
	GetChain(ctx context.Context, chainID string) (domain.Chain, error)
	Commit(ctx context.Context, req service.CommitRequest) (domain.UserChain, error)
	Abandon(ctx context.Context, key domain.UserChainKey) (domain.UserChain, error)
}

// ChainHandler serves chain commands.
type ChainHandler struct {
	chains ChainService
	logger *slog.Logger
}

// NewChainHandler creates a ChainHandler.
func NewChainHandler(chains ChainService, logger *slog.Logger) *ChainHandler {
	return &ChainHandler{chains: chains, logger: logger.With(slog.String("handler", "chain"))}
}

// CreateChain stores a new chain definition.
// POST /api/chains
func (h *ChainHandler) CreateChain(w http.ResponseWriter, r *http.Request) {
	var c domain.Chain
	if !decodeJSON(w, r, &c) {
		return
	}
	if err := h.chains.CreateChain(r.Context(), c); err != nil {
		writeDomainError(w, r, h.logger, "create chain", err)
		return
	}
	created, err := h.chains.GetChain(r.Context(), c.ChainID)
	if err != nil {
		writeDomainError(w, r, h.logger, "get chain", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type commitRequest struct {
	Wallet string          `json:"wallet"`
	Stake  decimal.Decimal `json:"stake"`
}

// Commit opens a user position on a chain.
// POST /api/chains/{id}/commit
func (h *ChainHandler) Commit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Wallet == "" {
		writeError(w, http.StatusBadRequest, "wallet is required")
		return
	}
	uc, err := h.chains.Commit(r.Context(), service.CommitRequest{
		ChainID: pathParam(r, "id"),
		Wallet:  req.Wallet,
		Stake:   req.Stake,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "commit", err)
		return
	}
	writeJSON(w, http.StatusCreated, uc)
}

type abandonRequest struct {
	Wallet string `json:"wallet"`
}

// Abandon cancels a user position whose first leg has not started.
// POST /api/chains/{id}/abandon
func (h *ChainHandler) Abandon(w http.ResponseWriter, r *http.Request) {
	var req abandonRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	uc, err := h.chains.Abandon(r.Context(), domain.UserChainKey{
		ChainID:       pathParam(r, "id"),
		WalletAddress: req.Wallet,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "abandon", err)
		return
	}
	writeJSON(w, http.StatusOK, uc)
}
