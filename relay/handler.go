package relay

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// InfoSource supplies the identity data the informational endpoints report.
type InfoSource interface {
	ServerAddress() common.Address
	ContractAddress() common.Address
	ContractInfo(ctx context.Context) (name, symbol string, chainID *big.Int, err error)
}

// Handler serves the relay HTTP API.
type Handler struct {
	svc  *Service
	info InfoSource
}

// NewHandler builds the HTTP handler around a service.
func NewHandler(svc *Service, info InfoSource) *Handler {
	return &Handler{svc: svc, info: info}
}

// Router assembles the chi router:
//
//	POST /api/execute-transfer
//	GET  /api/server-address
//	GET  /api/contract-info
//	GET  /health
func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Get("/health", h.health)
	r.Route("/api", func(r chi.Router) {
		r.Post("/execute-transfer", h.executeTransfer)
		r.Get("/server-address", h.serverAddress)
		r.Get("/contract-info", h.contractInfo)
	})
	return r
}

// ExecuteResponse is the success body of /api/execute-transfer.
type ExecuteResponse struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transactionHash"`
	BlockNumber     uint64 `json:"blockNumber"`
	GasUsed         string `json:"gasUsed"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) executeTransfer(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}

	outcome := h.svc.Execute(r.Context(), req)
	switch outcome.State {
	case StateConfirmed:
		writeJSON(w, http.StatusOK, ExecuteResponse{
			Success:         true,
			TransactionHash: outcome.TxHash.Hex(),
			BlockNumber:     outcome.BlockNumber,
			GasUsed:         new(big.Int).SetUint64(outcome.GasUsed).String(),
		})
	case StateRejected:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: outcome.Reason})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: outcome.Reason})
	}
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status          string `json:"status"`
	ServerAddress   string `json:"serverAddress"`
	ContractAddress string `json:"contractAddress"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:          "ok",
		ServerAddress:   h.info.ServerAddress().Hex(),
		ContractAddress: h.info.ContractAddress().Hex(),
	})
}

func (h *Handler) serverAddress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"address": h.info.ServerAddress().Hex()})
}

// ContractInfoResponse is the body of /api/contract-info.
type ContractInfoResponse struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
	ChainID string `json:"chainId"`
}

func (h *Handler) contractInfo(w http.ResponseWriter, r *http.Request) {
	name, symbol, chainID, err := h.info.ContractInfo(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to fetch contract info"})
		return
	}
	writeJSON(w, http.StatusOK, ContractInfoResponse{
		Address: h.info.ContractAddress().Hex(),
		Name:    name,
		Symbol:  symbol,
		ChainID: chainID.String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
