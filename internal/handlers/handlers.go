package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"coopcycle/internal/coop"
	"coopcycle/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Handler serves the cooperative API over a CoopService.
type Handler struct {
	Svc CoopService
	log *zap.Logger
}

func NewHandler(svc CoopService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Svc: svc, log: logger}
}

// Router mounts every route under /api plus /metrics.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.InstrumentHandler)

	r.Handle("/metrics", metrics.Handler())
	r.Route("/api", func(r chi.Router) {
		r.Get("/ping", h.PingHandler)

		r.Post("/products", h.CreateProductHandler)
		r.Get("/products", h.ListProductsHandler)
		r.Post("/baskets", h.CreateBasketHandler)
		r.Get("/baskets", h.ListBasketsHandler)
		r.Post("/markets", h.CreateMarketHandler)
		r.Get("/markets", h.ListMarketsHandler)

		r.Post("/cycles", h.CreateCycleHandler)
		r.Get("/cycles", h.ListCyclesHandler)
		r.Route("/cycles/{cycleId}", func(r chi.Router) {
			r.Get("/", h.GetCycleHandler)
			r.Put("/status", h.TransitionHandler)
			r.Post("/close", h.CloseCycleHandler)
			r.Post("/acknowledge-shortfall", h.AcknowledgeShortfallHandler)
			r.Post("/markets", h.AddCycleMarketHandler)
			r.Get("/markets", h.ListCycleMarketsHandler)

			r.Put("/offers/{supplierId}", h.UpsertOfferHandler)
			r.Get("/offers/{supplierId}", h.GetOfferHandler)
			r.Put("/compositions", h.UpsertCompositionHandler)
			r.Post("/subscriptions", h.SubscribeHandler)
			r.Put("/orders", h.PlaceOrderHandler)

			r.Get("/supply", h.SupplyHandler)
			r.Get("/demand", h.DemandHandler)
			r.Get("/report", h.ReportHandler)
			r.Post("/allocation", h.RunAllocationHandler)
			r.Get("/allocation/runs", h.ListRunsHandler)
			r.Get("/bindings", h.ListBindingsHandler)
			r.Post("/bindings/force", h.ForceBindHandler)

			r.Post("/settlements", h.GenerateSettlementsHandler)
			r.Get("/settlements", h.ListSettlementsHandler)
			r.Post("/settlements/cancel", h.CancelSettlementsHandler)
		})
		r.Get("/compositions/{compositionId}", h.GetCompositionHandler)
		r.Get("/orders/{orderId}", h.GetOrderHandler)
		r.Post("/orders/{orderId}/finalize", h.FinalizeOrderHandler)
		r.Put("/settlements/{settlementId}/paid", h.MarkPaidHandler)
	})
	return r
}

// PingHandler answers "ok" for health checks.
func (h *Handler) PingHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func statusFor(kind coop.Kind) int {
	switch kind {
	case coop.NotFound:
		return http.StatusNotFound
	case coop.InvalidState, coop.CapacityExceeded, coop.AlreadySettled:
		return http.StatusConflict
	case coop.ValidationError:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := coop.KindOf(err)
	status := statusFor(kind)
	resp := errorResponse{Error: err.Error(), Kind: string(kind)}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		resp.Error = "internal error"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Kind: string(coop.ValidationError)})
}

// decodeBody reads a size-limited JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return false
		}
		badRequest(w, "Invalid JSON format")
		return false
	}
	return true
}

// idParam parses a positive id from the chi path.
func idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "Invalid "+name)
		return 0, false
	}
	return id, true
}

// actor reads the calling user from the actorId query parameter.
func actor(r *http.Request) coop.Actor {
	id, _ := strconv.ParseInt(r.URL.Query().Get("actorId"), 10, 64)
	return coop.Actor{UserID: id, Source: "api"}
}

type PaginationParams struct {
	Limit  int
	Offset int
}

// parsePaginationParams reads limit and offset, defaulting to 20 and 0.
func parsePaginationParams(r *http.Request) PaginationParams {
	params := PaginationParams{Limit: 20}
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 100 {
		params.Limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		params.Offset = o
	}
	return params
}

func queryBool(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}
