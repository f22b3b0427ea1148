package handlers

import (
	"net/http"

	"coopcycle/models"
)

func (h *Handler) CreateProductHandler(w http.ResponseWriter, r *http.Request) {
	var p models.Product
	if !decodeBody(w, r, &p) {
		return
	}
	if err := h.Svc.CreateProduct(r.Context(), &p); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) ListProductsHandler(w http.ResponseWriter, r *http.Request) {
	params := parsePaginationParams(r)
	products, err := h.Svc.ListProducts(r.Context(), params.Limit, params.Offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (h *Handler) CreateBasketHandler(w http.ResponseWriter, r *http.Request) {
	var b models.BasketTemplate
	if !decodeBody(w, r, &b) {
		return
	}
	if err := h.Svc.CreateBasketTemplate(r.Context(), &b); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (h *Handler) ListBasketsHandler(w http.ResponseWriter, r *http.Request) {
	baskets, err := h.Svc.ListBasketTemplates(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, baskets)
}

func (h *Handler) CreateMarketHandler(w http.ResponseWriter, r *http.Request) {
	var m models.Market
	if !decodeBody(w, r, &m) {
		return
	}
	if err := h.Svc.CreateMarket(r.Context(), &m); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) ListMarketsHandler(w http.ResponseWriter, r *http.Request) {
	markets, err := h.Svc.ListMarkets(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, markets)
}
