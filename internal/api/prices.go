package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/teamfolio/trade-engine/internal/instrument"
	"github.com/teamfolio/trade-engine/internal/model"
)

// GetPrice handles GET /api/v1/prices/{code}
// Serves the latest tick, falling back to a quote lookup.
func (s *Server) GetPrice(w http.ResponseWriter, r *http.Request) {
	code, err := instrument.Normalize(chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, &model.ValidationError{Field: "code", Message: err.Error()})
		return
	}
	if t, ok := s.Feed.Latest(code); ok {
		writeJSON(w, http.StatusOK, t)
		return
	}
	if s.Quotes == nil {
		writeError(w, model.ErrNoReferencePrice)
		return
	}
	price, err := s.Quotes.Quote(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.Tick{Code: code, Price: price, Timestamp: time.Now().UTC()})
}

// PricesWS handles GET /api/v1/ws/prices?codes=005930,000660
// Upgrades to a push channel of ticks for the listed instruments.
func (s *Server) PricesWS(w http.ResponseWriter, r *http.Request) {
	codes, err := instrument.ParseList(r.URL.Query().Get("codes"))
	if err != nil {
		writeError(w, &model.ValidationError{Field: "codes", Message: err.Error()})
		return
	}
	if len(codes) == 0 {
		writeError(w, &model.ValidationError{Field: "codes", Message: "at least one instrument code is required"})
		return
	}
	s.PriceHub.Serve(w, r, codes)
}
