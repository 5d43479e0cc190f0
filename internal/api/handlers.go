package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/DimaJoyti/go-coffee/internal/orderbook/domain"
)

var (
	errOrderNotFound    = errors.New("order not found")
	errReadOnly         = errors.New("control surface is read-only")
	errMatchingDisabled = errors.New("matching engine is not enabled on this process")
)

// collectionCatchUpThreshold is the queue depth above which a collection is
// reported catching-up rather than synced. The tail channel buffers 16
// event batches (internal/relay.tail); a consumer running behind by more than a
// quarter of that buffer is meaningfully behind rather than momentarily
// bursty.
const collectionCatchUpThreshold = 4

// collectionHealth is one collection's relay-lag projection.
type collectionHealth struct {
	Collection string `json:"collection"`
	Status     string `json:"status"` // "synced" | "catching-up"
	QueueDepth int64  `json:"queueDepth"`
}

// healthzResponse is the control surface's liveness/health report, per
// spec.md §6's "report health for a collection" control operation.
type healthzResponse struct {
	Status      string             `json:"status"`
	Collections []collectionHealth `json:"collections"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthzResponse{Status: "synced", Collections: make([]collectionHealth, 0, len(s.relays))}
	for _, rl := range s.relays {
		depth := rl.QueueDepth()
		status := "synced"
		if depth > collectionCatchUpThreshold {
			status = "catching-up"
			resp.Status = "catching-up"
		}
		resp.Collections = append(resp.Collections, collectionHealth{
			Collection: rl.Collection(), Status: status, QueueDepth: depth,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// orderView is the order's control-surface-facing projection: on-chain-exact
// wei amounts alongside a human-readable decimal.Decimal ether figure, since
// spec.md §6 promises "no data contract beyond JSON" but a float64 ether
// price would silently lose precision a JSON consumer might rely on.
type orderView struct {
	ID         domain.OrderID `json:"id"`
	Side       string         `json:"side"`
	Collection domain.Address `json:"collection"`
	TokenID    string         `json:"tokenId,omitempty"`
	Signer     domain.Address `json:"signer"`
	PriceWei   string         `json:"priceWei"`
	PriceEth   decimal.Decimal `json:"priceEth"`
	Source     string         `json:"source"`
	Status     string         `json:"status"`
}

func newOrderView(order *domain.Order, status domain.Status) orderView {
	tokenID := ""
	if order.TokenID != nil {
		tokenID = order.TokenID.String()
	}
	priceEth := decimal.NewFromBigInt(order.PriceWei(), 0).Div(decimal.New(1, 18))
	return orderView{
		ID:         order.ID,
		Side:       order.Side.String(),
		Collection: order.Collection,
		TokenID:    tokenID,
		Signer:     order.Signer,
		PriceWei:   order.PriceWei().String(),
		PriceEth:   priceEth,
		Source:     string(order.Source),
		Status:     string(status),
	}
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := domain.OrderID(mux.Vars(r)["orderId"])
	order, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if order == nil {
		writeError(w, http.StatusNotFound, errOrderNotFound)
		return
	}
	status, err := s.store.Status(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderView(order, status))
}

// matchView mirrors domain.Match with a decimal-formatted arbitrage figure
// alongside the wei-exact value, for the same reason as orderView.
type matchView struct {
	MatchID         string          `json:"matchId"`
	Listing         domain.OrderID  `json:"listing"`
	Offer           domain.OrderID  `json:"offer"`
	IsNative        bool            `json:"isNative"`
	MaxGasPriceGwei string          `json:"maxGasPriceGwei"`
	ArbitrageWei    string          `json:"arbitrageWei"`
	ArbitrageEth    decimal.Decimal `json:"arbitrageEth"`
}

func newMatchView(m *domain.Match) matchView {
	return matchView{
		MatchID:         m.MatchID(),
		Listing:         m.Listing.ID,
		Offer:           m.Offer.ID,
		IsNative:        m.IsNative,
		MaxGasPriceGwei: m.MaxGasPriceGwei.String(),
		ArbitrageWei:    m.ArbitrageWei.String(),
		ArbitrageEth:    decimal.NewFromBigInt(m.ArbitrageWei, 0).Div(decimal.New(1, 18)),
	}
}

func (s *Server) handleGetOrderMatches(w http.ResponseWriter, r *http.Request) {
	id := domain.OrderID(mux.Vars(r)["orderId"])
	matches, err := s.store.MatchesForOrder(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]matchView, 0, len(matches))
	for _, m := range matches {
		views = append(views, newMatchView(m))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleForceMatch implements spec.md §6's "force-match an order by id"
// control operation: reloads the order and re-runs it through the matching
// engine, producing any matches that would otherwise have to wait for the
// next admitted counter-order.
func (s *Server) handleForceMatch(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ReadOnly {
		writeError(w, http.StatusForbidden, errReadOnly)
		return
	}
	id := domain.OrderID(mux.Vars(r)["orderId"])
	order, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if order == nil {
		writeError(w, http.StatusNotFound, errOrderNotFound)
		return
	}
	if s.matcher == nil {
		writeError(w, http.StatusServiceUnavailable, errMatchingDisabled)
		return
	}
	if err := s.matcher.MatchOrder(r.Context(), order); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"orderId": string(id)})
}

func (s *Server) handleRecentBlocks(w http.ResponseWriter, r *http.Request) {
	numbers, err := s.store.RecentBlocks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	blocks := make([]*domain.ExecutionBlock, 0, len(numbers))
	for _, n := range numbers {
		block, err := s.store.GetBlock(r.Context(), n)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if block != nil {
			blocks = append(blocks, block)
		}
	}
	writeJSON(w, http.StatusOK, blocks)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
