package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"relicflow/audit"
	"relicflow/catalog"
	"relicflow/dispute"
	"relicflow/escrow"
	"relicflow/fault"
	"relicflow/identity"
	"relicflow/order"
	"relicflow/payment"
)

const maxBodyBytes = 1 << 20

type ctxKey int

const ctxKeyActor ctxKey = iota

// OrderService is the slice of the order service the HTTP layer uses.
type OrderService interface {
	Create(ctx context.Context, actor identity.Actor, productID string) (order.CreateResult, error)
	ConfirmPayment(ctx context.Context, event payment.CompletedEvent) error
	Cancel(ctx context.Context, actor identity.Actor, orderID string) error
	ForceCancel(ctx context.Context, actor identity.Actor, orderID string) error
	SelectDeliveryOptions(ctx context.Context, actor identity.Actor, orderID string, options []string) error
	ConfirmShipping(ctx context.Context, actor identity.Actor, orderID, provider, tracking string) error
	MarkSatisfaction(ctx context.Context, actor identity.Actor, orderID string, value order.Satisfaction) error
	Get(ctx context.Context, actor identity.Actor, orderID string) (order.Order, error)
	ListForBuyer(ctx context.Context, actor identity.Actor) ([]order.Order, error)
	ListForSeller(ctx context.Context, actor identity.Actor) ([]order.Order, error)
	ListAll(ctx context.Context, actor identity.Actor, limit int) ([]order.Order, error)
	AmountStats(ctx context.Context, actor identity.Actor) (order.Stats, error)
}

type DisputeService interface {
	Raise(ctx context.Context, actor identity.Actor, orderID, reason string, evidence []string) (dispute.Dispute, error)
	Resolve(ctx context.Context, actor identity.Actor, disputeID string, outcome dispute.Outcome, resolution string) (dispute.Dispute, error)
	Get(ctx context.Context, actor identity.Actor, disputeID string) (dispute.Dispute, error)
	List(ctx context.Context, actor identity.Actor, status dispute.Status, limit int) ([]dispute.Dispute, error)
}

type EscrowController interface {
	Release(ctx context.Context, actor identity.Actor, orderID string) (escrow.PayoutInstruction, error)
}

type CatalogService interface {
	Get(ctx context.Context, id string) (catalog.Product, error)
	Remove(ctx context.Context, actor identity.Actor, productID string) error
}

type AuditLog interface {
	List(ctx context.Context, limit int) ([]audit.Entry, error)
}

// Server routes HTTP requests into the lifecycle services.
type Server struct {
	orderService   OrderService
	disputeService DisputeService
	escrow         EscrowController
	catalogService CatalogService
	auditLog       AuditLog
	verifier       *identity.Verifier
	webhookSecret  []byte
	logger         *zap.Logger
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/orders", s.withActor(s.handleCreateOrder))
	mux.HandleFunc("GET /api/orders", s.withActor(s.handleListOrders))
	mux.HandleFunc("GET /api/orders/stats", s.withActor(s.handleOrderStats))
	mux.HandleFunc("GET /api/orders/{id}", s.withActor(s.handleGetOrder))
	mux.HandleFunc("DELETE /api/orders/{id}", s.withActor(s.handleCancelOrder))
	mux.HandleFunc("PUT /api/orders/{id}/delivery-options", s.withActor(s.handleDeliveryOptions))
	mux.HandleFunc("POST /api/orders/{id}/shipping", s.withActor(s.handleConfirmShipping))
	mux.HandleFunc("POST /api/orders/{id}/satisfaction", s.withActor(s.handleSatisfaction))
	mux.HandleFunc("POST /api/orders/{id}/release", s.withActor(s.handleReleaseEscrow))

	mux.HandleFunc("POST /api/disputes", s.withActor(s.handleRaiseDispute))
	mux.HandleFunc("GET /api/disputes", s.withActor(s.handleListDisputes))
	mux.HandleFunc("GET /api/disputes/{id}", s.withActor(s.handleGetDispute))
	mux.HandleFunc("POST /api/disputes/{id}/resolve", s.withActor(s.handleResolveDispute))

	mux.HandleFunc("GET /api/products/{id}", s.withActor(s.handleGetProduct))
	mux.HandleFunc("DELETE /api/products/{id}", s.withActor(s.handleRemoveProduct))

	mux.HandleFunc("GET /api/audit", s.withActor(s.handleAuditLog))

	mux.HandleFunc("POST /webhooks/payment", s.handlePaymentWebhook)

	return mux
}

// withActor authenticates the bearer token and stashes the actor in the
// request context. The webhook endpoint does not pass through here; it is
// authenticated by signature instead.
func (s *Server) withActor(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.writeError(w, r, fault.Forbidden("missing bearer token"))
			return
		}
		actor, err := s.verifier.Verify(token)
		if err != nil {
			s.writeError(w, r, fault.Forbidden("invalid token"))
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyActor, actor)
		next(w, r.WithContext(ctx))
	}
}

func actorFrom(r *http.Request) identity.Actor {
	actor, _ := r.Context().Value(ctxKeyActor).(identity.Actor)
	return actor
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID string `json:"product_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.orderService.Create(r.Context(), actorFrom(r), req.ProductID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, struct {
		Order       orderResponse `json:"order"`
		RedirectURL string        `json:"redirect_url"`
	}{toOrderResponse(res.Order), res.RedirectURL})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)

	var (
		orders []order.Order
		err    error
	)
	switch actor.Role {
	case identity.RoleBuyer:
		orders, err = s.orderService.ListForBuyer(r.Context(), actor)
	case identity.RoleSeller:
		orders, err = s.orderService.ListForSeller(r.Context(), actor)
	case identity.RoleAdmin:
		orders, err = s.orderService.ListAll(r.Context(), actor, queryLimit(r))
	default:
		err = fault.Forbidden("unknown role")
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	items := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		items = append(items, toOrderResponse(o))
	}
	s.writeJSON(w, http.StatusOK, struct {
		Items []orderResponse `json:"items"`
	}{items})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	ord, err := s.orderService.Get(r.Context(), actorFrom(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toOrderResponse(ord))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	orderID := r.PathValue("id")

	var err error
	if actor.Role == identity.RoleAdmin {
		err = s.orderService.ForceCancel(r.Context(), actor, orderID)
	} else {
		err = s.orderService.Cancel(r.Context(), actor, orderID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeliveryOptions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Options []string `json:"options"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.orderService.SelectDeliveryOptions(r.Context(), actorFrom(r), r.PathValue("id"), req.Options); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConfirmShipping(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Provider       string `json:"provider"`
		TrackingNumber string `json:"tracking_number"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.orderService.ConfirmShipping(r.Context(), actorFrom(r), r.PathValue("id"), req.Provider, req.TrackingNumber); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSatisfaction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.orderService.MarkSatisfaction(r.Context(), actorFrom(r), r.PathValue("id"), order.Satisfaction(req.Value)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	instr, err := s.escrow.Release(r.Context(), actorFrom(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toPayoutResponse(instr))
}

func (s *Server) handleOrderStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.orderService.AmountStats(r.Context(), actorFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Count   int64  `json:"count"`
		Total   string `json:"total"`
		Average string `json:"average"`
		Min     string `json:"min"`
		Max     string `json:"max"`
	}{stats.Count, stats.Total.StringFixed(2), stats.Average.StringFixed(2), stats.Min.StringFixed(2), stats.Max.StringFixed(2)})
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID  string   `json:"order_id"`
		Reason   string   `json:"reason"`
		Evidence []string `json:"evidence"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	rec, err := s.disputeService.Raise(r.Context(), actorFrom(r), req.OrderID, req.Reason, req.Evidence)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, toDisputeResponse(rec))
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	status := dispute.Status(r.URL.Query().Get("status"))
	records, err := s.disputeService.List(r.Context(), actorFrom(r), status, queryLimit(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	items := make([]disputeResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toDisputeResponse(rec))
	}
	s.writeJSON(w, http.StatusOK, struct {
		Items []disputeResponse `json:"items"`
	}{items})
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	rec, err := s.disputeService.Get(r.Context(), actorFrom(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Outcome    string `json:"outcome"`
		Resolution string `json:"resolution"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	rec, err := s.disputeService.Resolve(r.Context(), actorFrom(r), r.PathValue("id"), dispute.Outcome(req.Outcome), req.Resolution)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

func (s *Server) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := s.catalogService.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toProductResponse(product))
}

func (s *Server) handleRemoveProduct(w http.ResponseWriter, r *http.Request) {
	if err := s.catalogService.Remove(r.Context(), actorFrom(r), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	if err := actorFrom(r).RequireRole(identity.RoleAdmin); err != nil {
		s.writeError(w, r, err)
		return
	}

	entries, err := s.auditLog.List(r.Context(), queryLimit(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	items := make([]auditResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, toAuditResponse(e))
	}
	s.writeJSON(w, http.StatusOK, struct {
		Items []auditResponse `json:"items"`
	}{items})
}

// handlePaymentWebhook verifies the gateway signature over the raw body
// before anything else touches it.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, fault.InvalidRequest("read webhook body"))
		return
	}

	sig := r.Header.Get("Gateway-Signature")
	if err := payment.VerifySignature(s.webhookSecret, sig, payload, time.Now(), payment.DefaultTolerance); err != nil {
		s.writeError(w, r, err)
		return
	}

	event, err := payment.ParseCompletedEvent(payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.orderService.ConfirmPayment(r.Context(), event); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct {
		Received bool `json:"received"`
	}{true})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fault.InvalidRequest("decode request body: %v", err)
	}
	return nil
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return limit
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case fault.KindInvalidRequest:
		status = http.StatusBadRequest
	case fault.KindForbidden:
		status = http.StatusForbidden
	case fault.KindNotFound:
		status = http.StatusNotFound
	case fault.KindInvalidState, fault.KindConflict:
		status = http.StatusConflict
	case fault.KindPreconditionFailed:
		status = http.StatusPreconditionFailed
	case fault.KindGatewayUnavailable:
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	} else {
		s.logger.Info("request rejected",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("kind", kind.String()),
			zap.Error(err))
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	s.writeJSON(w, status, struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}{message, kind.String()})
}

type orderResponse struct {
	ID                string   `json:"id"`
	ProductID         *string  `json:"product_id"`
	BuyerID           string   `json:"buyer_id"`
	SellerID          string   `json:"seller_id"`
	Status            string   `json:"status"`
	Amount            string   `json:"amount"`
	EscrowRelease     bool     `json:"escrow_release"`
	BuyerSatisfaction string   `json:"buyer_satisfaction"`
	TransactionID     *string  `json:"transaction_id,omitempty"`
	DeliveryOptions   []string `json:"delivery_options,omitempty"`
	ShippingProvider  *string  `json:"shipping_provider,omitempty"`
	TrackingNumber    *string  `json:"tracking_number,omitempty"`
	CreatedAt         string   `json:"created_at"`
	UpdatedAt         string   `json:"updated_at"`
}

func toOrderResponse(o order.Order) orderResponse {
	return orderResponse{
		ID:                o.ID,
		ProductID:         o.ProductID,
		BuyerID:           o.BuyerID,
		SellerID:          o.SellerID,
		Status:            string(o.Status),
		Amount:            o.Amount.StringFixed(2),
		EscrowRelease:     o.EscrowRelease,
		BuyerSatisfaction: string(o.BuyerSatisfaction),
		TransactionID:     o.TransactionID,
		DeliveryOptions:   o.DeliveryOptions,
		ShippingProvider:  o.ShippingProvider,
		TrackingNumber:    o.TrackingNumber,
		CreatedAt:         o.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         o.UpdatedAt.Format(time.RFC3339),
	}
}

type disputeResponse struct {
	ID         string   `json:"id"`
	OrderID    string   `json:"order_id"`
	BuyerID    string   `json:"buyer_id"`
	SellerID   string   `json:"seller_id"`
	Reason     string   `json:"reason"`
	Evidence   []string `json:"evidence"`
	Status     string   `json:"status"`
	Outcome    *string  `json:"outcome,omitempty"`
	Resolution *string  `json:"resolution,omitempty"`
	ResolvedBy *string  `json:"resolved_by,omitempty"`
	CreatedAt  string   `json:"created_at"`
	ResolvedAt *string  `json:"resolved_at,omitempty"`
}

func toDisputeResponse(d dispute.Dispute) disputeResponse {
	resp := disputeResponse{
		ID:         d.ID,
		OrderID:    d.OrderID,
		BuyerID:    d.BuyerID,
		SellerID:   d.SellerID,
		Reason:     d.Reason,
		Evidence:   d.Evidence,
		Status:     string(d.Status),
		Resolution: d.Resolution,
		ResolvedBy: d.ResolvedBy,
		CreatedAt:  d.CreatedAt.Format(time.RFC3339),
	}
	if d.Outcome != nil {
		outcome := string(*d.Outcome)
		resp.Outcome = &outcome
	}
	if d.ResolvedAt != nil {
		resolved := d.ResolvedAt.Format(time.RFC3339)
		resp.ResolvedAt = &resolved
	}
	return resp
}

type payoutResponse struct {
	OrderID     string `json:"order_id"`
	SellerID    string `json:"seller_id"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
}

func toPayoutResponse(instr escrow.PayoutInstruction) payoutResponse {
	return payoutResponse{
		OrderID:     instr.OrderID,
		SellerID:    instr.SellerID,
		Destination: instr.Destination,
		Amount:      instr.Amount.StringFixed(2),
	}
}

type productResponse struct {
	ID          string `json:"id"`
	SellerID    string `json:"seller_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Price       string `json:"price"`
	CreatedAt   string `json:"created_at"`
}

func toProductResponse(p catalog.Product) productResponse {
	return productResponse{
		ID:          p.ID,
		SellerID:    p.SellerID,
		Title:       p.Title,
		Description: p.Description,
		Price:       p.Price.StringFixed(2),
		CreatedAt:   p.CreatedAt.Format(time.RFC3339),
	}
}

type auditResponse struct {
	ID             int64   `json:"id"`
	Action         string  `json:"action"`
	Amount         string  `json:"amount"`
	ActorID        string  `json:"actor_id"`
	CounterpartyID *string `json:"counterparty_id,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

func toAuditResponse(e audit.Entry) auditResponse {
	return auditResponse{
		ID:             e.ID,
		Action:         e.Action,
		Amount:         e.Amount.StringFixed(2),
		ActorID:        e.ActorID,
		CounterpartyID: e.CounterpartyID,
		CreatedAt:      e.CreatedAt.Format(time.RFC3339),
	}
}
