package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"spacemeter/internal/domain"
	"spacemeter/internal/ingest"
	"spacemeter/internal/logging"
)

func (s *Server) handlePutDiff(w http.ResponseWriter, r *http.Request) {
	provider, space, ok := s.spaceParams(w, r)
	if !ok {
		return
	}
	var req diffRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes), &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if errs := req.Validate(); errs != nil {
		writeError(w, http.StatusBadRequest, "invalid payload", errs)
		return
	}
	d := ingest.StampReceipt(domain.SpaceDiffRecord{
		Provider:     provider,
		Space:        space,
		Customer:     strings.TrimSpace(req.Customer),
		Subscription: strings.TrimSpace(req.Subscription),
		Cause:        strings.TrimSpace(req.Cause),
		Change:       *req.Change,
		ReceiptAt:    req.ReceiptAt.UTC(),
	}, s.now)
	if err := d.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err := s.ledger.PutSpaceDiff(r.Context(), d); err != nil {
		logging.FromContext(r.Context(), s.log).Error("PutSpaceDiff failed", "provider", provider, "space", space, "error", err.Error())
		writeStoreError(w, err, "failed to record diff")
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handlePutSnapshot(w http.ResponseWriter, r *http.Request) {
	provider, space, ok := s.spaceParams(w, r)
	if !ok {
		return
	}
	var req snapshotRequest
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes), &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if errs := req.Validate(); errs != nil {
		writeError(w, http.StatusBadRequest, "invalid payload", errs)
		return
	}
	snap := domain.SpaceSnapshotRecord{
		Provider:   provider,
		Space:      space,
		Size:       *req.Size,
		RecordedAt: req.RecordedAt.UTC(),
		InsertedAt: s.now().UTC(),
	}
	if err := snap.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if err := s.ledger.PutSpaceSnapshot(r.Context(), snap); err != nil {
		logging.FromContext(r.Context(), s.log).Error("PutSpaceSnapshot failed", "provider", provider, "space", space, "error", err.Error())
		writeStoreError(w, err, "failed to store snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	provider, space, ok := s.spaceParams(w, r)
	if !ok {
		return
	}
	raw := strings.TrimSpace(r.URL.Query().Get("at"))
	if raw == "" {
		writeError(w, http.StatusBadRequest, "at is required", nil)
		return
	}
	at, err := parseTimeParam(raw, "at")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	snap, err := s.ledger.GetSpaceSnapshot(r.Context(), provider, space, at)
	if err != nil {
		writeStoreError(w, err, "failed to load snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListUsage(w http.ResponseWriter, r *http.Request) {
	customer, err := pathParam(r, "customer")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	log := logging.FromContext(r.Context(), s.log).WithCustomer(customer)
	var from time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		if from, err = parseTimeParam(raw, "from"); err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
	}
	recs, err := s.ledger.ListUsage(r.Context(), customer, from)
	if err != nil {
		log.Error("ListUsage failed", "error", err.Error())
		writeStoreError(w, err, "failed to list usage")
		return
	}
	out := make([]usageResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newUsageResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleInstruction(w http.ResponseWriter, r *http.Request) {
	var in domain.BillingInstruction
	if err := decodeJSON(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes), &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	log := logging.FromContext(r.Context(), s.log).WithCustomer(in.Customer)

	inline, _ := strconv.ParseBool(r.URL.Query().Get("sync"))
	if inline {
		if s.handler == nil {
			writeError(w, http.StatusNotImplemented, "synchronous handling is not enabled", nil)
			return
		}
		res, err := s.handler.Handle(r.Context(), in)
		if err != nil {
			writeBillingError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resultResponse{
			Usage:        res.Usage.String(),
			SnapshotSize: res.SnapshotSize,
			Diffs:        res.Diffs,
		})
		return
	}

	if s.publisher == nil {
		writeError(w, http.StatusServiceUnavailable, "instruction queue is not configured", nil)
		return
	}
	if err := in.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid instruction", map[string]string{"reason": err.Error()})
		return
	}
	id, err := s.publisher.Publish(r.Context(), in)
	if err != nil {
		log.Error("Publish failed", "error", err.Error())
		writeError(w, http.StatusServiceUnavailable, "failed to enqueue instruction", nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) spaceParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	provider, err := pathParam(r, "provider")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return "", "", false
	}
	space, err := pathParam(r, "space")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return "", "", false
	}
	return provider, space, true
}

type diffRequest struct {
	Customer     string    `json:"customer"`
	Subscription string    `json:"subscription"`
	Cause        string    `json:"cause"`
	Change       *int64    `json:"change"`
	ReceiptAt    time.Time `json:"receiptAt"`
}

func (r diffRequest) Validate() map[string]string {
	errs := map[string]string{}
	if strings.TrimSpace(r.Cause) == "" {
		errs["cause"] = "cannot be blank"
	}
	if r.Change == nil {
		errs["change"] = "is required"
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

type snapshotRequest struct {
	Size       *int64    `json:"size"`
	RecordedAt time.Time `json:"recordedAt"`
}

func (r snapshotRequest) Validate() map[string]string {
	errs := map[string]string{}
	if r.Size == nil {
		errs["size"] = "is required"
	} else if *r.Size < 0 {
		errs["size"] = "cannot be negative"
	}
	if r.RecordedAt.IsZero() {
		errs["recordedAt"] = "is required"
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// usageResponse carries usage as a decimal string; byte-millisecond totals
// overflow float64 precision.
type usageResponse struct {
	Customer   string    `json:"customer"`
	Account    string    `json:"account"`
	Product    string    `json:"product"`
	Provider   string    `json:"provider"`
	Space      string    `json:"space"`
	Usage      string    `json:"usage"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	InsertedAt time.Time `json:"insertedAt"`
}

func newUsageResponse(rec domain.UsageRecord) usageResponse {
	usage := "0"
	if rec.Usage != nil {
		usage = rec.Usage.String()
	}
	return usageResponse{
		Customer:   rec.Customer,
		Account:    rec.Account,
		Product:    rec.Product,
		Provider:   rec.Provider,
		Space:      rec.Space,
		Usage:      usage,
		From:       rec.From,
		To:         rec.To,
		InsertedAt: rec.InsertedAt,
	}
}

type resultResponse struct {
	Usage        string `json:"usage"`
	SnapshotSize int64  `json:"snapshotSize"`
	Diffs        int    `json:"diffs"`
}
