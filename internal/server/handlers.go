package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"vaultpay/internal/auth"
	"vaultpay/internal/disburse"
	"vaultpay/internal/fees"
)

const (
	maxRequestBody       = 64 << 10
	idempotencyKeyHeader = "Idempotency-Key"
)

type tipRequest struct {
	ToWallet     string      `json:"toWallet"`
	ArtistWallet string      `json:"artistWallet"`
	AmountSol    json.Number `json:"amountSol"`
	VideoID      string      `json:"videoId"`
	Nonce        string      `json:"nonce"`
}

type bookRequest struct {
	ArtistWallet string      `json:"artistWallet"`
	VideoID      string      `json:"videoId"`
	Date         string      `json:"date"`
	Time         string      `json:"time"`
	BudgetSol    json.Number `json:"budgetSol"`
	Notes        string      `json:"notes"`
	Nonce        string      `json:"nonce"`
}

type adoptRequest struct {
	ArtistWallet string      `json:"artistWallet"`
	AmountSol    json.Number `json:"amountSol"`
	Tier         string      `json:"tier"`
	Recurring    bool        `json:"recurring"`
	Message      string      `json:"message"`
	VideoID      string      `json:"videoId"`
	Nonce        string      `json:"nonce"`
}

func (s *Server) handleTip(w http.ResponseWriter, r *http.Request) {
	var req tipRequest
	if !decode(w, r, &req) {
		return
	}
	wallet := req.ToWallet
	if wallet == "" {
		wallet = req.ArtistWallet
	}
	s.disburse(w, r, disburse.PaymentIntent{
		Kind:        disburse.KindTip,
		ToWallet:    wallet,
		GrossAmount: req.AmountSol.String(),
		Nonce:       req.Nonce,
		Metadata:    disburse.Metadata{VideoID: req.VideoID},
	})
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	var req bookRequest
	if !decode(w, r, &req) {
		return
	}
	s.disburse(w, r, disburse.PaymentIntent{
		Kind:        disburse.KindBooking,
		ToWallet:    req.ArtistWallet,
		GrossAmount: req.BudgetSol.String(),
		Nonce:       req.Nonce,
		Metadata: disburse.Metadata{
			VideoID: req.VideoID,
			Booking: &disburse.Booking{Date: req.Date, Time: req.Time, Notes: req.Notes},
		},
	})
}

func (s *Server) handleAdopt(w http.ResponseWriter, r *http.Request) {
	var req adoptRequest
	if !decode(w, r, &req) {
		return
	}
	s.disburse(w, r, disburse.PaymentIntent{
		Kind:        disburse.KindAdoption,
		ToWallet:    req.ArtistWallet,
		GrossAmount: req.AmountSol.String(),
		Nonce:       req.Nonce,
		Metadata: disburse.Metadata{
			VideoID:  req.VideoID,
			Adoption: &disburse.Adoption{Tier: req.Tier, Recurring: req.Recurring, Message: req.Message},
		},
	})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, string(disburse.KindInvalidRequest), "invalid json payload")
		return false
	}
	return true
}

// disburse fills in the caller identity and idempotency inputs, then runs
// the intent and writes the outcome.
func (s *Server) disburse(w http.ResponseWriter, r *http.Request, intent disburse.PaymentIntent) {
	if id, ok := auth.FromContext(r.Context()); ok {
		intent.FromUserID = id.UserID
	}
	intent.ClientKey = strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	if intent.ClientKey == "" && strings.TrimSpace(intent.Nonce) == "" {
		// no retry identity was supplied, so this request stands alone
		intent.Nonce = uuid.NewString()
	}

	out, err := s.disburser.Disburse(r.Context(), intent)
	if err != nil {
		s.writeDisburseError(w, err)
		return
	}
	status, body := outcomeResponse(out)
	writeJSON(w, status, body)
}

var statusByKind = map[disburse.ErrorKind]int{
	disburse.KindInvalidRequest:           http.StatusBadRequest,
	disburse.KindInvalidRecipient:         http.StatusBadRequest,
	disburse.KindUnauthorized:             http.StatusUnauthorized,
	disburse.KindInProgress:               http.StatusConflict,
	disburse.KindIdempotencyMismatch:      http.StatusUnprocessableEntity,
	disburse.KindRPCRejected:              http.StatusBadGateway,
	disburse.KindInsufficientVaultBalance: http.StatusServiceUnavailable,
	disburse.KindNetworkUnavailable:       http.StatusServiceUnavailable,
}

func (s *Server) writeDisburseError(w http.ResponseWriter, err error) {
	kind := disburse.KindOf(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	resp := errorResponse{OK: false, Error: string(kind), Message: publicMessage(kind, err)}
	var de *disburse.Error
	if errors.As(err, &de) {
		resp.IdempotencyKey = de.Key
		resp.Signature = de.Signature
	}
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"idempotency_key": resp.IdempotencyKey,
			"signature":       resp.Signature,
		}).Error("disbursement request failed")
	}
	if kind == disburse.KindNetworkUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, resp)
}

func publicMessage(kind disburse.ErrorKind, err error) string {
	var de *disburse.Error
	switch {
	case kind == disburse.KindInternal:
		return "internal error"
	case errors.As(err, &de) && de.Err != nil:
		return de.Err.Error()
	default:
		return err.Error()
	}
}

type recordView struct {
	Kind         disburse.Kind `json:"kind"`
	FromUserID   string        `json:"fromUserId,omitempty"`
	ArtistWallet string        `json:"artistWallet"`
	VideoID      string        `json:"videoId,omitempty"`
	Date         string        `json:"date,omitempty"`
	Time         string        `json:"time,omitempty"`
	Notes        string        `json:"notes,omitempty"`
	Tier         string        `json:"tier,omitempty"`
	Recurring    *bool         `json:"recurring,omitempty"`
	Message      string        `json:"message,omitempty"`
	Status       string        `json:"status"`
	CreatedAt    time.Time     `json:"createdAt"`
}

type disbursementResponse struct {
	OK             bool        `json:"ok"`
	Status         string      `json:"status"`
	Signature      string      `json:"signature,omitempty"`
	IdempotencyKey string      `json:"idempotencyKey"`
	GrossAmount    float64     `json:"grossAmount"`
	NetAmount      float64     `json:"netAmount"`
	FeeAmount      float64     `json:"feeAmount"`
	GrossLamports  uint64      `json:"grossLamports"`
	NetLamports    uint64      `json:"netLamports"`
	FeeLamports    uint64      `json:"feeLamports"`
	Reason         string      `json:"reason,omitempty"`
	Attempts       int         `json:"attempts"`
	Replayed       bool        `json:"replayed,omitempty"`
	Record         *recordView `json:"record,omitempty"`
}

func outcomeResponse(out *disburse.Outcome) (int, disbursementResponse) {
	body := view(out.Disbursement, string(out.Result))
	body.Replayed = out.Replayed

	switch out.Result {
	case disburse.ResultConfirmed:
		body.OK = true
		return http.StatusOK, body
	case disburse.ResultFailed:
		// funds did not move; the caller may retry with the same key
		return http.StatusOK, body
	default:
		body.OK = true
		return http.StatusAccepted, body
	}
}

func view(d disburse.Disbursement, status string) disbursementResponse {
	rec := &recordView{
		Kind:         d.Kind,
		FromUserID:   d.FromUserID,
		ArtistWallet: d.ToWallet,
		VideoID:      d.Metadata.VideoID,
		Status:       string(d.Status),
		CreatedAt:    d.CreatedAt,
	}
	if b := d.Metadata.Booking; b != nil {
		rec.Date, rec.Time, rec.Notes = b.Date, b.Time, b.Notes
	}
	if a := d.Metadata.Adoption; a != nil {
		recurring := a.Recurring
		rec.Tier, rec.Recurring, rec.Message = a.Tier, &recurring, a.Message
	}
	return disbursementResponse{
		Status:         status,
		Signature:      d.Signature,
		IdempotencyKey: d.IdempotencyKey,
		GrossAmount:    fees.ToFloat(d.Gross()),
		NetAmount:      fees.ToFloat(d.Net()),
		FeeAmount:      fees.ToFloat(d.Fee()),
		GrossLamports:  d.GrossLamports,
		NetLamports:    d.NetLamports,
		FeeLamports:    d.FeeLamports,
		Reason:         d.FailureReason,
		Attempts:       d.Attempts,
		Record:         rec,
	}
}

// handleLookup reports the stored state of a disbursement. Rows owned by a
// user are visible only to that user's session.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	d, err := s.disburser.Lookup(r.Context(), key)
	if errors.Is(err, disburse.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "unknown idempotency key")
		return
	}
	if err != nil {
		s.writeDisburseError(w, err)
		return
	}
	if d.FromUserID != "" {
		id, ok := auth.FromContext(r.Context())
		if !ok || id.UserID != d.FromUserID {
			writeError(w, http.StatusNotFound, "not_found", "unknown idempotency key")
			return
		}
	}

	body := view(*d, string(d.Status))
	body.OK = d.Status != disburse.StatusFailed
	writeJSON(w, http.StatusOK, body)
}
