package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/paylink/ledger-service/internal/credential"
	"github.com/paylink/ledger-service/internal/ledger"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RegisterHandlers mounts all routes.
func RegisterHandlers(r *gin.Engine, led *ledger.Service, creds *credential.Service) {
	v1 := r.Group("/v1")

	partners := v1.Group("/partners")
	{
		partners.POST("", createPartnerHandler(creds))
		partners.POST("/:id/keys", issueKeyHandler(creds))
	}
	keys := v1.Group("/keys")
	{
		keys.POST("/:id/revoke", keyActionHandler(creds, "revoke"))
		keys.POST("/:id/suspend", keyActionHandler(creds, "suspend"))
		keys.POST("/:id/activate", keyActionHandler(creds, "activate"))
	}

	tx := v1.Group("/transactions", AuthMiddleware(creds))
	{
		write := RequireScope("write")
		tx.POST("", write, createTransactionHandler(led))
		tx.GET("/:reference", getTransactionHandler(led))
		tx.POST("/:reference/process", write, transitionHandler(led, "process"))
		tx.POST("/:reference/complete", write, transitionHandler(led, "complete"))
		tx.POST("/:reference/fail", write, failHandler(led))
		tx.POST("/:reference/cancel", write, transitionHandler(led, "cancel"))
		tx.POST("/:reference/refunds", write, createRefundHandler(led))
		tx.POST("/:reference/settle", write, settleHandler(led))
	}
	v1.GET("/merchants/:id/stats", AuthMiddleware(creds), statsHandler(led))
}

func writeLedgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrRefundNotAllowed),
		errors.Is(err, ledger.ErrRefundExceedsRemaining):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

type createPartnerReq struct {
	Name            string `json:"name" binding:"required"`
	Code            string `json:"code" binding:"required"`
	ContactEmail    string `json:"contact_email"`
	BusinessName    string `json:"business_name"`
	AllowedDomains  string `json:"allowed_domains"`
	WebhookURL      string `json:"webhook_url"`
	DailyAPILimit   int    `json:"daily_api_limit"`
	MonthlyAPILimit int    `json:"monthly_api_limit"`
}

func createPartnerHandler(creds *credential.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createPartnerReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		partner, err := creds.CreatePartner(c.Request.Context(), credential.PartnerParams{
			Name:            req.Name,
			Code:            req.Code,
			ContactEmail:    req.ContactEmail,
			BusinessName:    req.BusinessName,
			AllowedDomains:  req.AllowedDomains,
			WebhookURL:      req.WebhookURL,
			DailyAPILimit:   req.DailyAPILimit,
			MonthlyAPILimit: req.MonthlyAPILimit,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": partner.ID, "code": partner.Code})
	}
}

type issueKeyReq struct {
	Name       string     `json:"name" binding:"required"`
	KeyType    string     `json:"key_type"`
	Scopes     string     `json:"scopes"`
	AllowedIPs string     `json:"allowed_ips"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

func issueKeyHandler(creds *credential.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req issueKeyReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		partnerID, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid partner id"})
			return
		}
		key, rawSecret, err := creds.GenerateKeys(c.Request.Context(), credential.KeyParams{
			PartnerID:  partnerID,
			Name:       req.Name,
			KeyType:    req.KeyType,
			Scopes:     req.Scopes,
			AllowedIPs: req.AllowedIPs,
			ExpiresAt:  req.ExpiresAt,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		// the only response that ever carries the raw secret
		c.JSON(http.StatusCreated, gin.H{
			"id":         key.ID,
			"public_key": key.PublicKey,
			"secret_key": rawSecret,
		})
	}
}

type keyActionReq struct {
	Reason    string  `json:"reason"`
	RevokedBy *uint64 `json:"revoked_by"`
}

func keyActionHandler(creds *credential.Service, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		keyID, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key id"})
			return
		}
		var req keyActionReq
		_ = c.ShouldBindJSON(&req)
		switch action {
		case "revoke":
			err = creds.Revoke(c.Request.Context(), keyID, req.RevokedBy, req.Reason)
		case "suspend":
			err = creds.Suspend(c.Request.Context(), keyID)
		case "activate":
			err = creds.Activate(c.Request.Context(), keyID)
		}
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

type createTransactionReq struct {
	MerchantID    uint64  `json:"merchant_id" binding:"required"`
	Type          string  `json:"type" binding:"required"`
	PaymentMethod string  `json:"payment_method" binding:"required"`
	Currency      string  `json:"currency" binding:"required"`
	Amount        string  `json:"amount" binding:"required"`
	FeeAmount     string  `json:"fee_amount"`
	CustomerEmail *string `json:"customer_email"`
	CustomerPhone *string `json:"customer_phone"`
	Gateway       *string `json:"gateway"`
}

func createTransactionHandler(led *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createTransactionReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		fee := decimal.Zero
		if req.FeeAmount != "" {
			if fee, err = decimal.NewFromString(req.FeeAmount); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fee_amount"})
				return
			}
		}
		ip := c.ClientIP()
		t, err := led.Create(c.Request.Context(), ledger.CreateParams{
			MerchantID:    req.MerchantID,
			Type:          req.Type,
			PaymentMethod: req.PaymentMethod,
			Currency:      req.Currency,
			Amount:        amount,
			FeeAmount:     fee,
			CustomerEmail: req.CustomerEmail,
			CustomerPhone: req.CustomerPhone,
			Gateway:       req.Gateway,
			IPAddress:     &ip,
			Source:        "api",
		})
		if err != nil {
			writeLedgerError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"id":         t.ID,
			"reference":  t.Reference,
			"status":     t.Status,
			"amount":     t.Amount.StringFixed(2),
			"net_amount": t.NetAmount.StringFixed(2),
			"currency":   t.Currency,
			"hash":       ledger.TransactionHash(t),
		})
	}
}

func getTransactionHandler(led *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := led.GetByReference(c.Request.Context(), c.Param("reference"))
		if err != nil {
			writeLedgerError(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

// resolveTransactionID maps the reference in the path to the row id.
func resolveTransactionID(c *gin.Context, led *ledger.Service) (uuid.UUID, bool) {
	t, err := led.GetByReference(c.Request.Context(), c.Param("reference"))
	if err != nil {
		writeLedgerError(c, err)
		return uuid.Nil, false
	}
	return t.ID, true
}

func transitionHandler(led *ledger.Service, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := resolveTransactionID(c, led)
		if !ok {
			return
		}
		var (
			err    error
			result interface{}
		)
		switch action {
		case "process":
			result, err = led.MarkProcessing(c.Request.Context(), id, "api", nil)
		case "complete":
			result, err = led.MarkCompleted(c.Request.Context(), id, "api", nil)
		case "cancel":
			result, err = led.Cancel(c.Request.Context(), id, "api", nil)
		}
		if err != nil {
			writeLedgerError(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

type failReq struct {
	Reason string `json:"reason" binding:"required"`
	Code   string `json:"code"`
}

func failHandler(led *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := resolveTransactionID(c, led)
		if !ok {
			return
		}
		var req failReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		t, err := led.MarkFailed(c.Request.Context(), id, req.Reason, req.Code, "api", nil)
		if err != nil {
			writeLedgerError(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

type refundReq struct {
	Amount    string  `json:"amount" binding:"required"`
	Reason    string  `json:"reason"`
	CreatedBy *uint64 `json:"created_by"`
}

func createRefundHandler(led *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := resolveTransactionID(c, led)
		if !ok {
			return
		}
		var req refundReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		refund, err := led.CreateRefund(c.Request.Context(), id, amount, req.Reason, req.CreatedBy)
		if err != nil {
			writeLedgerError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"id":        refund.ID,
			"reference": refund.Reference,
			"status":    refund.Status,
			"amount":    refund.Amount.StringFixed(2),
		})
	}
}

type settleReq struct {
	SettlementReference string     `json:"settlement_reference" binding:"required"`
	SettlementDate      *time.Time `json:"settlement_date"`
}

func settleHandler(led *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := resolveTransactionID(c, led)
		if !ok {
			return
		}
		var req settleReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		t, err := led.MarkSettled(c.Request.Context(), id, req.SettlementReference, req.SettlementDate, "api", nil)
		if err != nil {
			writeLedgerError(c, err)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

func statsHandler(led *ledger.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		merchantID, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid merchant id"})
			return
		}
		var start, end *time.Time
		if v := c.Query("start"); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start"})
				return
			}
			start = &ts
		}
		if v := c.Query("end"); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end"})
				return
			}
			end = &ts
		}
		stats, err := led.GetMerchantStats(c.Request.Context(), merchantID, start, end)
		if err != nil {
			writeLedgerError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}
