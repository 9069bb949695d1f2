package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/peruguharika/AspireBridge-Forntend-sub002/internal/service"
)

func RegisterHandlers(r *gin.Engine, ledger *service.WalletLedger) {
	v1 := r.Group("/v1")
	{
		v1.POST("/wallets/:user_id/topup", topUpHandler(ledger))
		v1.POST("/wallets/:user_id/debit", debitHandler(ledger))
		v1.POST("/wallets/:user_id/lock", lockHandler(ledger))
		v1.POST("/wallets/:user_id/release", releaseHandler(ledger))
		v1.POST("/wallets/:user_id/withdrawal", withdrawalHandler(ledger))
		v1.POST("/bookings/settle", settleBookingHandler(ledger))
		v1.GET("/wallets/:user_id/balance", balanceHandler(ledger))
		v1.GET("/wallets/:user_id/transactions", transactionsHandler(ledger))
		v1.GET("/wallets/:user_id/verify", verifyHandler(ledger))
	}
}

// writeError maps ledger errors onto status codes: business-rule rejections
// are 400s, a frozen wallet is a 409, anything else is a 500 with the
// persistence detail kept out of the response body.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidUser),
		errors.Is(err, service.ErrInsufficientFunds),
		errors.Is(err, service.ErrInvalidState):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrWalletFrozen):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrLedgerInconsistency):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger inconsistency, wallet frozen for review"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

type topUpReq struct {
	Amount      int64  `json:"amount" binding:"required"`
	PaymentID   string `json:"payment_id" binding:"required"`
	OrderID     string `json:"order_id"`
	UserType    string `json:"user_type"`
	Description string `json:"description"`
}

func topUpHandler(ledger *service.WalletLedger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req topUpReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		w, err := ledger.ApplyTopUp(c, c.Param("user_id"), req.UserType, req.Amount, req.PaymentID, req.OrderID, req.Description)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": w.Balance, "locked_balance": w.LockedBalance})
	}
}

type debitReq struct {
	Amount      int64  `json:"amount" binding:"required"`
	Source      string `json:"source"`
	Description string `json:"description"`
}

func debitHandler(ledger *service.WalletLedger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req debitReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		w, err := ledger.ApplyDebit(c, c.Param("user_id"), req.Amount, req.Source, req.Description)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": w.Balance, "locked_balance": w.LockedBalance})
	}
}

type amountReq struct {
	Amount int64 `json:"amount" binding:"required"`
}

func lockHandler(ledger *service.WalletLedger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req amountReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		w, err := ledger.LockFunds(c, c.Param("user_id"), req.Amount)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": w.Balance, "locked_balance": w.LockedBalance})
	}
}

func releaseHandler(ledger *service.WalletLedger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req amountReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		w, err := ledger.ReleaseFunds(c, c.Param("user_id"), req.Amount)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": w.Balance, "locked_balance": w.LockedBalance})
	}
}

type withdrawalReq struct {
	Amount    int64  `json:"amount" binding:"required"`
	Reference string `json:"reference" binding:"required"`
}

func withdrawalHandler(ledger *service.WalletLedger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req withdrawalReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		w, err := ledger.SettleWithdrawal(c, c.Param("user_id"), req.Amount, req.Reference)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"balance":         w.Balance,
			"locked_balance":  w.LockedBalance,
			"total_withdrawn": w.TotalWithdrawn,
		})
	}
}

type settleBookingReq struct {
	AspirantID string `json:"aspirant_id" binding:"required"`
	AchieverID string `json:"achiever_id" binding:"required"`
	Amount     int64  `json:"amount" binding:"required"`
	BookingID  string `json:"booking_id" binding:"required"`
}

func settleBookingHandler(ledger *service.WalletLedger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req settleBookingReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		aspirantBal, achieverBal, err := ledger.SettleBooking(c, req.AspirantID, req.AchieverID, req.Amount, req.BookingID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"aspirant_balance": aspirantBal,
			"achiever_balance": achieverBal,
		})
	}
}

func balanceHandler(ledger *service.WalletLedger) gin.HandlerFunc {
	return func(c *gin.Context) {
		bal, err := ledger.GetBalance(c, c.Param("user_id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"balance": bal})
	}
}

func transactionsHandler(ledger *service.WalletLedger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		txs, err := ledger.ListTransactions(c, c.Param("user_id"), limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, txs)
	}
}

func verifyHandler(ledger *service.WalletLedger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := ledger.Verify(c, c.Param("user_id")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"consistent": true})
	}
}
