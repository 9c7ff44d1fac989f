package devchain

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/immutablenpc/npc/ledger"
	"github.com/immutablenpc/npc/logging"
)

// Handler serves the /v1/chain RPC surface for a Chain.
type Handler struct {
	Chain  *Chain
	Logger *slog.Logger
}

// NewRouter builds the gin engine for h.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLog())

	chain := r.Group("/v1/chain")
	chain.POST("/get_info", h.GetInfo)
	chain.POST("/get_abi", h.GetABI)
	chain.POST("/get_account", h.GetAccount)
	chain.POST("/get_table_rows", h.GetTableRows)
	chain.POST("/push_transaction", h.PushTransaction)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"code": 404, "message": "Not Found", "error": gin.H{"name": "not_found", "what": "unknown endpoint", "details": []gin.H{{"message": "Unknown endpoint: " + c.Request.URL.Path}}}})
	})
	return r
}

func (h *Handler) requestLog() gin.HandlerFunc {
	log := logging.OrDiscard(h.Logger)
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("rpc", "path", c.Request.URL.Path, "status", c.Writer.Status(), "elapsed", time.Since(start))
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	var rej *ledger.Rejection
	if !errors.As(err, &rej) {
		rej = reject(http.StatusInternalServerError, 0, "internal_error", "Internal error", "%v", err)
	}
	status := rej.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}
	c.JSON(status, rej.ErrorBody())
}

func (h *Handler) bind(c *gin.Context, out any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(out); err != nil {
		h.fail(c, parseError("Unable to parse valid input from POST body: %v", err))
		return false
	}
	return true
}

func (h *Handler) GetInfo(c *gin.Context) {
	c.JSON(http.StatusOK, h.Chain.Info())
}

type accountRequest struct {
	AccountName ledger.Name `json:"account_name"`
}

func (h *Handler) GetABI(c *gin.Context) {
	var req accountRequest
	if !h.bind(c, &req) {
		return
	}
	abi, err := h.Chain.ABI(req.AccountName)
	if err != nil {
		h.fail(c, err)
		return
	}
	out := gin.H{"account_name": req.AccountName}
	if abi != nil {
		out["abi"] = abi
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) GetAccount(c *gin.Context) {
	var req accountRequest
	if !h.bind(c, &req) {
		return
	}
	acct, err := h.Chain.Account(req.AccountName)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (h *Handler) GetTableRows(c *gin.Context) {
	var req TableRowsRequest
	if !h.bind(c, &req) {
		return
	}
	rows, err := h.Chain.TableRows(req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (h *Handler) PushTransaction(c *gin.Context) {
	var req ledger.PackedTransaction
	if !h.bind(c, &req) {
		return
	}
	res, err := h.Chain.PushTransaction(req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}
