package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/creatorpay/internal/ledger/domain"
	transferdomain "github.com/smallbiznis/creatorpay/internal/transfer/domain"
	"github.com/smallbiznis/creatorpay/pkg/db/pagination"
)

type balanceResponse struct {
	PrincipalID string `json:"principal_id"`
	Balance     int64  `json:"balance"`
}

func (s *Server) GetBalance(c *gin.Context) {
	principalID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.ledgerSvc.GetBalance(c.Request.Context(), principalID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balanceResponse{
		PrincipalID: principalID.String(),
		Balance:     balance,
	})
}

type listTransactionsQuery struct {
	pagination.Pagination
	Type              string `form:"type"`
	Status            string `form:"status"`
	ExternalReference string `form:"external_reference"`
	From              string `form:"from"`
	To                string `form:"to"`
}

func (s *Server) ListTransactions(c *gin.Context) {
	principalID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var query listTransactionsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	from, err := parseOptionalTime(query.From, false)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "invalid from"))
		return
	}
	to, err := parseOptionalTime(query.To, true)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "invalid to"))
		return
	}
	if from != nil && to != nil && from.After(*to) {
		AbortWithError(c, newValidationError("from", "invalid_range", "from must not be after to"))
		return
	}

	filter := ledgerdomain.TransactionFilter{
		Pagination:        query.Pagination,
		PrincipalID:       principalID,
		Status:            ledgerdomain.TransactionStatus(strings.TrimSpace(query.Status)),
		ExternalReference: strings.TrimSpace(query.ExternalReference),
		From:              from,
		To:                to,
	}
	for _, t := range splitList(query.Type) {
		filter.Types = append(filter.Types, ledgerdomain.TransactionType(t))
	}

	res, err := s.ledgerSvc.ListTransactions(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (s *Server) GetRefillSettings(c *gin.Context) {
	principalID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	settings, err := s.transferSvc.GetRefillSettings(c.Request.Context(), principalID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if settings == nil {
		settings = &transferdomain.RefillSettings{PrincipalID: principalID}
	}

	c.JSON(http.StatusOK, settings)
}

type updateRefillRequest struct {
	Enabled          bool    `json:"enabled"`
	RefillTokens     int64   `json:"refill_tokens"`
	PaymentMethodRef *string `json:"payment_method_ref"`
}

func (s *Server) UpdateRefillSettings(c *gin.Context) {
	principalID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req updateRefillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	settings, err := s.transferSvc.UpdateRefillSettings(c.Request.Context(), transferdomain.RefillSettings{
		PrincipalID:      principalID,
		Enabled:          req.Enabled,
		RefillTokens:     req.RefillTokens,
		PaymentMethodRef: req.PaymentMethodRef,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, settings)
}
