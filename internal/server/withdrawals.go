package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	payoutdomain "github.com/smallbiznis/creatorpay/internal/payout/domain"
	"github.com/smallbiznis/creatorpay/pkg/db/pagination"
)

func (s *Server) GetEarnings(c *gin.Context) {
	creatorID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	summary, err := s.earningsSvc.GetEarningsSummary(c.Request.Context(), creatorID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

type createWithdrawalRequest struct {
	Amount int64 `json:"amount"`
}

func (s *Server) CreateWithdrawal(c *gin.Context) {
	creatorID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req createWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	withdrawal, err := s.payoutSvc.RequestWithdrawal(c.Request.Context(), creatorID, req.Amount)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, withdrawal)
}

type listWithdrawalsQuery struct {
	pagination.Pagination
	Status string `form:"status"`
}

func (s *Server) ListWithdrawals(c *gin.Context) {
	creatorID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var query listWithdrawalsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.payoutSvc.ListWithdrawals(c.Request.Context(), payoutdomain.ListWithdrawalsRequest{
		Pagination: query.Pagination,
		CreatorID:  creatorID,
		Status:     payoutdomain.WithdrawalStatus(strings.TrimSpace(query.Status)),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

// GetWithdrawal hides requests owned by another creator behind 404.
func (s *Server) GetWithdrawal(c *gin.Context) {
	creatorID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	withdrawalID, err := pathID(c, "withdrawal_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	withdrawal, err := s.payoutSvc.GetWithdrawal(c.Request.Context(), withdrawalID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if withdrawal.CreatorID != creatorID {
		AbortWithError(c, payoutdomain.ErrWithdrawalNotFound)
		return
	}

	c.JSON(http.StatusOK, withdrawal)
}

func (s *Server) CancelWithdrawal(c *gin.Context) {
	creatorID, err := pathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	withdrawalID, err := pathID(c, "withdrawal_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	withdrawal, err := s.payoutSvc.CancelWithdrawal(c.Request.Context(), withdrawalID, creatorID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, withdrawal)
}

type settleWithdrawalRequest struct {
	ExternalTransferID string `json:"external_transfer_id"`
	Reason             string `json:"reason"`
}

func bindSettleRequest(c *gin.Context) (settleWithdrawalRequest, error) {
	var req settleWithdrawalRequest
	if c.Request.ContentLength == 0 {
		return req, nil
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		return req, invalidRequestError()
	}
	req.ExternalTransferID = strings.TrimSpace(req.ExternalTransferID)
	req.Reason = strings.TrimSpace(req.Reason)
	return req, nil
}

func (s *Server) MarkWithdrawalProcessing(c *gin.Context) {
	withdrawalID, err := pathID(c, "withdrawal_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	req, err := bindSettleRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	withdrawal, err := s.payoutSvc.MarkProcessing(c.Request.Context(), withdrawalID, req.ExternalTransferID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, withdrawal)
}

func (s *Server) MarkWithdrawalPaid(c *gin.Context) {
	withdrawalID, err := pathID(c, "withdrawal_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	req, err := bindSettleRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	withdrawal, err := s.payoutSvc.MarkPaid(c.Request.Context(), withdrawalID, req.ExternalTransferID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, withdrawal)
}

func (s *Server) MarkWithdrawalFailed(c *gin.Context) {
	withdrawalID, err := pathID(c, "withdrawal_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	req, err := bindSettleRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if req.Reason == "" {
		AbortWithError(c, newValidationError("reason", "invalid_reason", "reason is required"))
		return
	}

	withdrawal, err := s.payoutSvc.MarkFailed(c.Request.Context(), withdrawalID, req.Reason)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, withdrawal)
}
