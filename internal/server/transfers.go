package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/creatorpay/internal/ledger/domain"
	obslogger "github.com/smallbiznis/creatorpay/internal/observability/logger"
	transferdomain "github.com/smallbiznis/creatorpay/internal/transfer/domain"
)

func (s *Server) CreateTransfer(c *gin.Context) {
	var req transferdomain.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set(obslogger.KeyTransferKind, string(req.Kind))

	var result transferdomain.Result
	err := s.retry.Do(c.Request.Context(), func(ctx context.Context) error {
		var err error
		result, err = s.transferSvc.Transfer(ctx, req)
		return err
	}, isLockTimeout)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

func isLockTimeout(err error) bool {
	return errors.Is(err, ledgerdomain.ErrLockTimeout)
}
