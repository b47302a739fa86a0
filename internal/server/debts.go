package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	debtdomain "github.com/smallbiznis/dunning/internal/debt/domain"
	historydomain "github.com/smallbiznis/dunning/internal/history/domain"
	programaciondomain "github.com/smallbiznis/dunning/internal/programacion/domain"
	workflowdomain "github.com/smallbiznis/dunning/internal/workflowstate/domain"
	"github.com/smallbiznis/dunning/pkg/db/pagination"
)

func (s *Server) ListDebtActions(c *gin.Context) {
	debt, ok := s.loadDebt(c)
	if !ok {
		return
	}
	before, limit, err := bindPage(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items, err := s.actionRepo.ListByDebt(c.Request.Context(), s.db, debt.ID, before, limit+1)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	items, pageInfo := pagination.BuildCursorPageInfo(items, limit, func(a programaciondomain.Action) snowflake.ID {
		return a.ID
	})
	if items == nil {
		items = []programaciondomain.Action{}
	}
	c.JSON(http.StatusOK, gin.H{"data": items, "page_info": pageInfo})
}

func (s *Server) ListDebtHistory(c *gin.Context) {
	debt, ok := s.loadDebt(c)
	if !ok {
		return
	}
	before, limit, err := bindPage(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items, err := s.historyRepo.ListByDebt(c.Request.Context(), s.db, debt.ID, before, limit+1)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	items, pageInfo := pagination.BuildCursorPageInfo(items, limit, func(r historydomain.Record) snowflake.ID {
		return r.ID
	})
	if items == nil {
		items = []historydomain.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"data": items, "page_info": pageInfo})
}

// ListDebtWorkflow returns the per-campaign execution context, ledger included.
func (s *Server) ListDebtWorkflow(c *gin.Context) {
	debt, ok := s.loadDebt(c)
	if !ok {
		return
	}

	items, err := s.workflow.ListByDebt(c.Request.Context(), debt.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if items == nil {
		items = []workflowdomain.State{}
	}
	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) loadDebt(c *gin.Context) (*debtdomain.Debt, bool) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return nil, false
	}

	debt, err := s.debtRepo.FindByID(c.Request.Context(), s.db, id)
	if err != nil {
		AbortWithError(c, err)
		return nil, false
	}
	if debt == nil {
		AbortWithError(c, debtdomain.ErrDebtNotFound)
		return nil, false
	}
	return debt, true
}
