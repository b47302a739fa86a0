package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) RunEvaluatePass(c *gin.Context) {
	res, err := s.passes.EvaluatePass(c.Request.Context())
	if err != nil {
		s.log.Warn("evaluate pass finished with errors", zap.Error(err))
		if res.Debts == 0 {
			AbortWithError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"data": res, "partial": err != nil})
}

func (s *Server) RunDispatchPass(c *gin.Context) {
	res, err := s.passes.DispatchPass(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}
