package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleRPC handles POST /rpc: the single JSON-RPC envelope endpoint
// serving every bundler method (eth_sendUserOperation, eth_chainId,
// debug_bundler_*, ...).
func (s *Server) handleRPC(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	resp := s.rpcHandler.Handle(c.Request.Context(), body)
	c.JSON(http.StatusOK, resp)
}
