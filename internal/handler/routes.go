package handler

import (
	"github.com/dafibh/fortuna/budget-ledger/internal/middleware"
	"github.com/labstack/echo/v4"
)

// RegisterRoutes sets up all API routes
func RegisterRoutes(e *echo.Echo, authMiddleware *middleware.AuthMiddleware, rateLimiter *middleware.RateLimiter, ledgerHandler *LedgerHandler, wsHandler *WebSocketHandler) {
	// API version 1
	api := e.Group("/api/v1")

	// Budget ledger routes (protected)
	budget := api.Group("/budget")
	budget.Use(authMiddleware.Authenticate())
	budget.Use(middleware.RateLimitMiddleware(rateLimiter))
	budget.GET("", ledgerHandler.GetLedger)
	budget.PUT("/total", ledgerHandler.SetTotalBudget)
	budget.POST("/reset", ledgerHandler.ResetLedger)
	budget.POST("/expenses", ledgerHandler.CreateExpense)
	budget.PUT("/expenses/:id", ledgerHandler.UpdateExpense)
	budget.DELETE("/expenses/:id", ledgerHandler.DeleteExpense)
	budget.GET("/categories/:id/expenses", ledgerHandler.GetCategoryExpenses)
	budget.POST("/categories/:id/reconcile", ledgerHandler.ReconcileCategory)

	// Change notifications authenticate with the ?token= query parameter
	api.GET("/budget/ws", wsHandler.HandleWS)
}
