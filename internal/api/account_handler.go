package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/netguy001/algobot-go/internal/ledger"
	"github.com/netguy001/algobot-go/internal/manager"
)

// AccountHandler 处理账户/盈亏/风控相关的 HTTP 请求
type AccountHandler struct {
	orderManager *manager.Manager
	capital      *ledger.Capital
	auditor      *ledger.TradeAuditor
}

// NewAccountHandler 创建账户处理器
func NewAccountHandler(m *manager.Manager, capital *ledger.Capital, auditor *ledger.TradeAuditor) *AccountHandler {
	return &AccountHandler{orderManager: m, capital: capital, auditor: auditor}
}

// GetAccount 获取资金账本快照
// GET /api/account
func (h *AccountHandler) GetAccount(c *fiber.Ctx) error {
	return c.JSON(h.orderManager.Account())
}

// GetPnl 获取盈亏快照 (已实现 + 按标记价的未实现)
// GET /api/account/pnl
func (h *AccountHandler) GetPnl(c *fiber.Ctx) error {
	return c.JSON(h.orderManager.GetPnl())
}

// VerifyLedger 成交流水对账：独立重放全部成交，和资金账本比对。
// 只报告，不修正。
// GET /api/account/ledger/verify
func (h *AccountHandler) VerifyLedger(c *fiber.Ctx) error {
	report, err := h.auditor.VerifyAgainstCapitalLedger(c.Context(), h.capital)
	if err != nil {
		return handleError(c, err)
	}
	status := fiber.StatusOK
	if !report.Match {
		status = fiber.StatusConflict
	}
	return c.Status(status).JSON(report)
}

// KillSwitch 手动总闸：立即停止一切新订单创建
// POST /api/account/kill-switch
func (h *AccountHandler) KillSwitch(c *fiber.Ctx) error {
	h.orderManager.Halt()
	return c.JSON(fiber.Map{"Message": "Kill switch activated"})
}

// ResetHalt 清除停机标志与冷却状态 (新交易日)
// POST /api/account/reset-halt
func (h *AccountHandler) ResetHalt(c *fiber.Ctx) error {
	h.orderManager.ResetHalt()
	return c.JSON(fiber.Map{"Message": "Halt flags reset"})
}
